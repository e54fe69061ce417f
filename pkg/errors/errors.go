package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCorruptSegment  = errors.New("corrupt segment")
	ErrMalformedQuery  = errors.New("malformed query")
	ErrSnapshotMissing = errors.New("no snapshot found")
	ErrChatUnknown     = errors.New("chat not indexed")
	ErrConflict        = errors.New("concurrent state update")
	ErrInternal        = errors.New("internal error")
	ErrTimeout         = errors.New("operation timed out")
)

// AppError carries a sentinel, a human-readable message, and the HTTP status
// to report on the query surface.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode maps an error to the status code the query surface returns.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrMalformedQuery):
		return http.StatusBadRequest
	case errors.Is(err, ErrChatUnknown), errors.Is(err, ErrSnapshotMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
