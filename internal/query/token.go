package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
)

// PageToken marks the sort position of the last returned hit. The next page
// resumes strictly after it. R pins the recency reference of the first page
// so later pages score identically even after new documents commit.
type PageToken struct {
	S float64 `json:"s"` // score
	T int64   `json:"t"` // timestamp
	C int64   `json:"c"` // chat id
	M int64   `json:"m"` // message id
	R int64   `json:"r"` // recency reference timestamp
}

// Encode serialises the token for the client. Tokens are opaque: clients
// must not construct or inspect them.
func (t PageToken) Encode() string {
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodePageToken parses a client-supplied continuation token.
func DecodePageToken(s string) (PageToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return PageToken{}, fmt.Errorf("%w: bad continuation token", pkgerrors.ErrMalformedQuery)
	}
	var t PageToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return PageToken{}, fmt.Errorf("%w: bad continuation token", pkgerrors.ErrMalformedQuery)
	}
	return t, nil
}
