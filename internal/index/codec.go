package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"

	pkgerrors "github.com/evanli-dev/chatsearch/pkg/errors"
)

// Segment blob layout: 24-byte header (magic, format version, sequence
// number, body length), JSON body, 4-byte CRC32 footer over the body.
// Posting lists are not serialised; they are rebuilt from the entries'
// terms on decode, so body and index can never disagree.
const (
	segmentMagic  uint32 = 0x43535347 // "CSSG"
	formatVersion uint32 = 1
	headerSize           = 24
	footerSize           = 4
)

type segmentWire struct {
	Seq     uint64     `json:"seq"`
	Entries []DocEntry `json:"entries"`
}

// EncodeSegment serialises a segment into its blob representation.
func EncodeSegment(seg *Segment) ([]byte, error) {
	wire := segmentWire{
		Seq:     seg.Seq,
		Entries: make([]DocEntry, 0, len(seg.Docs)),
	}
	ids := make([]DocID, 0, len(seg.Docs))
	for id := range seg.Docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	for _, id := range ids {
		wire.Entries = append(wire.Entries, *seg.Docs[id])
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling segment %d: %w", seg.Seq, err)
	}

	buf := make([]byte, headerSize+len(body)+footerSize)
	binary.LittleEndian.PutUint32(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], seg.Seq)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(body)))
	copy(buf[headerSize:], body)
	checksum := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(buf[headerSize+len(body):], checksum)
	return buf, nil
}

// Checksum returns the CRC32 recorded in an encoded segment blob, for
// manifest bookkeeping.
func Checksum(blob []byte) uint32 {
	if len(blob) < headerSize+footerSize {
		return 0
	}
	return binary.LittleEndian.Uint32(blob[len(blob)-footerSize:])
}

// DecodeSegment parses and validates a segment blob. Any structural damage
// or checksum mismatch reports ErrCorruptSegment.
func DecodeSegment(data []byte) (*Segment, error) {
	if len(data) < headerSize+footerSize {
		return nil, fmt.Errorf("%w: blob truncated (%d bytes)", pkgerrors.ErrCorruptSegment, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != segmentMagic {
		return nil, fmt.Errorf("%w: bad magic %x", pkgerrors.ErrCorruptSegment, magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", pkgerrors.ErrCorruptSegment, version)
	}
	bodyLen := binary.LittleEndian.Uint64(data[16:24])
	if uint64(len(data)) != headerSize+bodyLen+footerSize {
		return nil, fmt.Errorf("%w: body length mismatch", pkgerrors.ErrCorruptSegment)
	}
	body := data[headerSize : headerSize+bodyLen]
	want := binary.LittleEndian.Uint32(data[headerSize+bodyLen:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (got %x, want %x)", pkgerrors.ErrCorruptSegment, got, want)
	}

	var wire segmentWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrCorruptSegment, err)
	}
	if seq := binary.LittleEndian.Uint64(data[8:16]); seq != wire.Seq {
		return nil, fmt.Errorf("%w: header/body sequence mismatch", pkgerrors.ErrCorruptSegment)
	}

	entries := make(map[DocID]*DocEntry, len(wire.Entries))
	for i := range wire.Entries {
		entry := wire.Entries[i]
		entries[entry.Doc.ID()] = &entry
	}
	return newSegment(wire.Seq, entries), nil
}
