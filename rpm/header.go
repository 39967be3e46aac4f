package rpm

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	indexEntryLen = 16
	maxIndexCount = 0xffff
	maxStoreSize  = 256 << 20
)

var headerMagic = []byte{0x8e, 0xad, 0xe8, 0x01}

type indexEntry struct {
	Tag    Tag
	Type   Type
	Offset int32
	Count  uint32
}

// Header is a parsed RPM header structure: an index of tagged entries pointing into a
// data store.
type Header struct {
	entries map[Tag]indexEntry
	store   []byte
	// size is the on-disk size of the header, including magic and index.
	size int64
}

// ReadHeader reads a header structure from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var intro [16]byte
	if _, err := io.ReadFull(r, intro[:]); err != nil {
		return nil, errors.Wrap(noEOF(err), "read header intro")
	}
	if !bytes.Equal(intro[:4], headerMagic) {
		return nil, errors.Wrapf(ErrBadMagic, "header magic % x", intro[:4])
	}
	count := binary.BigEndian.Uint32(intro[8:12])
	storeSize := binary.BigEndian.Uint32(intro[12:16])
	if count > maxIndexCount || storeSize > maxStoreSize {
		return nil, errors.Wrapf(ErrCorrupt, "header claims %d entries, %d bytes", count, storeSize)
	}
	index := make([]byte, int(count)*indexEntryLen)
	if _, err := io.ReadFull(r, index); err != nil {
		return nil, errors.Wrap(noEOF(err), "read header index")
	}
	h := &Header{
		entries: make(map[Tag]indexEntry, count),
		store:   make([]byte, storeSize),
		size:    int64(len(intro)) + int64(len(index)) + int64(storeSize),
	}
	if _, err := io.ReadFull(r, h.store); err != nil {
		return nil, errors.Wrap(noEOF(err), "read header store")
	}
	for i := 0; i < int(count); i++ {
		raw := index[i*indexEntryLen:]
		e := indexEntry{
			Tag:    Tag(binary.BigEndian.Uint32(raw[0:4])),
			Type:   Type(binary.BigEndian.Uint32(raw[4:8])),
			Offset: int32(binary.BigEndian.Uint32(raw[8:12])),
			Count:  binary.BigEndian.Uint32(raw[12:16]),
		}
		if e.Offset < 0 || int(e.Offset) > len(h.store) || e.Type > TypeI18nString {
			return nil, errors.Wrapf(ErrCorrupt, "tag %d: offset %d type %d", e.Tag, e.Offset, e.Type)
		}
		h.entries[e.Tag] = e
	}
	return h, nil
}

// Size returns the number of bytes the header occupied in the package.
func (h *Header) Size() int64 { return h.size }

// Has reports whether tag is present.
func (h *Header) Has(tag Tag) bool {
	_, ok := h.entries[tag]
	return ok
}

// String returns the value of a STRING or I18NSTRING entry. For I18NSTRING and
// STRING_ARRAY entries the first string is returned.
func (h *Header) String(tag Tag) (string, bool) {
	e, ok := h.entries[tag]
	if !ok {
		return "", false
	}
	switch e.Type {
	case TypeString, TypeI18nString, TypeStringArray:
		strs, err := h.strings(e, 1)
		if err != nil || len(strs) == 0 {
			return "", false
		}
		return strs[0], true
	}
	return "", false
}

// StringArray returns the value of a STRING_ARRAY entry.
func (h *Header) StringArray(tag Tag) ([]string, error) {
	e, ok := h.entries[tag]
	if !ok {
		return nil, nil
	}
	if e.Type != TypeStringArray && e.Type != TypeString && e.Type != TypeI18nString {
		return nil, errors.Wrapf(ErrCorrupt, "tag %d has type %d, not a string array", tag, e.Type)
	}
	count := int(e.Count)
	if e.Type == TypeString {
		count = 1
	}
	return h.strings(e, count)
}

// Int32s returns the value of an INT32 entry. INT16 and INT8 entries are widened.
func (h *Header) Int32s(tag Tag) ([]int32, error) {
	e, ok := h.entries[tag]
	if !ok {
		return nil, nil
	}
	switch e.Type {
	case TypeInt32:
		data, err := h.slice(e, 4)
		if err != nil {
			return nil, err
		}
		out := make([]int32, e.Count)
		for i := range out {
			out[i] = int32(binary.BigEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case TypeInt16:
		vals, err := h.Uint16s(tag)
		if err != nil {
			return nil, err
		}
		out := make([]int32, len(vals))
		for i, v := range vals {
			out[i] = int32(v)
		}
		return out, nil
	case TypeInt8, TypeChar:
		data, err := h.slice(e, 1)
		if err != nil {
			return nil, err
		}
		out := make([]int32, len(data))
		for i, v := range data {
			out[i] = int32(v)
		}
		return out, nil
	}
	return nil, errors.Wrapf(ErrCorrupt, "tag %d has type %d, not an integer", tag, e.Type)
}

// Uint16s returns the value of an INT16 entry. Values are unsigned, as file modes and
// device numbers are stored this way.
func (h *Header) Uint16s(tag Tag) ([]uint16, error) {
	e, ok := h.entries[tag]
	if !ok {
		return nil, nil
	}
	if e.Type != TypeInt16 {
		return nil, errors.Wrapf(ErrCorrupt, "tag %d has type %d, not int16", tag, e.Type)
	}
	data, err := h.slice(e, 2)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, e.Count)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out, nil
}

// Int64s returns the value of an INT64 entry. INT32 entries are widened as unsigned
// values, which is how sizes are stored.
func (h *Header) Int64s(tag Tag) ([]int64, error) {
	e, ok := h.entries[tag]
	if !ok {
		return nil, nil
	}
	switch e.Type {
	case TypeInt64:
		data, err := h.slice(e, 8)
		if err != nil {
			return nil, err
		}
		out := make([]int64, e.Count)
		for i := range out {
			out[i] = int64(binary.BigEndian.Uint64(data[i*8:]))
		}
		return out, nil
	case TypeInt32:
		vals, err := h.Int32s(tag)
		if err != nil {
			return nil, err
		}
		out := make([]int64, len(vals))
		for i, v := range vals {
			out[i] = int64(uint32(v))
		}
		return out, nil
	}
	return nil, errors.Wrapf(ErrCorrupt, "tag %d has type %d, not int64", tag, e.Type)
}

// Int returns the first value of an integer entry.
func (h *Header) Int(tag Tag) (int64, bool) {
	vals, err := h.Int64s(tag)
	if err != nil || len(vals) == 0 {
		ints, err := h.Int32s(tag)
		if err != nil || len(ints) == 0 {
			return 0, false
		}
		return int64(ints[0]), true
	}
	return vals[0], true
}

// Bytes returns the raw value of a BIN entry.
func (h *Header) Bytes(tag Tag) ([]byte, error) {
	e, ok := h.entries[tag]
	if !ok {
		return nil, nil
	}
	if e.Type != TypeBin && e.Type != TypeChar && e.Type != TypeInt8 {
		return nil, errors.Wrapf(ErrCorrupt, "tag %d has type %d, not binary", tag, e.Type)
	}
	return h.slice(e, 1)
}

func (h *Header) slice(e indexEntry, width int) ([]byte, error) {
	end := int64(e.Offset) + int64(e.Count)*int64(width)
	if end > int64(len(h.store)) {
		return nil, errors.Wrapf(ErrCorrupt, "tag %d: %d values overrun data store", e.Tag, e.Count)
	}
	return h.store[e.Offset:end], nil
}

func (h *Header) strings(e indexEntry, count int) ([]string, error) {
	data := h.store[e.Offset:]
	if count > len(data) {
		return nil, errors.Wrapf(ErrCorrupt, "tag %d: %d strings overrun data store", e.Tag, count)
	}
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		end := bytes.IndexByte(data, 0)
		if end < 0 {
			return nil, errors.Wrapf(ErrCorrupt, "tag %d: unterminated string", e.Tag)
		}
		out = append(out, string(data[:end]))
		data = data[end+1:]
	}
	return out, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
