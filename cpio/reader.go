package cpio

import (
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Reader reads entries of a cpio archive sequentially. After Next returns a header,
// Read returns that entry's data.
type Reader struct {
	r         io.Reader
	offset    int64
	remaining int64
	padding   int64
	crc       bool
	sum       uint32
	check     uint32
	done      bool
}

// NewReader returns a Reader reading an archive from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Offset returns the number of bytes consumed from the underlying reader so far.
func (r *Reader) Offset() int64 { return r.offset }

// Next advances to the next entry, skipping unread data of the current one. It returns
// io.EOF after the trailer entry has been read.
func (r *Reader) Next() (*Header, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := r.skip(r.remaining + r.padding); err != nil {
		return nil, err
	}
	r.remaining, r.padding = 0, 0

	raw := make([]byte, headerLen)
	if err := r.readFull(raw); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	magic := string(raw[:6])
	if magic != MagicNewc && magic != MagicCRC {
		return nil, errors.Wrapf(ErrBadHeader, "magic %q at offset %d", magic, r.offset-headerLen)
	}
	var fields [13]uint32
	for i := range fields {
		v, err := strconv.ParseUint(string(raw[6+i*8:14+i*8]), 16, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrBadHeader, "field %d: %v", i, err)
		}
		fields[i] = uint32(v)
	}
	h := &Header{
		Inode:     fields[0],
		Mode:      fields[1],
		UID:       fields[2],
		GID:       fields[3],
		Nlink:     fields[4],
		Mtime:     int64(fields[5]),
		Size:      int64(fields[6]),
		DevMajor:  fields[7],
		DevMinor:  fields[8],
		RdevMajor: fields[9],
		RdevMinor: fields[10],
		Check:     fields[12],
	}
	nameSize := int64(fields[11])
	if nameSize == 0 || nameSize > 1<<16 {
		return nil, errors.Wrapf(ErrBadHeader, "name size %d", nameSize)
	}
	name := make([]byte, nameSize)
	if err := r.readFull(name); err != nil {
		return nil, noEOF(err)
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	h.Name = string(name)
	if err := r.skip(pad(headerLen + nameSize)); err != nil {
		return nil, err
	}

	if h.Name == Trailer {
		r.done = true
		return nil, io.EOF
	}
	r.remaining = h.Size
	r.padding = pad(h.Size)
	r.crc = magic == MagicCRC
	r.sum = 0
	r.check = h.Check
	return h, nil
}

// Read reads from the data of the current entry.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.r.Read(p)
	r.offset += int64(n)
	r.remaining -= int64(n)
	if r.crc {
		for _, b := range p[:n] {
			r.sum += uint32(b)
		}
		if r.remaining == 0 && r.sum != r.check {
			return n, ErrChecksum
		}
	}
	if err == io.EOF && r.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (r *Reader) readFull(p []byte) error {
	n, err := io.ReadFull(r.r, p)
	r.offset += int64(n)
	return err
}

func (r *Reader) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	skipped, err := io.CopyN(io.Discard, r.r, n)
	r.offset += skipped
	return noEOF(err)
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
