package sysv

import "io"

// Summer computes the System V sum(1) checksum that pkgmap records for every file, while
// counting the bytes written. It implements io.Writer.
type Summer struct {
	sum  uint32
	size int64
}

func (s *Summer) Write(p []byte) (int, error) {
	for _, b := range p {
		s.sum += uint32(b)
	}
	s.size += int64(len(p))
	return len(p), nil
}

// Sum returns the checksum of everything written so far.
func (s *Summer) Sum() uint32 {
	r := (s.sum & 0xffff) + (s.sum >> 16)
	return (r & 0xffff) + (r >> 16)
}

// Size returns the number of bytes written so far.
func (s *Summer) Size() int64 { return s.size }

// Checksum reads r to the end and returns its sum and size.
func Checksum(r io.Reader) (sum uint32, size int64, err error) {
	var s Summer
	if _, err = io.Copy(&s, r); err != nil {
		return 0, 0, err
	}
	return s.Sum(), s.Size(), nil
}
