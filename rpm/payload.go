package rpm

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Compressor names as used in the PAYLOADCOMPRESSOR tag.
const (
	CompressorNone  = "none"
	CompressorGzip  = "gzip"
	CompressorBzip2 = "bzip2"
	CompressorXZ    = "xz"
	CompressorLZMA  = "lzma"
	CompressorZstd  = "zstd"
)

var compressorMagic = []struct {
	name  string
	magic []byte
}{
	{CompressorGzip, []byte{0x1f, 0x8b}},
	{CompressorBzip2, []byte("BZh")},
	{CompressorXZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{CompressorZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{CompressorNone, []byte("0707")},
	{CompressorLZMA, []byte{0x5d, 0x00, 0x00}},
}

// DetectCompressor returns the compressor of the payload. The header tag wins; packages
// without it (or with an unknown value) are identified by magic bytes.
func (p *Package) DetectCompressor() (string, error) {
	switch c := p.PayloadCompressor(); c {
	case CompressorGzip, CompressorBzip2, CompressorXZ, CompressorLZMA, CompressorZstd:
		return c, nil
	}
	// rpm < 4.0 did not record the compressor at all.
	head, err := p.payload.Peek(6)
	if err != nil && len(head) == 0 {
		return "", errors.Wrap(noEOF(err), "peek payload")
	}
	for _, c := range compressorMagic {
		if bytes.HasPrefix(head, c.magic) {
			return c.name, nil
		}
	}
	return "", errors.Wrapf(ErrUnsupportedCompressor, "%q (payload starts with % x)", p.PayloadCompressor(), head)
}

// Payload returns the decompressed payload stream. It must be called at most once, after
// all header information needed has been read.
func (p *Package) Payload() (io.ReadCloser, error) {
	if format := p.PayloadFormat(); format != "cpio" {
		return nil, errors.Wrap(ErrUnsupportedFormat, format)
	}
	compressor, err := p.DetectCompressor()
	if err != nil {
		return nil, err
	}
	return Decompress(compressor, p.payload)
}

// Decompress wraps r with a reader for the named compressor.
func Decompress(compressor string, r io.Reader) (io.ReadCloser, error) {
	switch compressor {
	case CompressorNone:
		return io.NopCloser(r), nil
	case CompressorGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "gzip payload")
		}
		return zr, nil
	case CompressorBzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case CompressorXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "xz payload")
		}
		return io.NopCloser(xr), nil
	case CompressorLZMA:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "lzma payload")
		}
		return io.NopCloser(lr), nil
	case CompressorZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "zstd payload")
		}
		return zr.IOReadCloser(), nil
	}
	return nil, errors.Wrap(ErrUnsupportedCompressor, compressor)
}
