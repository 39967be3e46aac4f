package cpio

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Writer writes a 070701 cpio archive. Every entry is announced with WriteHeader and
// followed by exactly Header.Size bytes of data.
type Writer struct {
	w         io.Writer
	remaining int64
	padding   int64
	nextInode uint32
	closed    bool
}

// NewWriter returns a Writer writing an archive to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, nextInode: 1}
}

// WriteHeader finishes the current entry and starts a new one. A zero Inode is replaced
// with a unique inode number, and a zero Nlink with 1 (2 for directories).
func (w *Writer) WriteHeader(h *Header) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.finishEntry(); err != nil {
		return err
	}
	if h.Size < 0 || h.Size > 0xffffffff {
		return errors.Wrapf(ErrTooLarge, "%s: %d bytes", h.Name, h.Size)
	}
	hdr := *h
	if hdr.Inode == 0 {
		hdr.Inode = w.nextInode
		w.nextInode++
	}
	if hdr.Nlink == 0 {
		hdr.Nlink = 1
		if hdr.IsDir() {
			hdr.Nlink = 2
		}
	}
	if err := w.writeHeader(&hdr); err != nil {
		return err
	}
	w.remaining = hdr.Size
	w.padding = pad(hdr.Size)
	return nil
}

// Write writes data of the current entry.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if int64(len(p)) > w.remaining {
		n, err := w.write(p[:w.remaining])
		w.remaining -= int64(n)
		if err != nil {
			return n, err
		}
		return n, ErrWriteTooLong
	}
	n, err := w.write(p)
	w.remaining -= int64(n)
	return n, err
}

// Close writes the trailer. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.finishEntry(); err != nil {
		return err
	}
	w.closed = true
	return w.writeHeader(&Header{Name: Trailer, Nlink: 1})
}

func (w *Writer) finishEntry() error {
	if w.remaining > 0 {
		return errors.Wrapf(ErrShortWrite, "%d bytes missing", w.remaining)
	}
	if w.padding > 0 {
		if _, err := w.write(make([]byte, w.padding)); err != nil {
			return err
		}
		w.padding = 0
	}
	return nil
}

func (w *Writer) writeHeader(h *Header) error {
	nameSize := int64(len(h.Name) + 1)
	hdr := fmt.Sprintf(
		"%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		MagicNewc,
		h.Inode, h.Mode, h.UID, h.GID, h.Nlink, uint32(h.Mtime), uint32(h.Size),
		h.DevMajor, h.DevMinor, h.RdevMajor, h.RdevMinor, nameSize, 0,
	)
	buf := make([]byte, 0, int64(len(hdr))+nameSize+3)
	buf = append(buf, hdr...)
	buf = append(buf, h.Name...)
	buf = append(buf, 0)
	buf = append(buf, make([]byte, pad(headerLen+nameSize))...)
	_, err := w.write(buf)
	return err
}

func (w *Writer) write(p []byte) (int, error) {
	return w.w.Write(p)
}
