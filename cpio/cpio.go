// Package cpio reads and writes SVR4 portable cpio archives, the payload format of RPM
// packages and the container format of SVR4 package datastreams.
//
// Both the "new ASCII" (070701) and the "CRC" (070702) variants can be read. The Writer
// always produces 070701 archives, which is what pkgadd and cpio -c expect.
package cpio

import (
	"os"

	"github.com/pkg/errors"
)

const (
	MagicNewc = "070701"
	MagicCRC  = "070702"
	// Trailer is the name of the empty entry that terminates every archive.
	Trailer = "TRAILER!!!"

	headerLen = 110
)

// File type bits of Header.Mode, as in stat(2).
const (
	TypeMask    = 0170000
	TypeSocket  = 0140000
	TypeSymlink = 0120000
	TypeRegular = 0100000
	TypeBlock   = 0060000
	TypeDir     = 0040000
	TypeChar    = 0020000
	TypeFifo    = 0010000
)

var (
	ErrBadHeader    = errors.New("cpio: invalid header")
	ErrChecksum     = errors.New("cpio: checksum mismatch")
	ErrWriteTooLong = errors.New("cpio: write too long")
	ErrShortWrite   = errors.New("cpio: entry data shorter than header size")
	ErrClosed       = errors.New("cpio: archive already closed")
	ErrTooLarge     = errors.New("cpio: entry too large for the 070701 format")
)

// Header is a single cpio entry header. Mode holds the full st_mode, file type bits
// included.
type Header struct {
	Name      string
	Inode     uint32
	Mode      uint32
	UID       uint32
	GID       uint32
	Nlink     uint32
	Mtime     int64
	Size      int64
	DevMajor  uint32
	DevMinor  uint32
	RdevMajor uint32
	RdevMinor uint32
	Check     uint32
}

func (h *Header) Type() uint32    { return h.Mode & TypeMask }
func (h *Header) IsDir() bool     { return h.Type() == TypeDir }
func (h *Header) IsRegular() bool { return h.Type() == TypeRegular }
func (h *Header) IsSymlink() bool { return h.Type() == TypeSymlink }

// FileMode converts Mode into an os.FileMode.
func (h *Header) FileMode() os.FileMode {
	mode := os.FileMode(h.Mode & 0777)
	if h.Mode&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if h.Mode&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if h.Mode&01000 != 0 {
		mode |= os.ModeSticky
	}
	switch h.Type() {
	case TypeDir:
		mode |= os.ModeDir
	case TypeSymlink:
		mode |= os.ModeSymlink
	case TypeChar:
		mode |= os.ModeDevice | os.ModeCharDevice
	case TypeBlock:
		mode |= os.ModeDevice
	case TypeFifo:
		mode |= os.ModeNamedPipe
	case TypeSocket:
		mode |= os.ModeSocket
	}
	return mode
}

// pad returns the number of bytes needed to align n to a 4 byte boundary.
func pad(n int64) int64 { return (4 - n%4) % 4 }
