package sysv

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FileType is the ftype column of a pkgmap entry.
type FileType byte

const (
	TypeFile      FileType = 'f'
	TypeEditable  FileType = 'e'
	TypeVolatile  FileType = 'v'
	TypeDir       FileType = 'd'
	TypeExclusive FileType = 'x'
	TypeHardlink  FileType = 'l'
	TypeSymlink   FileType = 's'
	TypeFifo      FileType = 'p'
	TypeChar      FileType = 'c'
	TypeBlock     FileType = 'b'
	TypeInstall   FileType = 'i'
)

// DefaultClass is the installation class of plain files.
const DefaultClass = "none"

// BlockSize is the unit pkgmap sizes and datastream offsets are counted in.
const BlockSize = 512

func (t FileType) valid() bool {
	switch t {
	case TypeFile, TypeEditable, TypeVolatile, TypeDir, TypeExclusive, TypeHardlink,
		TypeSymlink, TypeFifo, TypeChar, TypeBlock, TypeInstall:
		return true
	}
	return false
}

// HasContent reports whether entries of this type carry a payload file.
func (t FileType) HasContent() bool {
	return t == TypeFile || t == TypeEditable || t == TypeVolatile || t == TypeInstall
}

// Entry is one line of a pkgmap. Which fields are meaningful depends on Type:
//
//	f e v    part ftype class path mode owner group size cksum modtime
//	d x p    part ftype class path mode owner group
//	c b      part ftype class path major minor mode owner group
//	l s      part ftype class path=target
//	i        part ftype path size cksum modtime
//
// When AttrsUnset is true, mode, owner and group are written as "?", meaning the
// attributes of an existing object are left alone.
type Entry struct {
	Part       int
	Type       FileType
	Class      string
	Path       string
	Target     string
	Major      uint32
	Minor      uint32
	Mode       uint32
	Owner      string
	Group      string
	AttrsUnset bool
	Size       int64
	Cksum      uint32
	Mtime      int64
}

// Pkgmap is the contents file of a package.
type Pkgmap struct {
	Parts int
	// MaxSize is the size of the largest part, in 512 byte blocks.
	MaxSize int64
	Entries []Entry
}

// Blocks returns the number of 512 byte blocks needed to hold size bytes.
func Blocks(size int64) int64 { return (size + BlockSize - 1) / BlockSize }

// Sort orders entries the way pkgmk does: install files first, then everything else by
// path, so every directory precedes its contents.
func (m *Pkgmap) Sort() {
	sort.SliceStable(m.Entries, func(i, j int) bool {
		a, b := m.Entries[i], m.Entries[j]
		if (a.Type == TypeInstall) != (b.Type == TypeInstall) {
			return a.Type == TypeInstall
		}
		return a.Path < b.Path
	})
}

// Lookup returns the entry for path, if any.
func (m *Pkgmap) Lookup(path string) (*Entry, bool) {
	for i := range m.Entries {
		if m.Entries[i].Path == path {
			return &m.Entries[i], true
		}
	}
	return nil, false
}

// Validate checks that every entry can be represented in the line format.
func (m *Pkgmap) Validate() error {
	type key struct {
		install bool
		path    string
	}
	seen := make(map[key]bool, len(m.Entries))
	for _, e := range m.Entries {
		if !e.Type.valid() {
			return errors.Wrapf(ErrInvalidPkgmap, "%s: unknown type %q", e.Path, e.Type)
		}
		if e.Path == "" || strings.ContainsAny(e.Path, " \t\n\r") {
			return errors.Wrapf(ErrInvalidPkgmap, "path %q is empty or contains whitespace", e.Path)
		}
		if strings.ContainsAny(e.Target, " \t\n\r") {
			return errors.Wrapf(ErrInvalidPkgmap, "%s: link target %q contains whitespace", e.Path, e.Target)
		}
		k := key{e.Type == TypeInstall, e.Path}
		if seen[k] {
			return errors.Wrapf(ErrInvalidPkgmap, "duplicate entry %s", e.Path)
		}
		seen[k] = true
	}
	return nil
}

// WriteTo writes the pkgmap in its line format.
func (m *Pkgmap) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	n, err := fmt.Fprintf(bw, ": %d %d\n", m.Parts, m.MaxSize)
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, e := range m.Entries {
		n, err := fmt.Fprintln(bw, e.String())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

func (e Entry) attrs() string {
	if e.AttrsUnset {
		return "? ? ?"
	}
	return fmt.Sprintf("%04o %s %s", e.Mode, e.Owner, e.Group)
}

// String formats the entry as a pkgmap line.
func (e Entry) String() string {
	part := e.Part
	if part == 0 {
		part = 1
	}
	class := e.Class
	if class == "" {
		class = DefaultClass
	}
	switch e.Type {
	case TypeInstall:
		return fmt.Sprintf("%d i %s %d %d %d", part, e.Path, e.Size, e.Cksum, e.Mtime)
	case TypeFile, TypeEditable, TypeVolatile:
		return fmt.Sprintf("%d %c %s %s %s %d %d %d", part, e.Type, class, e.Path, e.attrs(), e.Size, e.Cksum, e.Mtime)
	case TypeChar, TypeBlock:
		return fmt.Sprintf("%d %c %s %s %d %d %s", part, e.Type, class, e.Path, e.Major, e.Minor, e.attrs())
	case TypeHardlink, TypeSymlink:
		return fmt.Sprintf("%d %c %s %s=%s", part, e.Type, class, e.Path, e.Target)
	}
	return fmt.Sprintf("%d %c %s %s %s", part, e.Type, class, e.Path, e.attrs())
}

// ParsePkgmap reads a pkgmap file.
func ParsePkgmap(r io.Reader) (*Pkgmap, error) {
	m := &Pkgmap{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if fields[0] == ":" {
			if len(fields) < 3 {
				return nil, errors.Wrapf(ErrInvalidPkgmap, "line %d: bad header", line)
			}
			parts, err1 := strconv.Atoi(fields[1])
			maxSize, err2 := strconv.ParseInt(fields[2], 10, 64)
			if err1 != nil || err2 != nil {
				return nil, errors.Wrapf(ErrInvalidPkgmap, "line %d: bad header", line)
			}
			m.Parts, m.MaxSize = parts, maxSize
			continue
		}
		e, err := parseEntry(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		m.Entries = append(m.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read pkgmap")
	}
	return m, nil
}

func parseEntry(fields []string) (Entry, error) {
	bad := func(why string) (Entry, error) {
		return Entry{}, errors.Wrapf(ErrInvalidPkgmap, "%s: %q", why, strings.Join(fields, " "))
	}
	if len(fields) < 3 || len(fields[1]) != 1 {
		return bad("short entry")
	}
	part, err := strconv.Atoi(fields[0])
	if err != nil {
		return bad("bad part")
	}
	e := Entry{Part: part, Type: FileType(fields[1][0])}
	if !e.Type.valid() {
		return bad("unknown type")
	}
	rest := fields[2:]
	if e.Type == TypeInstall {
		if len(rest) < 4 {
			return bad("short install entry")
		}
		e.Path = rest[0]
		if err := parseNumbers(rest[1:4], &e.Size, &e.Cksum, &e.Mtime); err != nil {
			return bad(err.Error())
		}
		return e, nil
	}
	e.Class, rest = rest[0], rest[1:]
	if len(rest) == 0 {
		return bad("missing path")
	}
	e.Path, rest = rest[0], rest[1:]
	switch e.Type {
	case TypeHardlink, TypeSymlink:
		eq := strings.IndexByte(e.Path, '=')
		if eq <= 0 {
			return bad("link without target")
		}
		e.Path, e.Target = e.Path[:eq], e.Path[eq+1:]
		return e, nil
	case TypeChar, TypeBlock:
		if len(rest) < 2 {
			return bad("device without numbers")
		}
		major, err1 := strconv.ParseUint(rest[0], 10, 32)
		minor, err2 := strconv.ParseUint(rest[1], 10, 32)
		if err1 != nil || err2 != nil {
			return bad("bad device numbers")
		}
		e.Major, e.Minor = uint32(major), uint32(minor)
		rest = rest[2:]
	}
	if len(rest) < 3 {
		return bad("missing attributes")
	}
	if rest[0] == "?" {
		e.AttrsUnset = true
	} else {
		mode, err := strconv.ParseUint(rest[0], 8, 32)
		if err != nil {
			return bad("bad mode")
		}
		e.Mode, e.Owner, e.Group = uint32(mode), rest[1], rest[2]
	}
	rest = rest[3:]
	if e.Type.HasContent() {
		if len(rest) < 3 {
			return bad("missing size, checksum or modtime")
		}
		if err := parseNumbers(rest[:3], &e.Size, &e.Cksum, &e.Mtime); err != nil {
			return bad(err.Error())
		}
	}
	return e, nil
}

func parseNumbers(fields []string, size *int64, cksum *uint32, mtime *int64) error {
	s, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return errors.New("bad size")
	}
	c, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return errors.New("bad checksum")
	}
	t, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return errors.New("bad modtime")
	}
	*size, *cksum, *mtime = s, uint32(c), t
	return nil
}
