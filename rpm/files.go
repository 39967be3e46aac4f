package rpm

import (
	"path"
	"time"

	"github.com/pkg/errors"
)

// File type bits of FileInfo.Mode, as in stat(2).
const (
	modeTypeMask = 0170000
	modeSocket   = 0140000
	modeSymlink  = 0120000
	modeRegular  = 0100000
	modeBlock    = 0060000
	modeDir      = 0040000
	modeChar     = 0020000
	modeFifo     = 0010000
)

// FileInfo describes one file of a package as recorded in the header.
type FileInfo struct {
	Path   string
	Mode   uint32
	Size   int64
	Mtime  time.Time
	Owner  string
	Group  string
	LinkTo string
	Flags  FileFlags
	Rdev   uint32
	Inode  uint32
	Digest string
}

func (f *FileInfo) IsDir() bool     { return f.Mode&modeTypeMask == modeDir }
func (f *FileInfo) IsRegular() bool { return f.Mode&modeTypeMask == modeRegular }
func (f *FileInfo) IsSymlink() bool { return f.Mode&modeTypeMask == modeSymlink }
func (f *FileInfo) IsChar() bool    { return f.Mode&modeTypeMask == modeChar }
func (f *FileInfo) IsBlock() bool   { return f.Mode&modeTypeMask == modeBlock }
func (f *FileInfo) IsFifo() bool    { return f.Mode&modeTypeMask == modeFifo }
func (f *FileInfo) IsSocket() bool  { return f.Mode&modeTypeMask == modeSocket }
func (f *FileInfo) IsConfig() bool  { return f.Flags&FileConfig != 0 }
func (f *FileInfo) IsGhost() bool   { return f.Flags&FileGhost != 0 }
func (f *FileInfo) IsDoc() bool     { return f.Flags&FileDoc != 0 }

// Perm returns the permission bits of the file, including setuid, setgid and sticky.
func (f *FileInfo) Perm() uint32 { return f.Mode & 07777 }

// Major and Minor decode Rdev the way Linux encodes dev_t.
func (f *FileInfo) Major() uint32 { return (f.Rdev >> 8) & 0xfff }
func (f *FileInfo) Minor() uint32 { return (f.Rdev & 0xff) | ((f.Rdev >> 12) & 0xfff00) }

// Files returns the file list of the package. Every per-file array in the header must
// have one value per file; missing optional arrays fall back to defaults.
func (p *Package) Files() ([]FileInfo, error) {
	h := p.Header
	paths, err := p.filePaths()
	if err != nil {
		return nil, err
	}
	n := len(paths)
	files := make([]FileInfo, n)
	for i := range files {
		files[i].Path = paths[i]
		files[i].Owner = "root"
		files[i].Group = "root"
	}

	check := func(tag Tag, length int, required bool) error {
		if length == 0 && !required {
			return nil
		}
		if length != n {
			return errors.Wrapf(ErrCorrupt, "tag %d has %d values for %d files", tag, length, n)
		}
		return nil
	}

	modes, err := h.Uint16s(TagFileModes)
	if err != nil {
		return nil, err
	}
	if err := check(TagFileModes, len(modes), n > 0); err != nil {
		return nil, err
	}
	for i, m := range modes {
		files[i].Mode = uint32(m)
	}

	sizes, err := h.Int64s(TagLongFileSizes)
	if err != nil {
		return nil, err
	}
	if sizes == nil {
		if sizes, err = h.Int64s(TagFileSizes); err != nil {
			return nil, err
		}
	}
	if err := check(TagFileSizes, len(sizes), false); err != nil {
		return nil, err
	}
	for i, s := range sizes {
		files[i].Size = s
	}

	mtimes, err := h.Int32s(TagFileMtimes)
	if err != nil {
		return nil, err
	}
	if err := check(TagFileMtimes, len(mtimes), false); err != nil {
		return nil, err
	}
	for i, t := range mtimes {
		files[i].Mtime = time.Unix(int64(uint32(t)), 0).UTC()
	}

	for _, strs := range []struct {
		tag Tag
		set func(*FileInfo, string)
	}{
		{TagFileUserName, func(f *FileInfo, s string) { f.Owner = s }},
		{TagFileGroupName, func(f *FileInfo, s string) { f.Group = s }},
		{TagFileLinkTos, func(f *FileInfo, s string) { f.LinkTo = s }},
		{TagFileDigests, func(f *FileInfo, s string) { f.Digest = s }},
	} {
		values, err := h.StringArray(strs.tag)
		if err != nil {
			return nil, err
		}
		if err := check(strs.tag, len(values), false); err != nil {
			return nil, err
		}
		for i, v := range values {
			strs.set(&files[i], v)
		}
	}

	for _, ints := range []struct {
		tag Tag
		set func(*FileInfo, int32)
	}{
		{TagFileFlags, func(f *FileInfo, v int32) { f.Flags = FileFlags(v) }},
		{TagFileRdevs, func(f *FileInfo, v int32) { f.Rdev = uint32(v) }},
		{TagFileInodes, func(f *FileInfo, v int32) { f.Inode = uint32(v) }},
	} {
		values, err := h.Int32s(ints.tag)
		if err != nil {
			return nil, err
		}
		if err := check(ints.tag, len(values), false); err != nil {
			return nil, err
		}
		for i, v := range values {
			ints.set(&files[i], v)
		}
	}
	return files, nil
}

func (p *Package) filePaths() ([]string, error) {
	h := p.Header
	if h.Has(TagBaseNames) {
		baseNames, err := h.StringArray(TagBaseNames)
		if err != nil {
			return nil, err
		}
		dirNames, err := h.StringArray(TagDirNames)
		if err != nil {
			return nil, err
		}
		dirIndexes, err := h.Int32s(TagDirIndexes)
		if err != nil {
			return nil, err
		}
		if len(dirIndexes) != len(baseNames) {
			return nil, errors.Wrapf(ErrCorrupt, "%d dir indexes for %d base names", len(dirIndexes), len(baseNames))
		}
		paths := make([]string, len(baseNames))
		for i, base := range baseNames {
			idx := dirIndexes[i]
			if idx < 0 || int(idx) >= len(dirNames) {
				return nil, errors.Wrapf(ErrCorrupt, "dir index %d out of range", idx)
			}
			paths[i] = CleanPath(dirNames[idx] + base)
		}
		return paths, nil
	}
	old, err := h.StringArray(TagOldFilenames)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(old))
	for i, name := range old {
		paths[i] = CleanPath(name)
	}
	return paths, nil
}

// CleanPath returns an absolute, cleaned path. Payload entries are usually named
// "./usr/bin/foo" while header paths are "/usr/bin/foo"; both map to the latter.
func CleanPath(name string) string {
	return path.Clean("/" + name)
}

// ScriptPhase names the point of the package lifecycle a scriptlet runs at.
type ScriptPhase string

const (
	PreInstall  ScriptPhase = "prein"
	PostInstall ScriptPhase = "postin"
	PreRemove   ScriptPhase = "preun"
	PostRemove  ScriptPhase = "postun"
)

// Script is one scriptlet of a package.
type Script struct {
	Phase       ScriptPhase
	Interpreter string
	Body        string
}

// Scripts returns the install and removal scriptlets present in the package, in
// lifecycle order. A scriptlet without a recorded interpreter runs under /bin/sh.
func (p *Package) Scripts() []Script {
	var scripts []Script
	for _, s := range []struct {
		phase     ScriptPhase
		body, bin Tag
	}{
		{PreInstall, TagPreIn, TagPreInProg},
		{PostInstall, TagPostIn, TagPostInProg},
		{PreRemove, TagPreUn, TagPreUnProg},
		{PostRemove, TagPostUn, TagPostUnProg},
	} {
		body, hasBody := p.Header.String(s.body)
		interpreter, hasInterpreter := p.Header.String(s.bin)
		if !hasBody && !hasInterpreter {
			continue
		}
		if interpreter == "" {
			interpreter = "/bin/sh"
		}
		scripts = append(scripts, Script{Phase: s.phase, Interpreter: interpreter, Body: body})
	}
	return scripts
}
