// Package rpmtest synthesizes small RPM packages for tests, so no binary fixtures need to
// be checked in.
package rpmtest

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/cendio/rpm2sysvpkg/cpio"
	"github.com/cendio/rpm2sysvpkg/rpm"
)

type (
	// File is one file of a synthesized package. Mode must include the file type bits.
	// Files sharing a non-zero Inode form a hardlink group; such inodes should be larger
	// than the number of files, which are numbered from 1 otherwise.
	File struct {
		Path   string
		Mode   uint32
		Body   string
		LinkTo string
		Owner  string
		Group  string
		Flags  rpm.FileFlags
		Mtime  int64
		Inode  uint32
		Rdev   uint16
	}
	// Script is a scriptlet of a synthesized package.
	Script struct {
		Interpreter string
		Body        string
	}
	// Package describes the package to synthesize. Empty Compressor means gzip.
	Package struct {
		Name        string
		Version     string
		Release     string
		Epoch       int32
		HasEpoch    bool
		Summary     string
		Description string
		License     string
		Vendor      string
		Packager    string
		URL         string
		Group       string
		Arch        string
		OS          string
		BuildHost   string
		BuildTime   int64
		Files       []File
		Scripts     map[rpm.ScriptPhase]Script
		Requires    []string
		Provides    []string
		Compressor  string
		// OmitCompressorTag leaves PAYLOADCOMPRESSOR out, as very old packages do.
		OmitCompressorTag bool
		// OldFilenames stores paths in OLDFILENAMES instead of the split form.
		OldFilenames bool
		Source       bool
	}
)

const (
	RegularMode = 0100000
	DirMode     = 0040000
	SymlinkMode = 0120000
	CharMode    = 0020000
	FifoMode    = 0010000
)

// Write builds p into dir and returns the path of the package file.
func Write(t testing.TB, dir string, p Package) string {
	t.Helper()
	data, err := Build(p)
	if err != nil {
		t.Fatalf("build rpm: %v", err)
	}
	name := filepath.Join(dir, p.Name+"-"+p.Version+"-"+p.Release+"."+p.Arch+".rpm")
	if err := os.WriteFile(name, data, 0644); err != nil {
		t.Fatalf("write rpm: %v", err)
	}
	return name
}

// Build returns the bytes of a complete package.
func Build(p Package) ([]byte, error) {
	if p.Compressor == "" {
		p.Compressor = rpm.CompressorGzip
	}
	payload, err := buildPayload(p)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(lead(p))
	sig := &header{}
	sig.int32s(rpm.SigTagSize, []int32{0})
	sigBytes := sig.bytes()
	out.Write(sigBytes)
	out.Write(make([]byte, (8-len(sigBytes)%8)%8))
	out.Write(mainHeader(p).bytes())
	out.Write(payload)
	return out.Bytes(), nil
}

func lead(p Package) []byte {
	raw := make([]byte, 96)
	copy(raw, []byte{0xed, 0xab, 0xee, 0xdb, 3, 0})
	if p.Source {
		binary.BigEndian.PutUint16(raw[6:], 1)
	}
	binary.BigEndian.PutUint16(raw[8:], 1)
	copy(raw[10:75], p.Name+"-"+p.Version+"-"+p.Release)
	binary.BigEndian.PutUint16(raw[76:], 1)
	binary.BigEndian.PutUint16(raw[78:], 5)
	return raw
}

func mainHeader(p Package) *header {
	h := &header{}
	h.str(rpm.TagName, p.Name)
	h.str(rpm.TagVersion, p.Version)
	h.str(rpm.TagRelease, p.Release)
	if p.HasEpoch {
		h.int32s(rpm.TagEpoch, []int32{p.Epoch})
	}
	h.i18n(rpm.TagSummary, p.Summary)
	h.i18n(rpm.TagDescription, p.Description)
	h.int32s(rpm.TagBuildTime, []int32{int32(p.BuildTime)})
	h.str(rpm.TagBuildHost, p.BuildHost)
	var size int32
	for _, f := range p.Files {
		size += int32(len(f.Body))
	}
	h.int32s(rpm.TagSize, []int32{size})
	for tag, v := range map[rpm.Tag]string{
		rpm.TagVendor:   p.Vendor,
		rpm.TagLicense:  p.License,
		rpm.TagPackager: p.Packager,
		rpm.TagURL:      p.URL,
		rpm.TagOS:       p.OS,
		rpm.TagArch:     p.Arch,
	} {
		if v != "" {
			h.str(tag, v)
		}
	}
	if p.Group != "" {
		h.i18n(rpm.TagGroup, p.Group)
	}
	for phase, tags := range map[rpm.ScriptPhase][2]rpm.Tag{
		rpm.PreInstall:  {rpm.TagPreIn, rpm.TagPreInProg},
		rpm.PostInstall: {rpm.TagPostIn, rpm.TagPostInProg},
		rpm.PreRemove:   {rpm.TagPreUn, rpm.TagPreUnProg},
		rpm.PostRemove:  {rpm.TagPostUn, rpm.TagPostUnProg},
	} {
		if s, ok := p.Scripts[phase]; ok {
			h.str(tags[0], s.Body)
			if s.Interpreter != "" {
				h.str(tags[1], s.Interpreter)
			}
		}
	}
	if len(p.Requires) > 0 {
		h.strs(rpm.TagRequireName, p.Requires)
		h.strs(rpm.TagRequireVersion, make([]string, len(p.Requires)))
		h.int32s(rpm.TagRequireFlags, make([]int32, len(p.Requires)))
	}
	if len(p.Provides) > 0 {
		h.strs(rpm.TagProvideName, p.Provides)
		h.strs(rpm.TagProvideVersion, make([]string, len(p.Provides)))
		h.int32s(rpm.TagProvideFlags, make([]int32, len(p.Provides)))
	}

	if n := len(p.Files); n > 0 {
		var (
			modes, rdevs            = make([]uint16, n), make([]uint16, n)
			sizes, mtimes           = make([]int32, n), make([]int32, n)
			flags, inodes           = make([]int32, n), make([]int32, n)
			owners, groups, linktos = make([]string, n), make([]string, n), make([]string, n)
			digests                 = make([]string, n)
		)
		for i, f := range p.Files {
			modes[i] = uint16(f.Mode)
			rdevs[i] = f.Rdev
			sizes[i] = int32(len(f.Body))
			mtimes[i] = int32(f.Mtime)
			flags[i] = int32(f.Flags)
			inodes[i] = int32(f.Inode)
			if inodes[i] == 0 {
				inodes[i] = int32(i + 1)
			}
			owners[i], groups[i] = orDefault(f.Owner, "root"), orDefault(f.Group, "root")
			linktos[i] = f.LinkTo
		}
		if p.OldFilenames {
			paths := make([]string, n)
			for i, f := range p.Files {
				paths[i] = f.Path
			}
			h.strs(rpm.TagOldFilenames, paths)
		} else {
			var dirNames []string
			dirIndex := map[string]int32{}
			baseNames := make([]string, n)
			dirIndexes := make([]int32, n)
			for i, f := range p.Files {
				dir, base := path.Split(f.Path)
				idx, ok := dirIndex[dir]
				if !ok {
					idx = int32(len(dirNames))
					dirIndex[dir] = idx
					dirNames = append(dirNames, dir)
				}
				baseNames[i], dirIndexes[i] = base, idx
			}
			h.int32s(rpm.TagDirIndexes, dirIndexes)
			h.strs(rpm.TagBaseNames, baseNames)
			h.strs(rpm.TagDirNames, dirNames)
		}
		h.int32s(rpm.TagFileSizes, sizes)
		h.int16s(rpm.TagFileModes, modes)
		h.int16s(rpm.TagFileRdevs, rdevs)
		h.int32s(rpm.TagFileMtimes, mtimes)
		h.strs(rpm.TagFileDigests, digests)
		h.strs(rpm.TagFileLinkTos, linktos)
		h.int32s(rpm.TagFileFlags, flags)
		h.strs(rpm.TagFileUserName, owners)
		h.strs(rpm.TagFileGroupName, groups)
		h.int32s(rpm.TagFileInodes, inodes)
	}
	h.str(rpm.TagPayloadFormat, "cpio")
	if !p.OmitCompressorTag {
		h.str(rpm.TagPayloadCompressor, p.Compressor)
	}
	return h
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func buildPayload(p Package) ([]byte, error) {
	var archive bytes.Buffer
	w := cpio.NewWriter(&archive)

	// In newc archives only the last member of a hardlink group carries the data.
	last := map[uint32]int{}
	links := map[uint32]uint32{}
	for i, f := range p.Files {
		if f.Inode != 0 {
			last[f.Inode] = i
			links[f.Inode]++
		}
	}
	for i, f := range p.Files {
		if f.Flags&rpm.FileGhost != 0 {
			continue
		}
		inode := f.Inode
		if inode == 0 {
			inode = uint32(i + 1)
		}
		nlink := links[f.Inode]
		if nlink == 0 {
			nlink = 1
		}
		body := f.Body
		if f.Mode&0170000 == SymlinkMode {
			body = f.LinkTo
		}
		if f.Inode != 0 && last[f.Inode] != i {
			body = ""
		}
		hdr := &cpio.Header{
			Name:      "." + f.Path,
			Inode:     inode,
			Mode:      f.Mode,
			Nlink:     nlink,
			Mtime:     f.Mtime,
			Size:      int64(len(body)),
			RdevMajor: uint32(f.Rdev>>8) & 0xff,
			RdevMinor: uint32(f.Rdev) & 0xff,
		}
		if err := w.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, body); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	var zw io.WriteCloser
	switch p.Compressor {
	case rpm.CompressorNone:
		return archive.Bytes(), nil
	case rpm.CompressorGzip:
		zw = gzip.NewWriter(&out)
	case rpm.CompressorXZ:
		xw, err := xz.NewWriter(&out)
		if err != nil {
			return nil, err
		}
		zw = xw
	case rpm.CompressorZstd:
		enc, err := zstd.NewWriter(&out)
		if err != nil {
			return nil, err
		}
		zw = enc
	default:
		return nil, errors.Errorf("rpmtest: cannot compress with %q", p.Compressor)
	}
	if _, err := zw.Write(archive.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

type headerEntry struct {
	tag   rpm.Tag
	typ   rpm.Type
	count int
	data  []byte
}

// header accumulates entries and serializes them with rpm's alignment rules.
type header struct {
	entries []headerEntry
}

func (h *header) add(tag rpm.Tag, typ rpm.Type, count int, data []byte) {
	h.entries = append(h.entries, headerEntry{tag, typ, count, data})
}

func (h *header) str(tag rpm.Tag, s string) {
	h.add(tag, rpm.TypeString, 1, append([]byte(s), 0))
}

func (h *header) i18n(tag rpm.Tag, s string) {
	h.add(tag, rpm.TypeI18nString, 1, append([]byte(s), 0))
}

func (h *header) strs(tag rpm.Tag, ss []string) {
	var buf []byte
	for _, s := range ss {
		buf = append(append(buf, s...), 0)
	}
	h.add(tag, rpm.TypeStringArray, len(ss), buf)
}

func (h *header) int32s(tag rpm.Tag, vals []int32) {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(v))
	}
	h.add(tag, rpm.TypeInt32, len(vals), buf)
}

func (h *header) int16s(tag rpm.Tag, vals []uint16) {
	buf := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint16(buf[i*2:], v)
	}
	h.add(tag, rpm.TypeInt16, len(vals), buf)
}

func (h *header) bytes() []byte {
	sort.SliceStable(h.entries, func(i, j int) bool { return h.entries[i].tag < h.entries[j].tag })
	var store []byte
	index := make([]byte, 0, 16*len(h.entries))
	for _, e := range h.entries {
		align := 1
		switch e.typ {
		case rpm.TypeInt16:
			align = 2
		case rpm.TypeInt32:
			align = 4
		case rpm.TypeInt64:
			align = 8
		}
		for len(store)%align != 0 {
			store = append(store, 0)
		}
		var raw [16]byte
		binary.BigEndian.PutUint32(raw[0:], uint32(e.tag))
		binary.BigEndian.PutUint32(raw[4:], uint32(e.typ))
		binary.BigEndian.PutUint32(raw[8:], uint32(len(store)))
		binary.BigEndian.PutUint32(raw[12:], uint32(e.count))
		index = append(index, raw[:]...)
		store = append(store, e.data...)
	}
	out := []byte{0x8e, 0xad, 0xe8, 0x01, 0, 0, 0, 0}
	out = binary.BigEndian.AppendUint32(out, uint32(len(h.entries)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(store)))
	out = append(out, index...)
	return append(out, store...)
}
