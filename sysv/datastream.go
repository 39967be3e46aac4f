package sysv

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cendio/rpm2sysvpkg/cpio"
)

const (
	DatastreamMagic   = "# PaCkAgE DaTaStReAm"
	datastreamEnd     = "# end of header"
	maxHeaderBlocks   = 64
	maxInfoSize       = 64 << 20
	datastreamDirMode = 0755
)

// DatastreamPackage is one line of a datastream header.
type DatastreamPackage struct {
	Name  string
	Parts int
	// MaxSize is the largest part size in 512 byte blocks, as in the pkgmap header.
	MaxSize int64
}

// countingReader tracks the offset into the stream, which block alignment needs.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) align() error {
	if rest := (BlockSize - c.n%BlockSize) % BlockSize; rest > 0 {
		if _, err := io.CopyN(io.Discard, c, rest); err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) align() error {
	if rest := (BlockSize - c.n%BlockSize) % BlockSize; rest > 0 {
		_, err := c.Write(make([]byte, rest))
		return err
	}
	return nil
}

// IsDatastream reports whether the file at name starts with the datastream magic.
func IsDatastream(name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, len(DatastreamMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return string(head) == DatastreamMagic
}

// WriteDatastream writes the packages pkgs of the spool directory to w: the header, one
// archive with pkginfo and pkgmap of every package, then the part archives of each
// package in order. With infoOnly, the part archives are written empty.
func WriteDatastream(w io.Writer, spool string, pkgs []string, infoOnly bool) error {
	headers := make([]DatastreamPackage, 0, len(pkgs))
	maps := make([]*Pkgmap, 0, len(pkgs))
	for _, pkg := range pkgs {
		_, m, err := ReadPackageInfo(filepath.Join(spool, pkg))
		if err != nil {
			return errors.Wrapf(err, "package %s", pkg)
		}
		parts := m.Parts
		if parts < 1 {
			parts = 1
		}
		headers = append(headers, DatastreamPackage{Name: pkg, Parts: parts, MaxSize: m.MaxSize})
		maps = append(maps, m)
	}

	cw := &countingWriter{w: w}
	var hdr bytes.Buffer
	fmt.Fprintln(&hdr, DatastreamMagic)
	for _, h := range headers {
		fmt.Fprintf(&hdr, "%s %d %d\n", h.Name, h.Parts, h.MaxSize)
	}
	fmt.Fprintln(&hdr, datastreamEnd)
	if _, err := cw.Write(hdr.Bytes()); err != nil {
		return err
	}
	if err := cw.align(); err != nil {
		return err
	}

	// pkginfo and pkgmap of every package lead the stream in one archive.
	info := cpio.NewWriter(cw)
	for _, h := range headers {
		for _, name := range []string{PkginfoFile, PkgmapFile} {
			if err := addFile(info, filepath.Join(spool, h.Name, name), path.Join(h.Name, name)); err != nil {
				return err
			}
		}
	}
	if err := closeArchive(info, cw); err != nil {
		return err
	}

	for i, h := range headers {
		dir := filepath.Join(spool, h.Name)
		partOf := partIndex(maps[i])
		for part := 1; part <= h.Parts; part++ {
			archive := cpio.NewWriter(cw)
			if !infoOnly {
				if err := addPart(archive, dir, part, partOf); err != nil {
					return errors.Wrapf(err, "package %s part %d", h.Name, part)
				}
			}
			if err := closeArchive(archive, cw); err != nil {
				return err
			}
		}
	}
	return nil
}

func closeArchive(archive *cpio.Writer, cw *countingWriter) error {
	if err := archive.Close(); err != nil {
		return err
	}
	return cw.align()
}

// partIndex maps paths relative to the package directory to the part they belong to.
func partIndex(m *Pkgmap) map[string]int {
	parts := make(map[string]int, len(m.Entries))
	for _, e := range m.Entries {
		part := e.Part
		if part < 1 {
			part = 1
		}
		switch {
		case e.Type == TypeInstall:
			parts[path.Join(InstallDir, e.Path)] = part
		case strings.HasPrefix(e.Path, "/"):
			parts[path.Join(RootDir, e.Path)] = part
		default:
			parts[path.Join(RelocDir, e.Path)] = part
		}
	}
	return parts
}

// addPart adds every object of the package directory that belongs to part. Directories
// and objects not listed in the pkgmap go into the first part.
func addPart(archive *cpio.Writer, dir string, part int, partOf map[string]int) error {
	return filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, name)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == PkginfoFile || rel == PkgmapFile {
			return nil
		}
		want := 1
		if p, ok := partOf[rel]; ok && !d.IsDir() {
			want = p
		}
		if want != part {
			return nil
		}
		return addFile(archive, name, rel)
	})
}

// addFile adds the file system object at name to the archive as archiveName.
func addFile(archive *cpio.Writer, name, archiveName string) error {
	info, err := os.Lstat(name)
	if err != nil {
		return err
	}
	hdr := &cpio.Header{
		Name:  archiveName,
		Mode:  modeToCpio(info.Mode()),
		Mtime: info.ModTime().Unix(),
	}
	switch {
	case info.Mode().IsRegular():
		hdr.Size = info.Size()
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := archive.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = io.Copy(archive, f)
		return errors.Wrap(err, archiveName)
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(name)
		if err != nil {
			return err
		}
		hdr.Size = int64(len(target))
		if err := archive.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = io.WriteString(archive, target)
		return err
	case info.IsDir():
		return archive.WriteHeader(hdr)
	}
	return errors.Errorf("%s: unsupported file type %s", name, info.Mode().Type())
}

func modeToCpio(mode os.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= 04000
	}
	if mode&os.ModeSetgid != 0 {
		m |= 02000
	}
	if mode&os.ModeSticky != 0 {
		m |= 01000
	}
	switch {
	case mode.IsDir():
		m |= cpio.TypeDir
	case mode&os.ModeSymlink != 0:
		m |= cpio.TypeSymlink
	default:
		m |= cpio.TypeRegular
	}
	return m
}

// DatastreamReader reads packages from a datastream one after the other.
type DatastreamReader struct {
	r        *countingReader
	packages []DatastreamPackage
	info     map[string]map[string]infoFile
	next     int
}

// infoFile is a pkginfo or pkgmap held from the leading archive until its package is read.
type infoFile struct {
	hdr  *cpio.Header
	data []byte
}

// NewDatastreamReader reads the datastream header and the package information archive
// from r.
func NewDatastreamReader(r io.Reader) (*DatastreamReader, error) {
	cr := &countingReader{r: r}
	var text []byte
	block := make([]byte, BlockSize)
	for i := 0; ; i++ {
		if i == maxHeaderBlocks {
			return nil, errors.Wrap(ErrNotDatastream, "header too long")
		}
		if _, err := io.ReadFull(cr, block); err != nil {
			if i == 0 || err == io.EOF {
				return nil, errors.Wrap(ErrNotDatastream, "short header")
			}
			return nil, errors.Wrap(err, "read datastream header")
		}
		if i == 0 && !bytes.HasPrefix(block, []byte(DatastreamMagic)) {
			return nil, ErrNotDatastream
		}
		text = append(text, bytes.TrimRight(block, "\x00")...)
		if bytes.Contains(text, []byte(datastreamEnd)) {
			break
		}
	}
	d := &DatastreamReader{r: cr}
	for _, line := range strings.Split(string(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			if line == datastreamEnd {
				break
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, errors.Wrapf(ErrNotDatastream, "bad header line %q", line)
		}
		parts, err1 := strconv.Atoi(fields[1])
		size, err2 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil || parts < 1 || !isPkgDirName(fields[0]) {
			return nil, errors.Wrapf(ErrNotDatastream, "bad header line %q", line)
		}
		d.packages = append(d.packages, DatastreamPackage{Name: fields[0], Parts: parts, MaxSize: size})
	}
	if len(d.packages) == 0 {
		return nil, errors.Wrap(ErrNotDatastream, "no packages listed")
	}
	if err := d.readInfo(); err != nil {
		return nil, err
	}
	return d, nil
}

// readInfo loads the archive holding <pkg>/pkginfo and <pkg>/pkgmap of every listed
// package.
func (d *DatastreamReader) readInfo() error {
	d.info = make(map[string]map[string]infoFile, len(d.packages))
	for _, p := range d.packages {
		d.info[p.Name] = make(map[string]infoFile, 2)
	}
	var total int64
	archive := cpio.NewReader(d.r)
	for {
		hdr, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read package information")
		}
		pkg, file, _ := strings.Cut(path.Clean(strings.TrimPrefix(hdr.Name, "./")), "/")
		files, listed := d.info[pkg]
		if !listed {
			return errors.Wrapf(ErrUnsafePath, "%q is outside the listed packages", hdr.Name)
		}
		if file == "" && hdr.IsDir() {
			continue
		}
		if (file != PkginfoFile && file != PkgmapFile) || !hdr.IsRegular() {
			return errors.Wrapf(ErrNotDatastream, "unexpected %q in package information", hdr.Name)
		}
		if total += hdr.Size; total > maxInfoSize {
			return errors.Wrap(ErrNotDatastream, "package information too large")
		}
		data, err := io.ReadAll(archive)
		if err != nil {
			return errors.Wrap(err, hdr.Name)
		}
		files[file] = infoFile{hdr: hdr, data: data}
	}
	for _, p := range d.packages {
		for _, file := range []string{PkginfoFile, PkgmapFile} {
			if _, ok := d.info[p.Name][file]; !ok {
				return errors.Wrapf(ErrNotDatastream, "no %s for %s", file, p.Name)
			}
		}
	}
	return d.r.align()
}

// isPkgDirName reports whether name can be used as a single directory below a spool.
func isPkgDirName(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, "/\\")
}

// Packages returns the packages listed in the header.
func (d *DatastreamReader) Packages() []DatastreamPackage { return d.packages }

// Next extracts the next package into dir, or skips it when dir is empty. With infoOnly
// only pkginfo and pkgmap are written. It returns io.EOF after the last package.
func (d *DatastreamReader) Next(dir string, infoOnly bool) (*DatastreamPackage, error) {
	if d.next >= len(d.packages) {
		return nil, io.EOF
	}
	pkg := d.packages[d.next]
	d.next++
	if dir != "" {
		for _, name := range []string{PkginfoFile, PkgmapFile} {
			f := d.info[pkg.Name][name]
			if err := extractEntry(dir, name, f.hdr, bytes.NewReader(f.data)); err != nil {
				return nil, errors.Wrapf(err, "package %s", pkg.Name)
			}
		}
	}
	delete(d.info, pkg.Name)
	for part := 1; part <= pkg.Parts; part++ {
		target := dir
		if infoOnly {
			target = ""
		}
		if err := d.extractArchive(target); err != nil {
			return nil, errors.Wrapf(err, "package %s part %d", pkg.Name, part)
		}
	}
	return &pkg, nil
}

// extractArchive reads one part archive. Its names are relative to the package
// directory.
func (d *DatastreamReader) extractArchive(dir string) error {
	archive := cpio.NewReader(d.r)
	for {
		hdr, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if dir == "" {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if name == PkginfoFile || name == PkgmapFile {
			return errors.Wrapf(ErrUnsafePath, "%q in a part archive", hdr.Name)
		}
		if err := extractEntry(dir, name, hdr, archive); err != nil {
			return err
		}
	}
	return d.r.align()
}

// extractEntry creates name below dir. Names leaving dir, and names reached through a
// symlink, are refused.
func extractEntry(dir, name string, hdr *cpio.Header, r io.Reader) error {
	clean := path.Clean(name)
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.Wrapf(ErrUnsafePath, "%q", name)
	}
	if err := checkParents(dir, clean); err != nil {
		return err
	}
	target := filepath.Join(dir, filepath.FromSlash(clean))
	if existing, err := os.Lstat(target); err == nil && existing.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	perm := os.FileMode(hdr.Mode & 07777)
	switch {
	case hdr.IsDir():
		return os.MkdirAll(target, perm|0700)
	case hdr.IsSymlink():
		if err := os.MkdirAll(filepath.Dir(target), datastreamDirMode); err != nil {
			return err
		}
		link, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(string(link), target)
	case hdr.IsRegular():
		if err := os.MkdirAll(filepath.Dir(target), datastreamDirMode); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return errors.Wrap(err, hdr.Name)
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Chmod(target, hdr.FileMode()); err != nil {
			return err
		}
		mtime := time.Unix(hdr.Mtime, 0)
		return os.Chtimes(target, mtime, mtime)
	}
	return errors.Errorf("%s: unsupported entry type %06o", hdr.Name, hdr.Type())
}

// checkParents refuses a name whose parent directories below dir include a symlink.
func checkParents(dir, name string) error {
	elems := strings.Split(name, "/")
	cur := dir
	for _, elem := range elems[:len(elems)-1] {
		cur = filepath.Join(cur, elem)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return errors.Wrapf(ErrUnsafePath, "%q passes through symlink %s", name, cur)
		}
	}
	return nil
}
