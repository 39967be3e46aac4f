package rpm2sysvpkg

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cendio/rpm2sysvpkg/cpio"
	"github.com/cendio/rpm2sysvpkg/rpm"
	"github.com/cendio/rpm2sysvpkg/sysv"
)

const (
	buildTimeFormat = "20060102150405"
	copyrightFile   = "copyright"
	dependFile      = "depend"
)

var ErrSourcePackage = errors.New("source packages cannot be converted")

// scriptNames maps rpm scriptlets to the SVR4 install scripts run at the same point,
// with the value of $1 rpm would pass on a first install or a final removal.
var scriptNames = map[rpm.ScriptPhase]struct {
	name string
	arg  int
}{
	rpm.PreInstall:  {"preinstall", 1},
	rpm.PostInstall: {"postinstall", 1},
	rpm.PreRemove:   {"preremove", 0},
	rpm.PostRemove:  {"postremove", 0},
}

type (
	// ConvertOptions control where and how one package is written.
	ConvertOptions struct {
		// OutputDir defaults to the configured output_dir.
		OutputDir string
		// Datastream writes a datastream file instead of a package directory.
		Datastream bool
		// Keep keeps the package directory next to the datastream.
		Keep      bool
		Overwrite bool
		// PkgName overrides the configured package abbreviation template.
		PkgName string
		// DryRun writes pkginfo and pkgmap to Out instead of creating the package.
		DryRun bool
		Out    io.Writer
	}
	// ConvertResult describes a converted package.
	ConvertResult struct {
		RPM        string
		Pkg        string
		Dir        string
		Datastream string
		Size       int64
		Entries    int
	}
	// Converter turns RPM packages into SVR4 packages.
	Converter struct {
		config *Config
	}
)

// NewConverter returns a Converter using config.
func NewConverter(config *Config) *Converter {
	return &Converter{config: config}
}

// ConvertFile converts the RPM package file at rpmPath.
func (c *Converter) ConvertFile(rpmPath string, opts ConvertOptions) (*ConvertResult, error) {
	f, err := os.Open(rpmPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pkg, err := rpm.Read(f)
	if err != nil {
		return nil, errors.Wrap(err, rpmPath)
	}
	result, err := c.Convert(pkg, opts)
	if err != nil {
		return nil, errors.Wrap(err, rpmPath)
	}
	result.RPM = rpmPath
	return result, nil
}

// Convert converts a package whose payload has not been read yet.
func (c *Converter) Convert(pkg *rpm.Package, opts ConvertOptions) (*ConvertResult, error) {
	if pkg.Lead.IsSource() {
		return nil, errors.Wrap(ErrSourcePackage, pkg.NVRA())
	}
	vars := MergeVariables(c.config.Variables, packageVariables(pkg))
	name := opts.PkgName
	if name == "" {
		name = ExpandVariables(c.config.PkgName, vars)
	}
	if err := sysv.ValidatePkgAbbrev(name); err != nil {
		return nil, err
	}
	vars["pkg"] = name
	log := Logger.WithFields(logrus.Fields{"rpm": pkg.NVRA(), "pkg": name})

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = c.config.OutputDir
	}
	if outputDir == "" {
		outputDir = "."
	}
	result := &ConvertResult{Pkg: name}
	target := filepath.Join(outputDir, name)
	if opts.Datastream {
		result.Datastream = filepath.Join(outputDir, ExpandVariables(c.config.DatastreamName, vars))
	}
	if !opts.Datastream || opts.Keep {
		result.Dir = target
	}

	spoolParent := ""
	if !opts.DryRun {
		if err := c.checkOutput(pkg, outputDir, result, opts.Overwrite); err != nil {
			return nil, err
		}
		spoolParent = outputDir
	}
	spool, err := os.MkdirTemp(spoolParent, ".rpm2sysvpkg-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(spool)

	b := &pkgBuilder{
		config:  c.config,
		pkg:     pkg,
		dir:     filepath.Join(spool, name),
		basedir: path.Clean("/" + c.config.Basedir),
		mtime:   pkg.BuildTime().Unix(),
		log:     log,
		pkgmap:  &sysv.Pkgmap{Parts: 1},
		index:   make(map[string]int),
	}
	info, err := c.pkgInfo(pkg, name, vars)
	if err != nil {
		return nil, err
	}
	if err := b.build(info); err != nil {
		return nil, err
	}
	result.Size = b.size
	result.Entries = len(b.pkgmap.Entries)

	if opts.DryRun {
		out := opts.Out
		if out == nil {
			out = os.Stdout
		}
		if _, err := info.WriteTo(out); err != nil {
			return nil, err
		}
		_, err := b.pkgmap.WriteTo(out)
		return result, err
	}

	if opts.Datastream {
		_, err := sysv.Translate(spool, result.Datastream, []string{name},
			sysv.TranslateOptions{Datastream: true, Overwrite: opts.Overwrite})
		if err != nil {
			return nil, err
		}
		log.Infof("Wrote datastream %s", result.Datastream)
	}
	if result.Dir != "" {
		if err := os.Chmod(b.dir, 0755); err != nil {
			return nil, err
		}
		if err := os.RemoveAll(target); err != nil {
			return nil, err
		}
		if err := os.Rename(b.dir, target); err != nil {
			return nil, err
		}
		log.Infof("Wrote package directory %s", target)
	}
	return result, nil
}

// checkOutput verifies the output directory can take the package before anything is
// written.
func (c *Converter) checkOutput(pkg *rpm.Package, outputDir string, result *ConvertResult, overwrite bool) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	if !osFileWriteAccess(outputDir) {
		return errors.Wrap(ErrNotWritable, outputDir)
	}
	if !overwrite {
		for _, existing := range []string{result.Dir, result.Datastream} {
			if existing == "" {
				continue
			}
			if _, err := os.Lstat(existing); err == nil {
				return errors.Wrapf(sysv.ErrExists, "%s (use --overwrite)", existing)
			}
		}
	}
	need := pkg.InstalledSize()
	if result.Datastream != "" && result.Dir != "" {
		need *= 2
	}
	if free := osDiskSpace(outputDir); free >= 0 && free < need {
		return errors.Wrapf(ErrNoSpace, "%s needs %d bytes, %d available", outputDir, need, free)
	}
	return nil
}

// packageVariables returns the rpm metadata usable in configuration templates.
func packageVariables(pkg *rpm.Package) StringMap {
	epoch := ""
	if e, ok := pkg.Epoch(); ok {
		epoch = strconv.FormatInt(e, 10)
	}
	return StringMap{
		"name":      pkg.Name(),
		"version":   pkg.Version(),
		"release":   pkg.Release(),
		"epoch":     epoch,
		"evr":       pkg.EVR(),
		"nvra":      pkg.NVRA(),
		"arch":      pkg.Arch(),
		"os":        pkg.OS(),
		"summary":   pkg.Summary(),
		"vendor":    pkg.Vendor(),
		"license":   pkg.License(),
		"group":     pkg.Group(),
		"url":       pkg.URL(),
		"packager":  pkg.Packager(),
		"buildhost": pkg.BuildHost(),
		"buildtime": pkg.BuildTime().Format(buildTimeFormat),
	}
}

// pkgInfo maps the rpm metadata onto pkginfo parameters.
func (c *Converter) pkgInfo(pkg *rpm.Package, name string, vars StringMap) (*sysv.PkgInfo, error) {
	text := func(s string) string {
		s = singleLine(s, maxPkgInfoValue)
		if c.config.ASCIIFold {
			s = foldASCII(s)
		}
		return s
	}
	info := sysv.NewPkgInfo()
	info.Set(sysv.ParamPKG, name)
	summary := pkg.Summary()
	if summary == "" {
		summary = pkg.Name()
	}
	info.Set(sysv.ParamName, text(summary))
	arch := pkg.Arch()
	if arch == "" {
		arch = "noarch"
	}
	info.Set(sysv.ParamArch, c.config.ArchMap.lookup(arch))
	info.Set(sysv.ParamVersion, pkg.EVR())
	info.Set(sysv.ParamCategory, c.config.Category)
	if desc := text(firstParagraph(pkg.Description())); desc != "" {
		info.Set(sysv.ParamDesc, desc)
	}
	if vendor := text(ExpandVariables(c.config.Vendor, vars)); vendor != "" {
		info.Set(sysv.ParamVendor, vendor)
	}
	if email := pkg.PackagerEmail(); email != "" {
		info.Set(sysv.ParamEmail, email)
	}
	if url := singleLine(pkg.URL(), maxPkgInfoValue); url != "" {
		info.Set(sysv.ParamHotline, url)
	}
	if pstamp := singleLine(ExpandVariables(c.config.Pstamp, vars), maxPkgInfoValue); pstamp != "" {
		info.Set(sysv.ParamPstamp, pstamp)
	}
	info.Set(sysv.ParamBasedir, path.Clean("/"+c.config.Basedir))
	info.Set(sysv.ParamClasses, sysv.DefaultClass)
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// pkgBuilder lays out one package directory in filesystem format.
type pkgBuilder struct {
	config  *Config
	pkg     *rpm.Package
	dir     string
	basedir string
	mtime   int64
	log     *logrus.Entry
	pkgmap  *sysv.Pkgmap
	// index maps rpm paths to their pkgmap entry.
	index  map[string]int
	blocks int64
	size   int64
}

func (b *pkgBuilder) build(info *sysv.PkgInfo) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return err
	}
	files, err := b.pkg.Files()
	if err != nil {
		return err
	}
	primary := hardlinkPrimaries(files)
	if err := b.addObjects(files, primary); err != nil {
		return err
	}
	if err := b.extractPayload(files, primary); err != nil {
		return err
	}
	if err := b.addScripts(); err != nil {
		return err
	}
	if err := b.addCopyright(); err != nil {
		return err
	}
	if b.config.Depend {
		if err := b.addDepend(); err != nil {
			return err
		}
	}
	if err := b.addInstallFile(sysv.PkginfoFile, func(w io.Writer) error {
		_, err := info.WriteTo(w)
		return err
	}); err != nil {
		return err
	}

	b.pkgmap.MaxSize = b.blocks
	b.pkgmap.Sort()
	if err := b.pkgmap.Validate(); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(b.dir, sysv.PkgmapFile))
	if err != nil {
		return err
	}
	if _, err := b.pkgmap.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// hardlinkPrimaries maps every member of a hardlink group to the member that carries the
// content in the package, the first one by path.
func hardlinkPrimaries(files []rpm.FileInfo) map[string]string {
	groups := make(map[uint32][]string)
	for _, f := range files {
		if f.IsRegular() && !f.IsGhost() && f.Inode != 0 {
			groups[f.Inode] = append(groups[f.Inode], f.Path)
		}
	}
	primary := make(map[string]string)
	for _, paths := range groups {
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		for _, p := range paths {
			primary[p] = paths[0]
		}
	}
	return primary
}

// mapPath returns the pkgmap path of an rpm path: relative to BASEDIR when below it,
// absolute otherwise. The BASEDIR itself maps to "".
func (b *pkgBuilder) mapPath(p string) string {
	switch {
	case p == b.basedir:
		return ""
	case b.basedir == "/":
		return strings.TrimPrefix(p, "/")
	case strings.HasPrefix(p, b.basedir+"/"):
		return strings.TrimPrefix(p, b.basedir+"/")
	}
	return p
}

// stagingPath returns where the content of a pkgmap path is stored in the package.
func (b *pkgBuilder) stagingPath(mapped string) string {
	if strings.HasPrefix(mapped, "/") {
		return filepath.Join(b.dir, sysv.RootDir, filepath.FromSlash(mapped))
	}
	return filepath.Join(b.dir, sysv.RelocDir, filepath.FromSlash(mapped))
}

func (b *pkgBuilder) add(rpmPath string, e sysv.Entry) {
	e.Part = 1
	e.Class = sysv.DefaultClass
	b.index[rpmPath] = len(b.pkgmap.Entries)
	b.pkgmap.Entries = append(b.pkgmap.Entries, e)
}

func (b *pkgBuilder) addObjects(files []rpm.FileInfo, primary map[string]string) error {
	owned := make(map[string]bool, len(files))
	for _, f := range files {
		owned[f.Path] = true
	}
	for _, f := range files {
		mapped := b.mapPath(f.Path)
		if mapped == "" || f.Path == "/" {
			continue
		}
		if f.IsGhost() {
			b.log.Debugf("Skipping ghost file %s", f.Path)
			continue
		}
		e := sysv.Entry{
			Path:  mapped,
			Mode:  f.Perm(),
			Owner: b.config.OwnerMap.lookup(f.Owner),
			Group: b.config.GroupMap.lookup(f.Group),
			Mtime: f.Mtime.Unix(),
		}
		switch {
		case f.IsDir():
			e.Type = sysv.TypeDir
		case f.IsSymlink():
			e = sysv.Entry{Type: sysv.TypeSymlink, Path: mapped, Target: f.LinkTo}
		case f.IsRegular() && primary[f.Path] != "" && primary[f.Path] != f.Path:
			e = sysv.Entry{Type: sysv.TypeHardlink, Path: mapped, Target: b.mapPath(primary[f.Path])}
		case f.IsRegular():
			e.Type = sysv.TypeFile
			if f.IsConfig() {
				e.Type = sysv.TypeEditable
			}
			e.Size = f.Size
		case f.IsChar(), f.IsBlock():
			e.Type = sysv.TypeChar
			if f.IsBlock() {
				e.Type = sysv.TypeBlock
			}
			e.Major, e.Minor = f.Major(), f.Minor()
		case f.IsFifo():
			e.Type = sysv.TypeFifo
		default:
			b.log.Warnf("Skipping %s: sockets and unknown file types cannot be packaged", f.Path)
			continue
		}
		b.add(f.Path, e)
	}

	// Directories the package puts files in but does not own itself.
	var parents []string
	for _, f := range files {
		if f.IsGhost() {
			continue
		}
		for dir := path.Dir(f.Path); dir != "/" && dir != b.basedir; dir = path.Dir(dir) {
			if owned[dir] {
				continue
			}
			owned[dir] = true
			parents = append(parents, dir)
		}
	}
	for _, dir := range parents {
		if mapped := b.mapPath(dir); mapped != "" {
			b.add(dir, sysv.Entry{Type: sysv.TypeDir, Path: mapped, AttrsUnset: true})
		}
	}
	return nil
}

// extractPayload stores the content of regular files and fills in their sizes and
// checksums.
func (b *pkgBuilder) extractPayload(files []rpm.FileInfo, primary map[string]string) error {
	byPath := make(map[string]*rpm.FileInfo, len(files))
	for i := range files {
		byPath[files[i].Path] = &files[i]
	}
	payload, err := b.pkg.Payload()
	if err != nil {
		return err
	}
	defer payload.Close()

	written := make(map[string]bool)
	archive := cpio.NewReader(payload)
	for {
		hdr, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read payload")
		}
		p := rpm.CleanPath(hdr.Name)
		f, ok := byPath[p]
		if !ok {
			b.log.Warnf("Payload entry %s is not in the file list", p)
			continue
		}
		if !f.IsRegular() || f.IsGhost() {
			continue
		}
		if owner := primary[p]; owner != "" {
			if hdr.Size == 0 {
				continue
			}
			p = owner
		}
		if _, ok := b.index[p]; !ok {
			continue
		}
		if err := b.writeContent(p, archive); err != nil {
			return err
		}
		written[p] = true
	}

	// Empty files, and hardlink groups whose content never showed up.
	for _, f := range files {
		i, ok := b.index[f.Path]
		if !ok || written[f.Path] || !b.pkgmap.Entries[i].Type.HasContent() {
			continue
		}
		if f.Size != 0 {
			return errors.Wrapf(rpm.ErrCorrupt, "payload lacks %s", f.Path)
		}
		if err := b.writeContent(f.Path, strings.NewReader("")); err != nil {
			return err
		}
	}
	return nil
}

func (b *pkgBuilder) writeContent(rpmPath string, r io.Reader) error {
	e := &b.pkgmap.Entries[b.index[rpmPath]]
	name := b.stagingPath(e.Path)
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(e.Mode&0777|0600))
	if err != nil {
		return err
	}
	var sum sysv.Summer
	if _, err := io.Copy(io.MultiWriter(out, &sum), r); err != nil {
		out.Close()
		return errors.Wrapf(err, "extract %s", rpmPath)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if e.Size != sum.Size() {
		b.log.Warnf("%s: header size %d, payload size %d", rpmPath, e.Size, sum.Size())
	}
	e.Size, e.Cksum = sum.Size(), sum.Sum()
	b.blocks += sysv.Blocks(e.Size)
	b.size += e.Size
	b.log.Debugf("Extracted %s", rpmPath)
	return nil
}

// addInstallFile writes a file of the install directory and lists it in the pkgmap. The
// pkginfo file is listed the same way but lives at the top of the package.
func (b *pkgBuilder) addInstallFile(name string, write func(w io.Writer) error) error {
	target := filepath.Join(b.dir, sysv.InstallDir, name)
	if name == sysv.PkginfoFile {
		target = filepath.Join(b.dir, name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	var sum sysv.Summer
	if err := write(io.MultiWriter(out, &sum)); err != nil {
		out.Close()
		return errors.Wrapf(err, "write %s", name)
	}
	if err := out.Close(); err != nil {
		return err
	}
	b.pkgmap.Entries = append(b.pkgmap.Entries, sysv.Entry{
		Part:  1,
		Type:  sysv.TypeInstall,
		Path:  name,
		Size:  sum.Size(),
		Cksum: sum.Sum(),
		Mtime: b.mtime,
	})
	b.blocks += sysv.Blocks(sum.Size())
	b.size += sum.Size()
	return nil
}

func (b *pkgBuilder) interpreterAllowed(interpreter string) bool {
	for _, allowed := range b.config.Interpreters {
		if interpreter == allowed {
			return true
		}
	}
	return false
}

// addScripts converts the rpm scriptlets. Each one is preceded by "set -- 1" or
// "set -- 0" so scriptlets testing $1 see the install or removal count rpm would pass.
func (b *pkgBuilder) addScripts() error {
	for _, s := range b.pkg.Scripts() {
		script, ok := scriptNames[s.Phase]
		if !ok {
			continue
		}
		if !b.interpreterAllowed(s.Interpreter) {
			b.log.Warnf("Skipping %s scriptlet: interpreter %s is not supported", s.Phase, s.Interpreter)
			continue
		}
		body := s.Body
		if body != "" && !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		err := b.addInstallFile(script.name, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "#!/bin/sh\nset -- %d\n%s", script.arg, body)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *pkgBuilder) addCopyright() error {
	license := strings.TrimSpace(b.pkg.License())
	if license == "" {
		return nil
	}
	return b.addInstallFile(copyrightFile, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s is distributed under the following license:\n\n%s\n", b.pkg.Name(), license)
		return err
	})
}

// addDepend lists plain package names the rpm requires as prerequisites. File, library
// and rpmlib requirements have no SVR4 counterpart and are left out, as are
// capabilities the package provides itself.
func (b *pkgBuilder) addDepend() error {
	deps, err := b.pkg.Requires()
	if err != nil {
		return err
	}
	provides, err := b.pkg.Provides()
	if err != nil {
		return err
	}
	seen := map[string]bool{b.pkg.Name(): true}
	for _, p := range provides {
		seen[p.Name] = true
	}
	var names []string
	for _, d := range deps {
		if d.IsRpmlib() || seen[d.Name] || strings.HasPrefix(d.Name, "/") || strings.ContainsAny(d.Name, "()") {
			continue
		}
		seen[d.Name] = true
		names = append(names, d.Name)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return b.addInstallFile(dependFile, func(w io.Writer) error {
		for _, name := range names {
			if _, err := fmt.Fprintf(w, "P %s %s\n", sysv.SanitizePkgAbbrev(name), name); err != nil {
				return err
			}
		}
		return nil
	})
}
