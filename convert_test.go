package rpm2sysvpkg

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cendio/rpm2sysvpkg/rpm"
	"github.com/cendio/rpm2sysvpkg/rpm/rpmtest"
	"github.com/cendio/rpm2sysvpkg/sysv"
)

const helloScript = "#!/bin/sh\necho hello\n"

func helloPackage() rpmtest.Package {
	return rpmtest.Package{
		Name:        "hello",
		Version:     "1.0",
		Release:     "2",
		Summary:     "Greets the world",
		Description: "Says hello.\n\nMore detail nobody reads.",
		License:     "GPLv2+",
		Vendor:      "Example Corp",
		Packager:    "Jane Doe <jane@example.com>",
		URL:         "http://example.com/hello",
		Arch:        "x86_64",
		OS:          "linux",
		BuildHost:   "build1",
		BuildTime:   1700000000,
		Files: []rpmtest.File{
			{Path: "/usr/bin/hello", Mode: rpmtest.RegularMode | 0755, Body: helloScript, Mtime: 1600000000},
			{Path: "/usr/bin/hi", Mode: rpmtest.SymlinkMode | 0777, LinkTo: "hello"},
			{Path: "/etc/hello.conf", Mode: rpmtest.RegularMode | 0640, Body: "greeting=hi\n", Group: "wheel", Flags: rpm.FileConfig},
			{Path: "/usr/share/hello", Mode: rpmtest.DirMode | 0755},
			{Path: "/usr/share/hello/b", Mode: rpmtest.RegularMode | 0644, Body: "same\n", Inode: 100},
			{Path: "/usr/share/hello/a", Mode: rpmtest.RegularMode | 0644, Body: "same\n", Inode: 100},
			{Path: "/usr/share/hello/empty", Mode: rpmtest.RegularMode | 0644},
			{Path: "/var/log/hello.log", Mode: rpmtest.RegularMode | 0644, Flags: rpm.FileGhost},
			{Path: "/var/run/hello.fifo", Mode: rpmtest.FifoMode | 0600},
			{Path: "/dev/hello0", Mode: rpmtest.CharMode | 0600, Rdev: 4<<8 | 2},
		},
		Scripts: map[rpm.ScriptPhase]rpmtest.Script{
			rpm.PostInstall: {Interpreter: "/bin/sh", Body: "echo installed"},
			rpm.PreRemove:   {Interpreter: "/usr/bin/perl", Body: "print 1;"},
			rpm.PostRemove:  {Body: "rm -f /tmp/hello\n"},
		},
		Requires: []string{"/bin/sh", "rpmlib(CompressedFileNames)", "libc.so.6()(64bit)", "glibc", "glibc", "hello", "greeter"},
		Provides: []string{"hello", "greeter"},
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	config, err := NewConfig("")
	require.NoError(t, err)
	return config
}

func convertHello(t *testing.T, config *Config, opts ConvertOptions) (*ConvertResult, string) {
	t.Helper()
	dir := t.TempDir()
	rpmPath := rpmtest.Write(t, dir, helloPackage())
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(dir, "out")
	}
	result, err := NewConverter(config).ConvertFile(rpmPath, opts)
	require.NoError(t, err)
	return result, opts.OutputDir
}

func readPackage(t *testing.T, dir string) (*sysv.PkgInfo, *sysv.Pkgmap) {
	t.Helper()
	info, pkgmap, err := sysv.ReadPackageInfo(dir)
	require.NoError(t, err)
	return info, pkgmap
}

func entry(t *testing.T, pkgmap *sysv.Pkgmap, path string) *sysv.Entry {
	t.Helper()
	e, ok := pkgmap.Lookup(path)
	require.True(t, ok, "no pkgmap entry for %s", path)
	return e
}

func TestConvertPkgInfo(t *testing.T) {
	result, out := convertHello(t, testConfig(t), ConvertOptions{})
	assert.Equal(t, "hello", result.Pkg)
	assert.Equal(t, filepath.Join(out, "hello"), result.Dir)
	assert.Empty(t, result.Datastream)

	info, _ := readPackage(t, result.Dir)
	assert.Equal(t, "hello", info.Get(sysv.ParamPKG))
	assert.Equal(t, "Greets the world", info.Get(sysv.ParamName))
	assert.Equal(t, "amd64", info.Get(sysv.ParamArch))
	assert.Equal(t, "1.0-2", info.Get(sysv.ParamVersion))
	assert.Equal(t, "application", info.Get(sysv.ParamCategory))
	assert.Equal(t, "Says hello.", info.Get(sysv.ParamDesc))
	assert.Equal(t, "Example Corp", info.Get(sysv.ParamVendor))
	assert.Equal(t, "jane@example.com", info.Get(sysv.ParamEmail))
	assert.Equal(t, "http://example.com/hello", info.Get(sysv.ParamHotline))
	assert.Equal(t, "build120231114221320", info.Get(sysv.ParamPstamp))
	assert.Equal(t, "/", info.Get(sysv.ParamBasedir))
	assert.Equal(t, sysv.DefaultClass, info.Get(sysv.ParamClasses))
}

func TestConvertPkgmap(t *testing.T) {
	result, _ := convertHello(t, testConfig(t), ConvertOptions{})
	_, pkgmap := readPackage(t, result.Dir)
	assert.Equal(t, 1, pkgmap.Parts)

	hello := entry(t, pkgmap, "usr/bin/hello")
	assert.Equal(t, sysv.TypeFile, hello.Type)
	assert.Equal(t, uint32(0755), hello.Mode)
	assert.Equal(t, "root", hello.Owner)
	assert.Equal(t, int64(len(helloScript)), hello.Size)
	assert.Equal(t, int64(1600000000), hello.Mtime)
	var sum sysv.Summer
	sum.Write([]byte(helloScript))
	assert.Equal(t, sum.Sum(), hello.Cksum)

	content, err := os.ReadFile(filepath.Join(result.Dir, sysv.RelocDir, "usr", "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, helloScript, string(content))

	conf := entry(t, pkgmap, "etc/hello.conf")
	assert.Equal(t, sysv.TypeEditable, conf.Type)
	assert.Equal(t, "sys", conf.Group, "wheel maps to sys")
	assert.Equal(t, uint32(0640), conf.Mode)

	link := entry(t, pkgmap, "usr/bin/hi")
	assert.Equal(t, sysv.TypeSymlink, link.Type)
	assert.Equal(t, "hello", link.Target)

	a := entry(t, pkgmap, "usr/share/hello/a")
	assert.Equal(t, sysv.TypeFile, a.Type)
	assert.Equal(t, int64(5), a.Size)
	b := entry(t, pkgmap, "usr/share/hello/b")
	assert.Equal(t, sysv.TypeHardlink, b.Type)
	assert.Equal(t, "usr/share/hello/a", b.Target)

	empty := entry(t, pkgmap, "usr/share/hello/empty")
	assert.Equal(t, int64(0), empty.Size)
	assert.FileExists(t, filepath.Join(result.Dir, sysv.RelocDir, "usr", "share", "hello", "empty"))

	_, ghost := pkgmap.Lookup("var/log/hello.log")
	assert.False(t, ghost, "ghost files are not packaged")
	_, logDir := pkgmap.Lookup("var/log")
	assert.False(t, logDir, "parents of ghost files are not packaged")

	assert.Equal(t, sysv.TypeFifo, entry(t, pkgmap, "var/run/hello.fifo").Type)
	dev := entry(t, pkgmap, "dev/hello0")
	assert.Equal(t, sysv.TypeChar, dev.Type)
	assert.Equal(t, uint32(4), dev.Major)
	assert.Equal(t, uint32(2), dev.Minor)

	owned := entry(t, pkgmap, "usr/share/hello")
	assert.Equal(t, sysv.TypeDir, owned.Type)
	assert.False(t, owned.AttrsUnset)
	for _, dir := range []string{"usr", "usr/bin", "usr/share", "etc", "var", "var/run", "dev"} {
		parent := entry(t, pkgmap, dir)
		assert.Equal(t, sysv.TypeDir, parent.Type, dir)
		assert.True(t, parent.AttrsUnset, dir)
	}

	var blocks int64
	for _, e := range pkgmap.Entries {
		if e.Type.HasContent() {
			blocks += sysv.Blocks(e.Size)
		}
	}
	assert.Equal(t, blocks, pkgmap.MaxSize)
	assert.Equal(t, len(pkgmap.Entries), result.Entries)
}

func TestConvertInstallFiles(t *testing.T) {
	config := testConfig(t)
	config.Depend = true
	result, _ := convertHello(t, config, ConvertOptions{})
	_, pkgmap := readPackage(t, result.Dir)

	for _, name := range []string{"pkginfo", "postinstall", "postremove", "copyright", "depend"} {
		e := entry(t, pkgmap, name)
		assert.Equal(t, sysv.TypeInstall, e.Type, name)
	}
	assert.Equal(t, sysv.TypeInstall, pkgmap.Entries[0].Type, "install files come first")
	_, preremove := pkgmap.Lookup("preremove")
	assert.False(t, preremove, "perl scriptlets are skipped")

	install := filepath.Join(result.Dir, sysv.InstallDir)
	postinstall, err := os.ReadFile(filepath.Join(install, "postinstall"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nset -- 1\necho installed\n", string(postinstall))
	postremove, err := os.ReadFile(filepath.Join(install, "postremove"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nset -- 0\nrm -f /tmp/hello\n", string(postremove))

	copyright, err := os.ReadFile(filepath.Join(install, "copyright"))
	require.NoError(t, err)
	assert.Contains(t, string(copyright), "GPLv2+")

	depend, err := os.ReadFile(filepath.Join(install, "depend"))
	require.NoError(t, err)
	assert.Equal(t, "P glibc glibc\n", string(depend))
}

func TestConvertBasedir(t *testing.T) {
	config := testConfig(t)
	config.Basedir = "/usr"
	result, _ := convertHello(t, config, ConvertOptions{})
	info, pkgmap := readPackage(t, result.Dir)
	assert.Equal(t, "/usr", info.Get(sysv.ParamBasedir))

	assert.Equal(t, sysv.TypeFile, entry(t, pkgmap, "bin/hello").Type)
	assert.Equal(t, sysv.TypeEditable, entry(t, pkgmap, "/etc/hello.conf").Type)
	assert.FileExists(t, filepath.Join(result.Dir, sysv.RelocDir, "bin", "hello"))
	assert.FileExists(t, filepath.Join(result.Dir, sysv.RootDir, "etc", "hello.conf"))
	_, basedir := pkgmap.Lookup("/usr")
	assert.False(t, basedir)
}

func TestConvertDatastream(t *testing.T) {
	result, out := convertHello(t, testConfig(t), ConvertOptions{Datastream: true})
	assert.Equal(t, filepath.Join(out, "hello-1.0-2.x86_64.pkg"), result.Datastream)
	assert.Empty(t, result.Dir)
	assert.NoDirExists(t, filepath.Join(out, "hello"))
	assert.True(t, sysv.IsDatastream(result.Datastream))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no spool directory is left behind")

	extracted := t.TempDir()
	written, err := sysv.Translate(result.Datastream, extracted, nil, sysv.TranslateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, written)
	_, pkgmap := readPackage(t, filepath.Join(extracted, "hello"))
	assert.Equal(t, sysv.TypeFile, entry(t, pkgmap, "usr/bin/hello").Type)
}

func TestConvertDatastreamKeep(t *testing.T) {
	result, out := convertHello(t, testConfig(t), ConvertOptions{Datastream: true, Keep: true})
	assert.FileExists(t, result.Datastream)
	assert.Equal(t, filepath.Join(out, "hello"), result.Dir)
	assert.True(t, sysv.IsPackageDir(result.Dir))
}

func TestConvertDryRun(t *testing.T) {
	var buf bytes.Buffer
	result, out := convertHello(t, testConfig(t), ConvertOptions{DryRun: true, Out: &buf})
	assert.NoDirExists(t, out)
	assert.Contains(t, buf.String(), "PKG=hello\n")
	assert.Contains(t, buf.String(), "usr/bin/hi=hello")
	assert.Positive(t, result.Entries)
}

func TestConvertOverwrite(t *testing.T) {
	dir := t.TempDir()
	rpmPath := rpmtest.Write(t, dir, helloPackage())
	converter := NewConverter(testConfig(t))
	opts := ConvertOptions{OutputDir: filepath.Join(dir, "out")}

	_, err := converter.ConvertFile(rpmPath, opts)
	require.NoError(t, err)
	stale := filepath.Join(dir, "out", "hello", "stale")
	require.NoError(t, os.WriteFile(stale, nil, 0644))

	_, err = converter.ConvertFile(rpmPath, opts)
	assert.Equal(t, sysv.ErrExists, errors.Cause(err))
	assert.FileExists(t, stale)

	opts.Overwrite = true
	_, err = converter.ConvertFile(rpmPath, opts)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestConvertPkgName(t *testing.T) {
	result, _ := convertHello(t, testConfig(t), ConvertOptions{PkgName: "EXhello"})
	assert.Equal(t, "EXhello", result.Pkg)
	info, _ := readPackage(t, result.Dir)
	assert.Equal(t, "EXhello", info.Get(sysv.ParamPKG))

	dir := t.TempDir()
	rpmPath := rpmtest.Write(t, dir, helloPackage())
	_, err := NewConverter(testConfig(t)).ConvertFile(rpmPath, ConvertOptions{OutputDir: dir, PkgName: "1bad name"})
	assert.Equal(t, sysv.ErrInvalidPkgName, errors.Cause(err))
}

func TestConvertPkgNameTemplate(t *testing.T) {
	config := testConfig(t)
	config.PkgName = "{{.prefix}}{{.name | upper}}"
	config.Variables = StringMap{"prefix": "EX"}
	result, _ := convertHello(t, config, ConvertOptions{})
	assert.Equal(t, "EXHELLO", result.Pkg)
}

func TestConvertRejectsSourcePackage(t *testing.T) {
	dir := t.TempDir()
	p := helloPackage()
	p.Source = true
	rpmPath := rpmtest.Write(t, dir, p)
	_, err := NewConverter(testConfig(t)).ConvertFile(rpmPath, ConvertOptions{OutputDir: dir})
	assert.Equal(t, ErrSourcePackage, errors.Cause(err))
}

func TestConvertASCIIFold(t *testing.T) {
	dir := t.TempDir()
	p := helloPackage()
	p.Summary = "Grüße från Åre"
	p.Vendor = "Ærø AB"
	rpmPath := rpmtest.Write(t, dir, p)
	config := testConfig(t)
	config.ASCIIFold = true
	result, err := NewConverter(config).ConvertFile(rpmPath, ConvertOptions{OutputDir: filepath.Join(dir, "out")})
	require.NoError(t, err)
	info, _ := readPackage(t, result.Dir)
	assert.Equal(t, "Gru?e fran Are", info.Get(sysv.ParamName))
	assert.Equal(t, "?r? AB", info.Get(sysv.ParamVendor))
}

func TestConvertCompressors(t *testing.T) {
	for _, compressor := range []string{rpm.CompressorNone, rpm.CompressorXZ, rpm.CompressorZstd} {
		t.Run(compressor, func(t *testing.T) {
			dir := t.TempDir()
			p := helloPackage()
			p.Compressor = compressor
			rpmPath := rpmtest.Write(t, dir, p)
			result, err := NewConverter(testConfig(t)).ConvertFile(rpmPath, ConvertOptions{OutputDir: filepath.Join(dir, "out")})
			require.NoError(t, err)
			content, err := os.ReadFile(filepath.Join(result.Dir, sysv.RelocDir, "usr", "bin", "hello"))
			require.NoError(t, err)
			assert.Equal(t, helloScript, string(content))
		})
	}
}

func TestPackageVariables(t *testing.T) {
	dir := t.TempDir()
	p := helloPackage()
	p.Epoch, p.HasEpoch = 3, true
	f, err := os.Open(rpmtest.Write(t, dir, p))
	require.NoError(t, err)
	defer f.Close()
	pkg, err := rpm.Read(f)
	require.NoError(t, err)

	vars := packageVariables(pkg)
	assert.Equal(t, "3", vars["epoch"])
	assert.Equal(t, "3:1.0-2", vars["evr"])
	assert.Equal(t, "hello-1.0-2.x86_64", vars["nvra"])
	assert.Equal(t, "20231114221320", vars["buildtime"])
	assert.True(t, strings.HasPrefix(vars["packager"], "Jane Doe"))
}
