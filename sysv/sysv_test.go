package sysv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestChecksum(t *testing.T) {
	sum, size, err := Checksum(strings.NewReader("hello\n"))
	require.NoError(t, err)
	// sum -s of "hello\n"
	assert.EqualValues(t, 542, sum)
	assert.EqualValues(t, 6, size)

	sum, size, err = Checksum(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, sum)
	assert.Zero(t, size)
}

func TestChecksumFolds(t *testing.T) {
	data := bytes.Repeat([]byte{0xff}, 1000)
	sum, _, err := Checksum(bytes.NewReader(data))
	require.NoError(t, err)
	// 255000 = 0x3e418, folded: 0xe418 + 0x3 = 0xe41b
	assert.EqualValues(t, 0xe41b, sum)
	assert.Less(t, sum, uint32(0x10000))
}

func TestPkgInfoRoundTrip(t *testing.T) {
	p := NewPkgInfo()
	p.Set(ParamPKG, "hello")
	p.Set(ParamName, "Hello, world greeter")
	p.Set(ParamArch, "x86_64")
	p.Set(ParamVersion, "2.10-3")
	p.Set(ParamCategory, "application")
	p.Set(ParamDesc, `says "hi" for $USER`)
	p.Set(ParamBasedir, "/")
	require.NoError(t, p.Validate())

	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "PKG=hello\n")
	assert.Contains(t, buf.String(), "NAME=\"Hello, world greeter\"\n")

	got, err := ParsePkgInfo(&buf)
	require.NoError(t, err)
	assert.Equal(t, p.Keys(), got.Keys())
	for _, k := range p.Keys() {
		assert.Equal(t, p.Get(k), got.Get(k), k)
	}
}

func TestParsePkgInfoSkipsComments(t *testing.T) {
	p, err := ParsePkgInfo(strings.NewReader("# generated\n\nPKG='foo'\nARCH = sparc\n"))
	require.NoError(t, err)
	assert.Equal(t, "foo", p.Get(ParamPKG))
	assert.Equal(t, "sparc", p.Get(ParamArch))
	_, ok := p.Lookup(ParamName)
	assert.False(t, ok)

	_, err = ParsePkgInfo(strings.NewReader("no equals sign\n"))
	assert.ErrorIs(t, err, ErrInvalidPkgInfo)
}

func TestPkgInfoValidate(t *testing.T) {
	valid := func() *PkgInfo {
		p := NewPkgInfo()
		p.Set(ParamPKG, "foo")
		p.Set(ParamName, "foo")
		p.Set(ParamArch, "i386")
		p.Set(ParamVersion, "1.0")
		p.Set(ParamCategory, "system")
		return p
	}
	require.NoError(t, valid().Validate())

	p := valid()
	p.Set(ParamCategory, "")
	assert.ErrorIs(t, p.Validate(), ErrInvalidPkgInfo)

	p = valid()
	p.Set(ParamVersion, "(1.0)")
	assert.ErrorIs(t, p.Validate(), ErrInvalidPkgInfo)

	p = valid()
	p.Set(ParamDesc, "two\nlines")
	assert.ErrorIs(t, p.Validate(), ErrInvalidPkgInfo)

	p = valid()
	p.Set(ParamPKG, "1foo")
	assert.ErrorIs(t, p.Validate(), ErrInvalidPkgName)
}

func TestValidatePkgAbbrev(t *testing.T) {
	for _, name := range []string{"SUNWcsu", "foo-bar", "g++", "a"} {
		assert.NoError(t, ValidatePkgAbbrev(name), name)
	}
	for _, name := range []string{"", "1abc", "foo_bar", "foo.bar", "install", "new", "all",
		strings.Repeat("x", 33)} {
		assert.ErrorIs(t, ValidatePkgAbbrev(name), ErrInvalidPkgName, name)
	}
}

func TestSanitizePkgAbbrev(t *testing.T) {
	assert.Equal(t, "python3-foo-bar", SanitizePkgAbbrev("python3-foo_bar"))
	assert.Equal(t, "p0ad", SanitizePkgAbbrev("0ad"))
	assert.Equal(t, "install-pkg", SanitizePkgAbbrev("install"))
	assert.Len(t, SanitizePkgAbbrev(strings.Repeat("long", 20)), 32)
}

func TestSanitizePkgAbbrevAlwaysValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		got := SanitizePkgAbbrev(name)
		if err := ValidatePkgAbbrev(got); err != nil {
			t.Fatalf("SanitizePkgAbbrev(%q) = %q: %v", name, got, err)
		}
	})
}

const samplePkgmap = `: 1 6
1 i pkginfo 120 9012 1700000000
1 i postinstall 40 3003 1700000000
1 d none /usr ? ? ?
1 d none /usr/bin 0755 root bin
1 f none /usr/bin/hello 0755 root bin 6 542 1700000000
1 e none /etc/hello.conf 0644 root sys 6 542 1700000000
1 s none /usr/bin/hi=hello
1 l none /usr/bin/hey=/usr/bin/hello
1 c none /dev/hello 10 200 0600 root sys
1 p none /var/run/hello.fifo 0644 root root
`

func TestPkgmapRoundTrip(t *testing.T) {
	m, err := ParsePkgmap(strings.NewReader(samplePkgmap))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Parts)
	assert.EqualValues(t, 6, m.MaxSize)
	require.Len(t, m.Entries, 10)
	require.NoError(t, m.Validate())

	usr, ok := m.Lookup("/usr")
	require.True(t, ok)
	assert.True(t, usr.AttrsUnset)

	dev, ok := m.Lookup("/dev/hello")
	require.True(t, ok)
	assert.EqualValues(t, 10, dev.Major)
	assert.EqualValues(t, 200, dev.Minor)
	assert.EqualValues(t, 0600, dev.Mode)

	hi, ok := m.Lookup("/usr/bin/hi")
	require.True(t, ok)
	assert.Equal(t, "hello", hi.Target)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, samplePkgmap, buf.String())
}

func TestPkgmapSort(t *testing.T) {
	m := &Pkgmap{Entries: []Entry{
		{Type: TypeFile, Path: "/usr/bin/b"},
		{Type: TypeDir, Path: "/usr/bin"},
		{Type: TypeInstall, Path: "pkginfo"},
		{Type: TypeDir, Path: "/usr"},
	}}
	m.Sort()
	var paths []string
	for _, e := range m.Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"pkginfo", "/usr", "/usr/bin", "/usr/bin/b"}, paths)
}

func TestPkgmapValidateRejects(t *testing.T) {
	m := &Pkgmap{Entries: []Entry{{Type: TypeFile, Path: "/a b"}}}
	assert.ErrorIs(t, m.Validate(), ErrInvalidPkgmap)

	m = &Pkgmap{Entries: []Entry{{Type: TypeFile, Path: "/a"}, {Type: TypeDir, Path: "/a"}}}
	assert.ErrorIs(t, m.Validate(), ErrInvalidPkgmap)

	// an install file may share its name with a package object
	m = &Pkgmap{Entries: []Entry{{Type: TypeInstall, Path: "copyright"}, {Type: TypeFile, Path: "copyright"}}}
	assert.NoError(t, m.Validate())
}

func TestParsePkgmapErrors(t *testing.T) {
	for _, line := range []string{
		": x 1",
		"1 q none /a 0644 root root",
		"1 f none /a 0644 root root",
		"1 s none /a",
		"1 c none /dev/x 0644 root root",
		"1 i pkginfo 1 2",
		"1 d none /a 0999 root root",
	} {
		_, err := ParsePkgmap(strings.NewReader(line + "\n"))
		assert.ErrorIs(t, err, ErrInvalidPkgmap, line)
	}
}

func TestBlocks(t *testing.T) {
	assert.EqualValues(t, 0, Blocks(0))
	assert.EqualValues(t, 1, Blocks(1))
	assert.EqualValues(t, 1, Blocks(512))
	assert.EqualValues(t, 2, Blocks(513))
}
