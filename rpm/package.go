// Package rpm reads binary RPM packages: the lead, the signature and main headers, and
// the compressed cpio payload that follows them.
//
// A Package is read from a plain io.Reader in a single forward pass, so packages can be
// converted straight from a pipe:
//
//	pkg, err := rpm.Read(f)
//	/* ... inspect pkg.Name(), pkg.Files(), pkg.Scripts() ... */
//	payload, err := pkg.Payload()
//	archive := cpio.NewReader(payload)
package rpm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const leadLen = 96

var leadMagic = []byte{0xed, 0xab, 0xee, 0xdb}

var (
	ErrBadMagic              = errors.New("rpm: not an RPM package")
	ErrCorrupt               = errors.New("rpm: corrupt package")
	ErrUnsupportedCompressor = errors.New("rpm: unsupported payload compressor")
	ErrUnsupportedFormat     = errors.New("rpm: unsupported payload format")
)

// Lead is the obsolete fixed-size preamble of every RPM file. Only Type is still
// meaningful: 0 for binary and 1 for source packages.
type Lead struct {
	Major         uint8
	Minor         uint8
	Type          uint16
	ArchNum       uint16
	Name          string
	OSNum         uint16
	SignatureType uint16
}

// IsSource reports whether the lead marks a source package.
func (l Lead) IsSource() bool { return l.Type == 1 }

// Package is an RPM package whose headers have been read. The payload has not been
// consumed yet; it is available exactly once through Payload.
type Package struct {
	Lead      Lead
	Signature *Header
	Header    *Header
	payload   *bufio.Reader
}

// Dependency is a single require or provide of a package.
type Dependency struct {
	Name    string
	Version string
	Flags   int32
}

// IsRpmlib reports whether the dependency is an internal rpmlib() feature requirement.
func (d Dependency) IsRpmlib() bool {
	return d.Flags&SenseRpmlib != 0 || strings.HasPrefix(d.Name, "rpmlib(")
}

// Read reads the lead and both headers of a package from r. The returned Package keeps
// r to decompress the payload later.
func Read(r io.Reader) (*Package, error) {
	lead, err := readLead(r)
	if err != nil {
		return nil, err
	}
	sig, err := ReadHeader(r)
	if err != nil {
		return nil, errors.Wrap(err, "signature header")
	}
	// The signature header is padded to a multiple of 8 bytes.
	if padding := (8 - sig.Size()%8) % 8; padding > 0 {
		if _, err := io.CopyN(io.Discard, r, padding); err != nil {
			return nil, errors.Wrap(noEOF(err), "signature padding")
		}
	}
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, errors.Wrap(err, "main header")
	}
	return &Package{
		Lead:      lead,
		Signature: sig,
		Header:    hdr,
		payload:   bufio.NewReader(r),
	}, nil
}

func readLead(r io.Reader) (Lead, error) {
	var raw [leadLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Lead{}, errors.Wrap(ErrBadMagic, "file too short")
		}
		return Lead{}, errors.Wrap(err, "read lead")
	}
	if !bytes.Equal(raw[:4], leadMagic) {
		return Lead{}, errors.Wrapf(ErrBadMagic, "lead magic % x", raw[:4])
	}
	name := raw[10:76]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return Lead{
		Major:         raw[4],
		Minor:         raw[5],
		Type:          binary.BigEndian.Uint16(raw[6:8]),
		ArchNum:       binary.BigEndian.Uint16(raw[8:10]),
		Name:          string(name),
		OSNum:         binary.BigEndian.Uint16(raw[76:78]),
		SignatureType: binary.BigEndian.Uint16(raw[78:80]),
	}, nil
}

func (p *Package) str(tag Tag) string {
	s, _ := p.Header.String(tag)
	return s
}

func (p *Package) Name() string        { return p.str(TagName) }
func (p *Package) Version() string     { return p.str(TagVersion) }
func (p *Package) Release() string     { return p.str(TagRelease) }
func (p *Package) Summary() string     { return p.str(TagSummary) }
func (p *Package) Description() string { return p.str(TagDescription) }
func (p *Package) BuildHost() string   { return p.str(TagBuildHost) }
func (p *Package) Vendor() string      { return p.str(TagVendor) }
func (p *Package) License() string     { return p.str(TagLicense) }
func (p *Package) Packager() string    { return p.str(TagPackager) }
func (p *Package) Group() string       { return p.str(TagGroup) }
func (p *Package) URL() string         { return p.str(TagURL) }
func (p *Package) OS() string          { return p.str(TagOS) }
func (p *Package) Arch() string        { return p.str(TagArch) }

// Epoch returns the package epoch and whether one is set.
func (p *Package) Epoch() (int64, bool) { return p.Header.Int(TagEpoch) }

// BuildTime returns the build timestamp, or the zero time if the tag is missing.
func (p *Package) BuildTime() time.Time {
	if t, ok := p.Header.Int(TagBuildTime); ok {
		return time.Unix(t, 0).UTC()
	}
	return time.Time{}
}

// InstalledSize returns the sum of all file sizes as recorded by rpmbuild.
func (p *Package) InstalledSize() int64 {
	if size, ok := p.Header.Int(TagLongSize); ok {
		return size
	}
	size, _ := p.Header.Int(TagSize)
	return size
}

// EVR returns the version in rpm's [epoch:]version-release notation.
func (p *Package) EVR() string {
	evr := p.Version()
	if release := p.Release(); release != "" {
		evr += "-" + release
	}
	if epoch, ok := p.Epoch(); ok {
		evr = fmt.Sprintf("%d:%s", epoch, evr)
	}
	return evr
}

// NVRA returns the canonical name-version-release.arch string.
func (p *Package) NVRA() string {
	return fmt.Sprintf("%s-%s-%s.%s", p.Name(), p.Version(), p.Release(), p.Arch())
}

// PayloadFormat returns the payload archive format. Packages built before the tag
// existed always carry cpio.
func (p *Package) PayloadFormat() string {
	if f := p.str(TagPayloadFormat); f != "" {
		return f
	}
	return "cpio"
}

// PayloadCompressor returns the compressor named in the header, or an empty string.
func (p *Package) PayloadCompressor() string { return p.str(TagPayloadCompressor) }

// Requires returns the dependencies of the package.
func (p *Package) Requires() ([]Dependency, error) {
	return p.dependencies(TagRequireName, TagRequireVersion, TagRequireFlags)
}

// Provides returns the capabilities the package provides.
func (p *Package) Provides() ([]Dependency, error) {
	return p.dependencies(TagProvideName, TagProvideVersion, TagProvideFlags)
}

func (p *Package) dependencies(nameTag, versionTag, flagsTag Tag) ([]Dependency, error) {
	names, err := p.Header.StringArray(nameTag)
	if err != nil {
		return nil, err
	}
	versions, err := p.Header.StringArray(versionTag)
	if err != nil {
		return nil, err
	}
	flags, err := p.Header.Int32s(flagsTag)
	if err != nil {
		return nil, err
	}
	deps := make([]Dependency, len(names))
	for i, name := range names {
		deps[i].Name = name
		if i < len(versions) {
			deps[i].Version = versions[i]
		}
		if i < len(flags) {
			deps[i].Flags = flags[i]
		}
	}
	return deps, nil
}

var packagerEmail = regexp.MustCompile(`<([^<>@\s]+@[^<>\s]+)>`)

// PackagerEmail extracts an e-mail address from the Packager tag, which is
// conventionally written as "Full Name <user@example.com>".
func (p *Package) PackagerEmail() string {
	if m := packagerEmail.FindStringSubmatch(p.Packager()); m != nil {
		return m[1]
	}
	return ""
}
