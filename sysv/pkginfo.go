package sysv

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Well-known pkginfo parameters.
const (
	ParamPKG      = "PKG"
	ParamName     = "NAME"
	ParamArch     = "ARCH"
	ParamVersion  = "VERSION"
	ParamCategory = "CATEGORY"
	ParamDesc     = "DESC"
	ParamVendor   = "VENDOR"
	ParamEmail    = "EMAIL"
	ParamHotline  = "HOTLINE"
	ParamPstamp   = "PSTAMP"
	ParamBasedir  = "BASEDIR"
	ParamClasses  = "CLASSES"
)

const (
	maxPkgAbbrevLen = 32
	maxValueLen     = 256
)

var (
	requiredParams = []string{ParamPKG, ParamName, ParamArch, ParamVersion, ParamCategory}
	reservedNames  = map[string]bool{"install": true, "new": true, "all": true}
	pkgAbbrev      = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+-]*$`)
	paramName      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// PkgInfo is the parameter file of a package. Parameters keep the order they were set
// in, which is the order they are written in.
type PkgInfo struct {
	keys   []string
	values map[string]string
}

// NewPkgInfo returns an empty PkgInfo.
func NewPkgInfo() *PkgInfo {
	return &PkgInfo{values: make(map[string]string)}
}

// Set sets a parameter, appending it if it is new.
func (p *PkgInfo) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value of a parameter, or an empty string.
func (p *PkgInfo) Get(key string) string { return p.values[key] }

// Lookup returns the value of a parameter and whether it is set.
func (p *PkgInfo) Lookup(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns the parameter names in file order.
func (p *PkgInfo) Keys() []string { return append([]string(nil), p.keys...) }

// Validate checks the rules pkgmk enforces: required parameters are present, the package
// abbreviation is valid, and values are single line.
func (p *PkgInfo) Validate() error {
	for _, key := range requiredParams {
		if v, ok := p.values[key]; !ok || v == "" {
			return errors.Wrapf(ErrInvalidPkgInfo, "missing %s", key)
		}
	}
	if err := ValidatePkgAbbrev(p.Get(ParamPKG)); err != nil {
		return err
	}
	if strings.HasPrefix(p.Get(ParamVersion), "(") {
		return errors.Wrapf(ErrInvalidPkgInfo, "VERSION may not begin with '(': %q", p.Get(ParamVersion))
	}
	for _, key := range p.keys {
		if !paramName.MatchString(key) {
			return errors.Wrapf(ErrInvalidPkgInfo, "bad parameter name %q", key)
		}
		v := p.values[key]
		if strings.ContainsAny(v, "\n\r") {
			return errors.Wrapf(ErrInvalidPkgInfo, "%s spans several lines", key)
		}
		if (key == ParamName || key == ParamVersion) && len(v) > maxValueLen {
			return errors.Wrapf(ErrInvalidPkgInfo, "%s longer than %d characters", key, maxValueLen)
		}
	}
	return nil
}

// ValidatePkgAbbrev checks a package abbreviation: it must start with a letter, consist
// of letters, digits, '+' and '-', be at most 32 characters long and not be one of the
// reserved names.
func ValidatePkgAbbrev(name string) error {
	switch {
	case name == "":
		return errors.Wrap(ErrInvalidPkgName, "empty")
	case len(name) > maxPkgAbbrevLen:
		return errors.Wrapf(ErrInvalidPkgName, "%q is longer than %d characters", name, maxPkgAbbrevLen)
	case !pkgAbbrev.MatchString(name):
		return errors.Wrapf(ErrInvalidPkgName, "%q", name)
	case reservedNames[name]:
		return errors.Wrapf(ErrInvalidPkgName, "%q is reserved", name)
	}
	return nil
}

// SanitizePkgAbbrev turns an arbitrary name into a valid package abbreviation by
// replacing forbidden characters, prefixing a letter if needed and truncating.
func SanitizePkgAbbrev(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '+', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := b.String()
	if s == "" || !(s[0] >= 'a' && s[0] <= 'z' || s[0] >= 'A' && s[0] <= 'Z') {
		s = "p" + s
	}
	if reservedNames[s] {
		s += "-pkg"
	}
	if len(s) > maxPkgAbbrevLen {
		s = s[:maxPkgAbbrevLen]
	}
	return s
}

// WriteTo writes the pkginfo file. Values containing whitespace or quotes are written
// in double quotes.
func (p *PkgInfo) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, key := range p.keys {
		n, err := fmt.Fprintf(w, "%s=%s\n", key, quoteValue(p.values[key]))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func quoteValue(v string) string {
	if v == "" || !strings.ContainsAny(v, " \t\"'\\$`") {
		return v
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`").Replace(v) + `"`
}

// ParsePkgInfo reads a pkginfo file. Blank lines and comments are skipped; surrounding
// quotes are removed from values.
func ParsePkgInfo(r io.Reader) (*PkgInfo, error) {
	p := NewPkgInfo()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		eq := strings.IndexByte(text, '=')
		if eq <= 0 {
			return nil, errors.Wrapf(ErrInvalidPkgInfo, "line %d: %q", line, text)
		}
		p.Set(strings.TrimSpace(text[:eq]), unquoteValue(strings.TrimSpace(text[eq+1:])))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read pkginfo")
	}
	return p, nil
}

func unquoteValue(v string) string {
	if len(v) < 2 {
		return v
	}
	switch {
	case v[0] == '"' && v[len(v)-1] == '"':
		inner := v[1 : len(v)-1]
		var b strings.Builder
		for i := 0; i < len(inner); i++ {
			if inner[i] == '\\' && i+1 < len(inner) {
				i++
			}
			b.WriteByte(inner[i])
		}
		return b.String()
	case v[0] == '\'' && v[len(v)-1] == '\'':
		return v[1 : len(v)-1]
	}
	return v
}
