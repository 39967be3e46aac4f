package rpm2sysvpkg

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxPkgInfoValue is the longest value pkgadd accepts for NAME and DESC.
const maxPkgInfoValue = 256

// foldASCII strips accents and replaces what remains outside printable ASCII with '?'.
func foldASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '?'
		}
		return r
	}, folded)
}

// singleLine joins the lines of s with single spaces and cuts it to maxLen bytes without
// splitting a UTF-8 sequence.
func singleLine(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func utf8RuneStart(b byte) bool { return b&0xc0 != 0x80 }

// firstParagraph returns the text of s up to its first blank line.
func firstParagraph(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return s[:i]
	}
	return s
}
