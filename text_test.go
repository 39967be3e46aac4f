package rpm2sysvpkg

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFoldASCII(t *testing.T) {
	assert.Equal(t, "Peter Astrand", foldASCII("Peter Åstrand"))
	assert.Equal(t, "naive cafe", foldASCII("naïve café"))
	assert.Equal(t, "a?b", foldASCII("a\tb"))
	assert.Equal(t, "??", foldASCII("日本"))
}

func TestSingleLine(t *testing.T) {
	assert.Equal(t, "one two three", singleLine("one\n two\t\tthree\n", 100))
	assert.Equal(t, "one", singleLine("one two", 4))
	assert.Equal(t, "ab", singleLine("abå", 3), "multi-byte runes are not split")
}

func TestFirstParagraph(t *testing.T) {
	assert.Equal(t, "First line\ncontinued.", firstParagraph("\nFirst line\ncontinued.\n\nSecond."))
	assert.Equal(t, "Only", firstParagraph("Only\r\n"))
}

func TestSingleLineProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		maxLen := rapid.IntRange(1, 64).Draw(t, "maxLen")
		line := singleLine(s, maxLen)
		if len(line) > maxLen {
			t.Fatalf("%q is longer than %d", line, maxLen)
		}
		if strings.ContainsAny(line, "\r\n") {
			t.Fatalf("%q spans lines", line)
		}
		if utf8.ValidString(s) && !utf8.ValidString(line) {
			t.Fatalf("%q is not valid UTF-8", line)
		}
	})
}

func TestFoldASCIIProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		folded := foldASCII(rapid.String().Draw(t, "s"))
		for _, r := range folded {
			if r < 0x20 || r > 0x7e {
				t.Fatalf("%q has non-printable %U", folded, r)
			}
		}
	})
}
