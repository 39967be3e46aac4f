package rpm2sysvpkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandVariables(t *testing.T) {
	vars := StringMap{"name": "perl-Foo_Bar", "vendor": "", "version": "1.2"}
	for _, tc := range []struct{ in, out string }{
		{"plain", "plain"},
		{"{{.name}}-{{.version}}", "perl-Foo_Bar-1.2"},
		{"{{.name | sysvname}}", "perl-Foo-Bar"},
		{"{{.name | upper}}", "PERL-FOO_BAR"},
		{"{{.vendor | default \"unknown\"}}", "unknown"},
		{"[{{.missing}}]", "[]"},
		{"{{.name", "{{.name"},
		{"{{replace \"_\" \"+\" .name}}", "perl-Foo+Bar"},
	} {
		assert.Equal(t, tc.out, ExpandVariables(tc.in, vars), tc.in)
	}
}

func TestMergeVariables(t *testing.T) {
	merged := MergeVariables(StringMap{"a": "1", "b": "1"}, StringMap{"b": "2"}, nil)
	assert.Equal(t, StringMap{"a": "1", "b": "2"}, merged)
}
