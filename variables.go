package rpm2sysvpkg

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/cendio/rpm2sysvpkg/sysv"
)

type StringMap map[string]string

var templateFuncs = template.FuncMap{
	"replace": func(from, to, input string) string { return strings.Replace(input, from, to, -1) },
	"trim":    func(input string) string { return strings.Trim(input, " \r\n\t") },
	"split":   func(sep, input string) []string { return strings.Split(input, sep) },
	"join":    func(sep string, input []string) string { return strings.Join(input, sep) },
	"upper":   func(input string) string { return strings.ToUpper(input) },
	"lower":   func(input string) string { return strings.ToLower(input) },
	"title":   func(input string) string { return strings.ToTitle(input) },
	"default": func(def, input string) string {
		if input == "" {
			return def
		}
		return input
	},
	// sysvname turns an rpm name into a valid package abbreviation.
	"sysvname": sysv.SanitizePkgAbbrev,
}

// ExpandVariables takes a string with template variables like {{.var}} and expands them
// with the given map. Variables missing from the map expand to an empty string. On a
// template error the string is returned unchanged.
func ExpandVariables(str string, variables StringMap) (expanded string) {
	if !strings.Contains(str, "{{") {
		return str
	}
	templ, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(str)
	if err != nil {
		Logger.WithError(err).Warnf("Invalid string template: %q", str)
		return str
	}
	var buf bytes.Buffer
	err = templ.Execute(&buf, map[string]string(variables))
	if err != nil {
		Logger.WithError(err).Warnf("Error executing template: %q", str)
		return str
	}
	return buf.String()
}

// MergeVariables combines several variable maps into a single one. Duplicate keys will
// be overridden by the value in the last map which has the key.
func MergeVariables(varMaps ...StringMap) StringMap {
	merged := make(StringMap)
	for _, vars := range varMaps {
		for k, v := range vars {
			merged[k] = v
		}
	}
	return merged
}
