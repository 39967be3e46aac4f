package rpm2sysvpkg

import (
	"regexp"
	"sort"

	"github.com/cloudfoundry/jibber_jabber"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v2"
)

const (
	DefaultLanguage string = "en"
	displayKey             = "_language_display"
)

var (
	languageFileFilter = regexp.MustCompile(`\.ya?ml$`)
	languageFileTag    = regexp.MustCompile(`.*/([^/]+)\.ya?ml`)
)

// Translator looks up localized command line messages.
type Translator struct {
	language    string
	langStrings map[string]StringMap
	variables   StringMap
}

// NewTranslatorVar returns a Translator with a variable lookup. It reads every yaml file
// inside the languages folder of the resources box and picks the language matching the
// system locale.
func NewTranslatorVar(variables StringMap) (*Translator, error) {
	languageFiles, err := GetResourceFiltered("languages", languageFileFilter)
	if err != nil {
		return nil, err
	}
	languages := make(map[string]StringMap)
	for filename, content := range languageFiles {
		languageTag := languageFileTag.ReplaceAllString(filename, "$1")
		langStrings := make(StringMap)
		if err := yaml.Unmarshal([]byte(content), langStrings); err != nil {
			Logger.WithError(err).Warnf("Unable to parse language file %s", filename)
			continue
		}
		languages[languageTag] = langStrings
	}
	t := &Translator{
		langStrings: languages,
		variables:   variables,
	}
	if err := t.SetLanguage(t.getLocale()); err != nil {
		if err := t.SetLanguage(DefaultLanguage); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Get returns the localized string for a given string key.
//
// The strings may contain template references to variables, which in turn may contain
// template references back to message strings. Only one round-trip of string ->
// variable -> string lookup is performed.
func (t *Translator) Get(key string) string {
	return t.expand(t.getRaw(key, t.language), t.language, nil)
}

// GetWith is like Get, with extra variables for this one message.
func (t *Translator) GetWith(key string, variables StringMap) string {
	return t.expand(t.getRaw(key, t.language), t.language, variables)
}

// GetLanguage returns the identifier (e.g. "en") for the current language.
func (t *Translator) GetLanguage() string { return t.language }

// GetLanguageDisplay returns the name of a language in that language.
func (t *Translator) GetLanguageDisplay(language string) string {
	return t.langStrings[language][displayKey]
}

// GetLanguages returns a list of identifiers for all available languages. The default
// language (if it has strings available) will be the first in the list, the rest is
// sorted alphabetically.
func (t *Translator) GetLanguages() (languages []string) {
	hasDefault := false
	for lang := range t.langStrings {
		if lang != DefaultLanguage {
			languages = append(languages, lang)
		} else {
			hasDefault = true
		}
	}
	sort.Strings(languages)
	if hasDefault {
		languages = append([]string{DefaultLanguage}, languages...)
	}
	return languages
}

// SetLanguage given a language code string (e.g.: "en"), sets the translator's
// language.
func (t *Translator) SetLanguage(language string) error {
	if _, ok := t.langStrings[language]; !ok {
		return errors.Errorf("no language %q", language)
	}
	t.language = language
	return nil
}

// getLocale returns the current system locale, as a language code string (e.g.: "en").
func (t *Translator) getLocale() string {
	languageTags := []language.Tag{language.Raw.Make(DefaultLanguage)}
	for _, languageTag := range t.GetLanguages() {
		if languageTag != DefaultLanguage && languageTag != "" {
			languageTags = append(languageTags, language.Raw.Make(languageTag))
		}
	}
	locale, err := jibber_jabber.DetectIETF()
	if err != nil {
		Logger.WithError(err).Debug("Unable to detect locale")
		return DefaultLanguage
	}
	match, index, _ := language.NewMatcher(languageTags).Match(language.Make(locale))
	Logger.Debugf("Locale %s matched language %s", locale, match)
	return languageTags[index].String()
}

// expand expands template variables in str with the translator's variables, which are
// first expanded with the strings of the given language, and the extra variables.
func (t *Translator) expand(str, language string, extra StringMap) string {
	if _, ok := t.langStrings[language]; !ok {
		language = DefaultLanguage
	}
	variables := make(StringMap, len(t.variables)+len(extra))
	for key, value := range t.variables {
		variables[key] = ExpandVariables(value, t.langStrings[language])
	}
	return ExpandVariables(str, MergeVariables(variables, extra))
}

// getRaw returns a localized string for a given string key in a given language, without
// template expansion. If the language doesn't have the string, then the default
// language is tried. If that fails as well, the key itself is returned.
func (t *Translator) getRaw(key, language string) string {
	if langStrings, ok := t.langStrings[language]; ok {
		if value, ok := langStrings[key]; ok {
			return value
		}
	}
	if langStrings, ok := t.langStrings[DefaultLanguage]; ok {
		if value, ok := langStrings[key]; ok {
			return value
		}
	}
	return key
}
