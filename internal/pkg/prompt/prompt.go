// Package prompt provides the locale aware instruction texts that frame
// anonymized documents, and language detection for incoming text.
package prompt

import (
	_ "embed"

	"github.com/abadojack/whatlanggo"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

//go:embed prompts.yml
var promptsData []byte

// Set holds the instruction texts of one locale.
type Set struct {
	System string `yaml:"system"`
	Begin  string `yaml:"begin"`
	End    string `yaml:"end"`
}

type table struct {
	Default string         `yaml:"default"`
	Locales map[string]Set `yaml:"locales"`
}

var prompts table

func init() {
	if err := yaml.Unmarshal(promptsData, &prompts); err != nil {
		panic(errors.Wrap(err, "can't parse embedded prompts"))
	}
	if _, ok := prompts.Locales[prompts.Default]; !ok {
		panic("no prompt set for default language " + prompts.Default)
	}
}

// DefaultLang is the language used when detection fails or a
// language has no prompt set.
func DefaultLang() string {
	return prompts.Default
}

// Supported returns true if lang has its own prompt set.
func Supported(lang string) bool {
	_, ok := prompts.Locales[lang]
	return ok
}

// ForLang returns the prompt set for lang, falling back to the default
// language for unknown or empty values.
func ForLang(lang string) Set {
	if s, ok := prompts.Locales[lang]; ok {
		return s
	}
	return prompts.Locales[prompts.Default]
}

// Detect returns the two letter code of the detected language of text,
// restricted to the languages with a prompt set.
func Detect(text string) string {
	info := whatlanggo.Detect(text)
	if lang, ok := langCodes[info.Lang]; ok {
		return lang
	}
	return prompts.Default
}

var langCodes = map[whatlanggo.Lang]string{
	whatlanggo.Deu: "de",
	whatlanggo.Eng: "en",
	whatlanggo.Spa: "es",
	whatlanggo.Ita: "it",
	whatlanggo.Fra: "fr",
}

// Compose frames an anonymized text with the begin and end instructions
// of the given language.
func Compose(text, lang string) string {
	s := ForLang(lang)
	return s.Begin + "\n\n" + text + "\n\n" + s.End
}

// ReplaceWithLabels maps placeholder tokens to display labels. The current
// mapping is the identity, placeholders are shown as is.
func ReplaceWithLabels(text, lang string) string {
	return text
}
