package prompt

import "strings"

// Language is a normalised language code with its display label.
type Language struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

const fallbackLanguage = "en"

var languageAliases = map[string]string{
	"en":      "en",
	"en-us":   "en",
	"en-gb":   "en",
	"zh":      "zh",
	"zh-cn":   "zh",
	"zh-hans": "zh",
}

var languageLabels = map[string]string{
	"en": "English",
	"zh": "简体中文",
}

// NormalizeLanguage maps a client language code onto a supported one (en or zh).
func NormalizeLanguage(code string) string {
	if normalized, ok := languageAliases[strings.ToLower(strings.TrimSpace(code))]; ok {
		return normalized
	}
	return fallbackLanguage
}

// ResolveLanguage returns the normalised code and its label.
func ResolveLanguage(code string) Language {
	normalized := NormalizeLanguage(code)
	return Language{Code: normalized, Label: languageLabels[normalized]}
}
