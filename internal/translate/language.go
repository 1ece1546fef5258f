package translate

import (
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var englishNames = display.Languages(language.English)

// DisplayName renders a stored language for the prompt. BCP 47 tags such as
// "es" or "pt-br" become English names; free-form names pass through.
func DisplayName(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	if name := englishNames.Name(tag); name != "" {
		return name
	}
	return lang
}
