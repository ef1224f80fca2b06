package listing

import (
	"html"
	"regexp"
	"unicode/utf16"

	"bookbot/internal/locales"

	"github.com/nicksnyder/go-i18n/v2/i18n"
)

const postBodyMessageID = "PostBody"

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// Formatter renders listings with the localized post template.
// Output is meant for Telegram's HTML parse mode.
type Formatter struct {
	localizer *i18n.Localizer
	contact   string
}

// NewFormatter creates a Formatter for lang. An empty contact omits the contact line.
// locales.Init must have been called.
func NewFormatter(lang, contact string) *Formatter {
	return &Formatter{
		localizer: locales.NewLocalizer(lang),
		contact:   contact,
	}
}

// Format renders f as a channel post body.
func (p *Formatter) Format(f Fields) string {
	data := map[string]interface{}{
		"Title":     html.EscapeString(f.Title),
		"Author":    html.EscapeString(f.Author),
		"Pages":     html.EscapeString(f.Pages),
		"Condition": html.EscapeString(f.Condition),
		"Cover":     html.EscapeString(f.Cover),
		"Year":      html.EscapeString(f.Year),
		"Notes":     html.EscapeString(f.Notes),
		"Price":     html.EscapeString(f.Price),
		"Contact":   html.EscapeString(p.contact),
	}
	return locales.GetMessage(p.localizer, postBodyMessageID, data, nil)
}

// CaptionLength measures an HTML post body the way Telegram does for its
// caption limit: tags removed, entities decoded, UTF-16 code units counted.
func CaptionLength(body string) int {
	text := html.UnescapeString(htmlTag.ReplaceAllString(body, ""))
	return len(utf16.Encode([]rune(text)))
}
