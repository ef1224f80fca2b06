// Package listing validates book captions and renders them as channel posts.
package listing

import (
	"errors"
	"strings"
)

const (
	// FieldCount is the number of caption lines a listing needs.
	FieldCount = 8
	// MaxCaptionLength is Telegram's limit for a media caption, in UTF-16
	// code units of the text left after HTML parsing.
	MaxCaptionLength = 1024
)

var (
	// ErrNoCaption is returned when a submission carries no text at all.
	ErrNoCaption = errors.New("listing: no caption")
	// ErrTooFewLines is returned when the caption has fewer than FieldCount non-blank lines.
	ErrTooFewLines = errors.New("listing: caption has fewer than 8 lines")
	// ErrTooLong is returned when the rendered post exceeds MaxCaptionLength.
	ErrTooLong = errors.New("listing: rendered post exceeds caption limit")
)

// Fields are the eight positional caption lines of a listing.
type Fields struct {
	Title     string
	Author    string
	Pages     string
	Condition string
	Cover     string
	Year      string
	Notes     string
	Price     string
}

// Parse splits caption into lines, trims them, drops blank ones and maps the
// first eight positionally. Lines past the eighth are ignored. Field contents
// are not otherwise validated.
func Parse(caption string) (Fields, error) {
	if strings.TrimSpace(caption) == "" {
		return Fields{}, ErrNoCaption
	}

	lines := make([]string, 0, FieldCount)
	for _, line := range strings.Split(caption, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == FieldCount {
			break
		}
	}
	if len(lines) < FieldCount {
		return Fields{}, ErrTooFewLines
	}

	return Fields{
		Title:     lines[0],
		Author:    lines[1],
		Pages:     lines[2],
		Condition: lines[3],
		Cover:     lines[4],
		Year:      lines[5],
		Notes:     lines[6],
		Price:     lines[7],
	}, nil
}

// Canonical returns the stored form of the listing: the eight fields joined by newlines.
// Parse(f.Canonical()) returns f for any f produced by Parse.
func (f Fields) Canonical() string {
	return strings.Join(f.values(), "\n")
}

func (f Fields) values() []string {
	return []string{f.Title, f.Author, f.Pages, f.Condition, f.Cover, f.Year, f.Notes, f.Price}
}

// Title returns the title of stored listing text. Text that does not parse
// yields its first non-blank line.
func Title(text string) string {
	if f, err := Parse(text); err == nil {
		return f.Title
	}
	title, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(title)
}
