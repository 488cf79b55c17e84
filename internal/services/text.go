package services

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// NormalizeText canonicalizes a message body: NFC, unix newlines, at most one
// blank line in a row, trimmed.
func NormalizeText(raw string) string {
	s := norm.NFC.String(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Preview shortens text for list and notification display.
func Preview(text string, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:maxRunes])) + "…"
}

func validateText(text string, maxRunes int) error {
	if text == "" {
		return ErrEmptyText
	}
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		return ErrTooLong
	}
	return nil
}
