package utils

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	richPolicy  = bluemonday.UGCPolicy()
	plainPolicy = bluemonday.StrictPolicy()
)

// Sanitize cleans HTML content to prevent XSS attacks while keeping safe formatting.
func Sanitize(input string) string {
	return strings.TrimSpace(richPolicy.Sanitize(input))
}

// PlainText strips all markup, for names, subjects and other single-line fields.
// Entities are decoded only while decoding reveals no further markup, so
// escaped tags cannot come back as real ones.
func PlainText(input string) string {
	s := input
	for i := 0; i < 4; i++ {
		next := html.UnescapeString(plainPolicy.Sanitize(s))
		if next == s {
			return strings.TrimSpace(s)
		}
		s = next
	}
	return strings.TrimSpace(plainPolicy.Sanitize(s))
}
