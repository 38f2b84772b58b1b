package actions

import (
	"strings"
	"unicode"
)

// allowedPunctuation is the non-alphanumeric set kept in file names.
const allowedPunctuation = ` ,;.!(){}[]#$'-+@_`

// maxFileNameLen bounds the sanitized name, mostly because of Windows path
// limits.
const maxFileNameLen = 100

// SanitizeFileName strips name down to alphanumerics plus a small
// punctuation allow-list, caps the length, and trims leading/trailing dots
// and spaces. Idempotent.
func SanitizeFileName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if isAlnum(r) || strings.ContainsRune(allowedPunctuation, r) {
			sb.WriteRune(r)
		}
	}
	out := sb.String()
	if runes := []rune(out); len(runes) > maxFileNameLen {
		out = string(runes[:maxFileNameLen])
	}
	return strings.Trim(out, " .")
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// MakeFileName builds the output name (without extension) for one title:
// sanitized "Author - Title" plus a short product-id suffix to avoid
// collisions between titles with identical names.
func MakeFileName(author, title, productID string) string {
	name := title
	if author != "" {
		name = author + " - " + title
	}
	name = SanitizeFileName(name)
	suffix := productID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return name + " " + suffix
}
