package actions

import (
	"strings"
	"testing"
	"unicode"
)

func TestSanitizeFileName_Idempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"Joseph Heller - Catch-22",
		"  .leading and trailing.  ",
		"slash/back\\slash:colon*star?",
		strings.Repeat("long title ", 30),
		"Ünïcödé — tîtle…",
		"",
	}
	for _, in := range inputs {
		once := SanitizeFileName(in)
		twice := SanitizeFileName(once)
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestSanitizeFileName_Constraints(t *testing.T) {
	t.Parallel()
	out := SanitizeFileName(strings.Repeat("a?b ", 60) + " ..")
	if n := len([]rune(out)); n > 100 {
		t.Fatalf("length %d > 100", n)
	}
	if strings.HasPrefix(out, " ") || strings.HasPrefix(out, ".") ||
		strings.HasSuffix(out, " ") || strings.HasSuffix(out, ".") {
		t.Fatalf("leading/trailing dot or space in %q", out)
	}
	for _, r := range out {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune(allowedPunctuation, r) {
			t.Fatalf("disallowed rune %q in %q", r, out)
		}
	}
}

func TestSanitizeFileName_DropsForbiddenRunes(t *testing.T) {
	t.Parallel()
	got := SanitizeFileName(`a/b\c:d*e?f"g<h>i|j`)
	if got != "abcdefghij" {
		t.Fatalf("got %q, want abcdefghij", got)
	}
}

func TestMakeFileName(t *testing.T) {
	t.Parallel()
	got := MakeFileName("Joseph Heller", "Catch-22", "abcdef1234567890")
	want := "Joseph Heller - Catch-22 abcdef12"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// No author: no separator either.
	got = MakeFileName("", "Catch-22", "ab")
	if got != "Catch-22 ab" {
		t.Fatalf("got %q", got)
	}
}
