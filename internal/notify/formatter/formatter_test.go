package formatter_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bmkg-alert/alertd/internal/notify/formatter"
)

func TestTruncate(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short string unchanged", "Hujan di Alian", 500, "Hujan di Alian"},
		{"exact limit unchanged", "abcde", 5, "abcde"},
		{"over limit cut with ellipsis", "abcdefghij", 8, "abcde..."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatter.Truncate(tc.in, tc.limit); got != tc.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
			}
		})
	}
}

func TestTruncate_CountsRunesNotBytes(t *testing.T) {
	// 10 runes, 30 bytes: a byte-based cut inside this string would split a
	// character and produce invalid UTF-8.
	in := strings.Repeat("⚠", 10)

	got := formatter.Truncate(in, 8)
	if !utf8.ValidString(got) {
		t.Fatalf("Truncate produced invalid UTF-8: %q", got)
	}
	if want := strings.Repeat("⚠", 5) + "..."; got != want {
		t.Errorf("Truncate = %q, want %q", got, want)
	}

	// Under the rune limit despite being over it in bytes: unchanged.
	if got := formatter.Truncate(in, 10); got != in {
		t.Errorf("Truncate cut a string within its rune limit: %q", got)
	}
}

func TestFormatTime(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "-"},
		{"2026-02-17T19:55:00+07:00", "2026-02-17 19:55 WIB"},
		{"2026-02-17T20:55:00+08:00", "2026-02-17 20:55 WITA"},
		{"2026-02-17T21:55:00+09:00", "2026-02-17 21:55 WIT"},
		{"not-a-timestamp", "not-a-timestamp"},
	}
	for _, tc := range cases {
		if got := formatter.FormatTime(tc.in); got != tc.want {
			t.Errorf("FormatTime(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
