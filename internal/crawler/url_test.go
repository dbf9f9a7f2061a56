package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"clean url untouched", "https://example.gov/a/b.aspx?x=1&y=2", "https://example.gov/a/b.aspx?x=1&y=2"},
		{"spaces and parens in path", "https://example.gov/Gazette (2020)/a b.pdf", "https://example.gov/Gazette%20%282020%29/a%20b.pdf"},
		{"existing escapes kept in path", "https://example.gov/a%20b.pdf", "https://example.gov/a%20b.pdf"},
		{"query keeps separators", "http://example.gov/s?d=01/02/2020&t=1:2", "http://example.gov/s?d=01%2F02%2F2020&t=1:2"},
		{"query spaces", "http://example.gov/s?q=a b", "http://example.gov/s?q=a%20b"},
		{"query escapes percent and plus", "http://h/a b(1).pdf?q=100%&r=a+b&s=x/y", "http://h/a%20b%281%29.pdf?q=100%25&r=a%2Bb&s=x%2Fy"},
		{"query escapes are re-encoded", "http://example.gov/s?q=a%20b", "http://example.gov/s?q=a%2520b"},
		{"fragment preserved", "http://example.gov/p (1)#top", "http://example.gov/p%20%281%29#top"},
		{"host only", "http://example.gov", "http://example.gov"},
		{"non ascii", "http://example.gov/राजपत्र.pdf", "http://example.gov/%E0%A4%B0%E0%A4%BE%E0%A4%9C%E0%A4%AA%E0%A4%A4%E0%A5%8D%E0%A4%B0.pdf"},
		{"trims whitespace", "  http://example.gov/a  ", "http://example.gov/a"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NormalizeURL(tc.input))
		})
	}
}

func TestNormalizeURLPathIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"https://example.gov/Gazette (2020)/a b.pdf",
		"http://example.gov/s/01/02/2020/t:1+3.pdf#top",
	}
	for _, in := range inputs {
		once := NormalizeURL(in)
		require.Equal(t, once, NormalizeURL(once))
	}
}

func FuzzNormalizeURL(f *testing.F) {
	f.Add("http://example.gov/a b")
	f.Add("https://x/%zz")
	f.Fuzz(func(t *testing.T, in string) {
		if strings.ContainsAny(in, "?#") {
			t.Skip("query encoding is not idempotent")
		}
		once := NormalizeURL(in)
		if NormalizeURL(once) != once {
			t.Errorf("NormalizeURL not idempotent for %q", in)
		}
	})
}
