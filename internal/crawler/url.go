package crawler

import (
	"strings"
)

const upperhex = "0123456789ABCDEF"

const (
	pathSafe  = "/%"
	querySafe = ":&="
)

// NormalizeURL percent-encodes the path and query of rawURL independently so
// remote servers never see raw spaces, parentheses or non-ASCII bytes. The
// path keeps '/' and '%', so normalizing a path twice is a no-op. The query
// keeps only ':', '&' and '='; a literal '%' or '+' there is escaped, so a
// query is not idempotent under repeated normalization. Scheme, host and
// fragment are left untouched.
func NormalizeURL(rawURL string) string {
	rest := strings.TrimSpace(rawURL)
	fragment := ""
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest, fragment = rest[:i], rest[i:]
	}
	query := ""
	hasQuery := false
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query, hasQuery = rest[:i], rest[i+1:], true
	}
	prefix, path := splitAuthority(rest)

	var b strings.Builder
	b.Grow(len(rawURL) + 16)
	b.WriteString(prefix)
	b.WriteString(escape(path, pathSafe))
	if hasQuery {
		b.WriteByte('?')
		b.WriteString(escape(query, querySafe))
	}
	b.WriteString(fragment)
	return b.String()
}

// splitAuthority separates "scheme://host" from the path.
func splitAuthority(s string) (string, string) {
	i := strings.Index(s, "://")
	if i < 0 {
		return "", s
	}
	hostStart := i + 3
	j := strings.IndexByte(s[hostStart:], '/')
	if j < 0 {
		return s, ""
	}
	return s[:hostStart+j], s[hostStart+j:]
}

func escape(s, safe string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) || strings.IndexByte(safe, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
