package dbx

import (
	"strconv"
	"strings"
)

// Bind rewrites a query written with "?" placeholders for a given driver.
type Bind func(query string) string

// BindQuestion leaves the query unchanged (SQLite).
func BindQuestion(query string) string { return query }

// BindDollar rewrites "?" placeholders as $1, $2, ... (PostgreSQL).
// Question marks inside single-quoted literals are left alone.
func BindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
