package sqlutil

import (
	"strconv"
	"strings"
)

// Rebind rewrites ? placeholders into the $N form Postgres requires.
// Queries are written with ? so the same statements run on SQLite unchanged.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
