package db

import (
	"strconv"
	"strings"
)

// Dialect papers over the few SQL differences between the supported stores.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return DriverPostgres
	}
	return DriverSQLite
}

// Rebind rewrites '?' placeholders to '$n' for postgres. Placeholders inside
// single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
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

// ForUpdate returns the row-lock suffix for SELECTs inside a write
// transaction. SQLite already holds the database write lock (BEGIN IMMEDIATE).
func (d Dialect) ForUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}
