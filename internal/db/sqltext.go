package db

import (
	"strconv"
	"strings"
)

// Dialect selects placeholder syntax for a driver.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// CountPlaceholders returns the number of `?` parameter placeholders in a
// SQL text, ignoring question marks inside string literals, quoted
// identifiers, and comments. It is a pure function over the text so the
// executor's parameter-list length can be tested without a driver.
func CountPlaceholders(query string) int {
	n := 0
	scanSQL(query, func(b byte, _ int) {
		if b == '?' {
			n++
		}
	})
	return n
}

// Rebind rewrites `?` placeholders for the dialect: sqlite keeps them,
// postgres gets ordinal `$1..$N` parameters.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	last := 0
	n := 0
	scanSQL(query, func(c byte, i int) {
		if c != '?' {
			return
		}
		n++
		b.WriteString(query[last:i])
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
		last = i + 1
	})
	if last == 0 {
		return query
	}
	b.WriteString(query[last:])
	return b.String()
}

// scanSQL walks the query byte-wise and calls fn only for bytes in plain
// SQL, skipping the bodies of '...' and "..." literals, `--` line comments
// and `/* */` block comments. Doubled quotes inside literals are handled.
func scanSQL(query string, fn func(b byte, i int)) {
	const (
		plain = iota
		single
		double
		lineComment
		blockComment
	)
	state := plain
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch state {
		case plain:
			switch {
			case c == '\'':
				state = single
			case c == '"':
				state = double
			case c == '-' && i+1 < len(query) && query[i+1] == '-':
				state = lineComment
				i++
			case c == '/' && i+1 < len(query) && query[i+1] == '*':
				state = blockComment
				i++
			default:
				fn(c, i)
			}
		case single:
			if c == '\'' {
				if i+1 < len(query) && query[i+1] == '\'' {
					i++ // escaped quote
				} else {
					state = plain
				}
			}
		case double:
			if c == '"' {
				if i+1 < len(query) && query[i+1] == '"' {
					i++
				} else {
					state = plain
				}
			}
		case lineComment:
			if c == '\n' {
				state = plain
			}
		case blockComment:
			if c == '*' && i+1 < len(query) && query[i+1] == '/' {
				state = plain
				i++
			}
		}
	}
}

// QuoteIdent quotes an identifier (table or column name) with double
// quotes, doubling embedded quotes. Works for both supported dialects.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
