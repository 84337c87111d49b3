package postgres

import (
	"strconv"
	"strings"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// maxParams is PostgreSQL's limit on bind parameters per statement.
const maxParams = 65535

func qualify(schema, table string) string {
	return store.QuoteIdentifier(schema) + "." + store.QuoteIdentifier(table)
}

// insertChunkSize is how many rows of the given width fit in one statement.
func insertChunkSize(cols int) int {
	if cols <= 0 {
		return 1
	}
	return max(maxParams/cols, 1)
}

// buildInsert returns a multi-row INSERT with n rows of placeholders.
func buildInsert(target string, cols []string, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(target)
	b.WriteString(" (")
	b.WriteString(strings.Join(store.QuoteColumns(cols), ", "))
	b.WriteString(") VALUES ")
	p := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(p))
			p++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// buildUpdate sets setCols by position, then matches pkCols.
func buildUpdate(target string, setCols, pkCols []string) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(target)
	b.WriteString(" SET ")
	p := 1
	for i, c := range setCols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(store.QuoteIdentifier(c))
		b.WriteString(" = $")
		b.WriteString(strconv.Itoa(p))
		p++
	}
	b.WriteString(" WHERE ")
	for i, c := range pkCols {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(store.QuoteIdentifier(c))
		b.WriteString(" = $")
		b.WriteString(strconv.Itoa(p))
		p++
	}
	return b.String()
}

func buildSelect(target string, pk []string) string {
	q := "SELECT * FROM " + target
	if len(pk) > 0 {
		q += " ORDER BY " + strings.Join(store.QuoteColumns(pk), ", ")
	}
	return q
}
