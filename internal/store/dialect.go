package store

import (
	"slices"
	"strconv"
	"strings"
)

// dialect captures the SQL differences between the supported databases.
// Queries are written with ? placeholders and rebound per dialect.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
	dialectMySQL
)

func (d dialect) String() string {
	switch d {
	case dialectPostgres:
		return "postgres"
	case dialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// rebind rewrites ? placeholders to $1, $2, ... for postgres.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// forUpdate returns the row lock suffix for SELECTs inside a credit transaction.
// SQLite has no row locks; the single connection serialises writers instead.
func (d dialect) forUpdate() string {
	if d == dialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// upsert builds an insert that overwrites the update columns when key conflicts.
func (d dialect) upsert(table string, cols, key, update []string) string {
	var b strings.Builder
	b.WriteString(insertPrefix(table, cols))
	if d == dialectMySQL {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		for i, c := range update {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c + " = VALUES(" + c + ")")
		}
		return b.String()
	}
	b.WriteString(" ON CONFLICT(" + strings.Join(key, ", ") + ") DO UPDATE SET ")
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c + " = excluded." + c)
	}
	return b.String()
}

// insertIgnore builds an insert that silently skips rows conflicting on key.
func (d dialect) insertIgnore(table string, cols, key []string) string {
	if d == dialectMySQL {
		return "INSERT IGNORE" + strings.TrimPrefix(insertPrefix(table, cols), "INSERT")
	}
	return insertPrefix(table, cols) + " ON CONFLICT(" + strings.Join(key, ", ") + ") DO NOTHING"
}

func insertPrefix(table string, cols []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + marks + ")"
}

// without returns cols minus the named columns.
func without(cols []string, drop ...string) []string {
	return slices.DeleteFunc(slices.Clone(cols), func(c string) bool {
		return slices.Contains(drop, c)
	})
}
