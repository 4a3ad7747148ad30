package database

import (
	"encoding/json"
	"sort"
	"strings"
)

// InsertColumns returns the record's columns in deterministic order together
// with driver-ready values.
func InsertColumns(record map[string]any) ([]string, []any) {
	columns := make([]string, 0, len(record))
	for col := range record {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	values := make([]any, len(columns))
	for i, col := range columns {
		values[i] = DriverValue(record[col])
	}
	return columns, values
}

// BuildInsert assembles a dynamic-column INSERT for the given placeholder
// style ("?" for mysql/sqlite, "$1" for postgres, "@p1" for mssql).
func BuildInsert(table string, columns []string, placeholder func(i int) string) string {
	marks := make([]string, len(columns))
	for i := range columns {
		marks[i] = placeholder(i + 1)
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(marks, ", "))
	b.WriteString(")")
	return b.String()
}

// DriverValue converts decoded JSON values into types database/sql drivers
// accept. json.Number becomes int64 or float64; any leftover composite is
// serialized, though the pipeline normally does that before dispatch.
func DriverValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any, []any:
		buf, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(buf)
	default:
		return v
	}
}
