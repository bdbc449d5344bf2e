package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// timeLayout is fixed-width down to the millisecond so that stored
// timestamps compare chronologically as text inside sqlite.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders a timestamp the way this store persists it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a timestamp in any of the formats the store (or an
// imported package database) may hold.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		timeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Int64 reads an integer column, tolerating the numeric types the driver
// may hand back. Missing or NULL columns read as zero.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		var n int64
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

// Float64 reads a real column. Missing or NULL columns read as zero.
func (r Row) Float64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// String reads a text column. Missing or NULL columns read as "".
func (r Row) String(col string) string {
	if v, ok := r[col].(string); ok {
		return v
	}
	return ""
}

// Time reads a timestamp column. Missing, NULL or unparseable values read
// as the zero time.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case string:
		if t, err := ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// NullTime reads a nullable timestamp column.
func (r Row) NullTime(col string) sql.NullTime {
	t := r.Time(col)
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// NullInt64 reads a nullable integer column.
func (r Row) NullInt64(col string) sql.NullInt64 {
	if r[col] == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: r.Int64(col), Valid: true}
}

// StringList reads a column holding a JSON array of strings. Malformed or
// NULL values read as nil.
func (r Row) StringList(col string) []string {
	s := r.String(col)
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
