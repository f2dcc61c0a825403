package dexcom

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Row is one warehouse row in destination column order: identity, partition
// date, then the spec's columns. Missing or unparsable values are nil.
type Row []any

// Normalize projects raw vendor records onto spec's column list. It is a pure
// function: deterministic, order-preserving, no I/O. Every output row has
// exactly len(spec.Columns)+2 values; source fields outside the spec are
// dropped, nested objects are flattened to dotted paths before projection.
func Normalize(records []RawRecord, spec EndpointSpec, identity string, partition time.Time) []Row {
	y, m, d := partition.UTC().Date()
	partition = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		flat := flatten(rec)

		row := make(Row, 0, len(spec.Columns)+2)
		row = append(row, identity, partition)
		for _, col := range spec.Columns {
			row = append(row, coerce(flat[col.Source], col.Type))
		}
		rows = append(rows, row)
	}
	return rows
}

// flatten collapses nested objects into dotted keys ("user" -> "age" becomes
// "user.age") so specs can address nested vendor fields with one source name.
func flatten(rec RawRecord) map[string]any {
	out := make(map[string]any, len(rec))
	flattenInto(out, "", rec)
	return out
}

func flattenInto(out map[string]any, prefix string, rec map[string]any) {
	for k, v := range rec {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// coerce converts a decoded JSON value to the declared column type. A value
// the type cannot represent becomes nil rather than failing the row.
func coerce(v any, t ColumnType) any {
	if v == nil {
		return nil
	}
	switch t {
	case TypeString:
		switch s := v.(type) {
		case string:
			return s
		case json.Number:
			return s.String()
		case bool:
			return strconv.FormatBool(s)
		case float64:
			return fmt.Sprintf("%v", s)
		}
		return nil
	case TypeFloat:
		return coerceFloat(v)
	case TypeInteger:
		return coerceInt(v)
	case TypeDatetime:
		return parseTimestamp(v, timestampLayouts)
	case TypeDate:
		return parseTimestamp(v, dateLayouts)
	}
	return nil
}

func coerceFloat(v any) any {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case float64:
		return n
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return nil
}

func coerceInt(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(n)
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return nil
}

// The vendor emits zone-less timestamps ("2023-04-02T09:15:00"); RFC3339 is
// accepted as well since some fields carry offsets.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	dateLayout,
}

var dateLayouts = []string{
	dateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

func parseTimestamp(v any, layouts []string) any {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return nil
}

// SnakeCase rewrites a vendor field name to the warehouse convention:
// camelCase to lower_snake_case, dots and dashes to underscores, so
// "systemTime" becomes "system_time" and "user.dateOfBirth" becomes
// "user_date_of_birth".
func SnakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)

	prevSep := true
	prevLower := false
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '.' || r == '-' || r == ' ' || r == '_':
			if !prevSep {
				b.WriteByte('_')
			}
			prevSep = true
			prevLower = false
		case unicode.IsUpper(r):
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !prevSep && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevSep = false
			prevLower = false
		default:
			b.WriteRune(r)
			prevSep = false
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}
