// Package value holds the scalar coercion helpers shared by the rule
// engine, filters and aggregation. All coercions are total: they either
// produce a value or report failure, never panic.
package value

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Row is a single object-shaped record as decoded from JSON.
type Row = map[string]any

// ToString renders a scalar as text. Null becomes the empty string,
// text passes through, everything else takes its canonical JSON form.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// FieldString looks a field up and renders it with ToString. A missing
// field renders the same as null.
func FieldString(row Row, field string) string {
	return ToString(row[field])
}

// ToFloat coerces a scalar to float64. Text values are trimmed and may
// carry comma thousands separators.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(t, ",", "")), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToInt coerces a scalar to int64 with the same text handling as
// ToFloat but constrained to integers.
func ToInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		n := int64(t)
		if float64(n) == t {
			return n, true
		}
		return 0, false
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(strings.ReplaceAll(t, ",", "")), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// ToBool coerces a scalar to bool. Text compares case-insensitively
// against the usual truthy/falsy tokens.
func ToBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
	}
	return false, false
}

// IsMissing reports whether a field value counts as absent: nil
// interface, JSON null, or text that is empty after trimming.
func IsMissing(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// Missing is IsMissing against a row lookup.
func Missing(row Row, field string) bool {
	v, ok := row[field]
	return IsMissing(v, ok)
}

// KeySep joins tuple keys for deduplication.
const KeySep = "|"

// GroupSep joins tuple keys for aggregation groups. The unit separator
// cannot appear in field text that went through JSON decoding of
// normal data, keeping composite keys collision-free.
const GroupSep = "\x1f"

// Key composes a tuple key from the textual form of the named fields.
func Key(row Row, fields []string, sep string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = ToString(row[f])
	}
	return strings.Join(parts, sep)
}
