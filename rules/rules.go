// Package rules models the declarative rule set applied by the row
// engine: renames, casts, filters, projections, dedup, sort and an
// optional aggregate, plus the line-oriented DSL that compiles into it.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Set is the structured rule set. The zero value applies no rules.
type Set struct {
	NullValues      []string          `json:"null_values,omitempty"`
	TrimStrings     *bool             `json:"trim_strings,omitempty"`
	RenameMap       map[string]string `json:"rename_map,omitempty"`
	Casts           map[string]string `json:"casts,omitempty"`
	Filters         []Filter          `json:"filters,omitempty"`
	RequiredFields  []string          `json:"required_fields,omitempty"`
	DefaultValues   map[string]any    `json:"default_values,omitempty"`
	IncludeFields   []string          `json:"include_fields,omitempty"`
	ExcludeFields   []string          `json:"exclude_fields,omitempty"`
	DeduplicateBy   []string          `json:"deduplicate_by,omitempty"`
	DeduplicateKeep string            `json:"deduplicate_keep,omitempty"`
	SortBy          []SortKey         `json:"sort_by,omitempty"`
	Aggregate       *Aggregate        `json:"aggregate,omitempty"`
}

// Trim reports whether string trimming is enabled; it defaults on.
func (s *Set) Trim() bool {
	if s.TrimStrings == nil {
		return true
	}
	return *s.TrimStrings
}

// KeepFirst reports whether dedup keeps the first occurrence; the
// default policy is last-write-wins.
func (s *Set) KeepFirst() bool {
	return strings.ToLower(s.DeduplicateKeep) == "first"
}

// Filter is one row-level predicate. Value carries whatever JSON
// literal the rule supplied; compilation interprets it per op.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

// SortKey is either a bare field name (ascending) or a
// {field, order} object.
type SortKey struct {
	Field string `json:"field"`
	Order string `json:"order,omitempty"`
}

// Desc reports whether this key sorts descending.
func (k SortKey) Desc() bool {
	return strings.EqualFold(k.Order, "desc")
}

func (k *SortKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		k.Field = s
		k.Order = ""
		return nil
	}
	type alias SortKey
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return fmt.Errorf("sort_by entry must be a field name or {field, order}: %w", err)
	}
	*k = SortKey(a)
	return nil
}

func (k SortKey) MarshalJSON() ([]byte, error) {
	if k.Order == "" {
		return json.Marshal(k.Field)
	}
	type alias SortKey
	return json.Marshal(alias(k))
}

// Aggregate describes the optional inline aggregation.
type Aggregate struct {
	GroupBy []string `json:"group_by,omitempty"`
	Metrics []Metric `json:"metrics,omitempty"`
}

// Metric is one aggregate output column.
type Metric struct {
	Field string `json:"field,omitempty"`
	Op    string `json:"op"`
	As    string `json:"as,omitempty"`
}

// Name is the output column name, defaulting to <field>_<op>.
func (m Metric) Name() string {
	if m.As != "" {
		return m.As
	}
	if m.Field == "" {
		return "_" + m.Op
	}
	return m.Field + "_" + m.Op
}

// Decode parses a raw JSON rule object into a Set. Cast types are
// trimmed and lower-cased, null tokens lower-cased, so the engine
// never re-normalizes per row.
func Decode(raw json.RawMessage) (*Set, error) {
	s := &Set{}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	for k, v := range s.Casts {
		s.Casts[k] = strings.ToLower(strings.TrimSpace(v))
	}
	for i, v := range s.NullValues {
		s.NullValues[i] = strings.ToLower(v)
	}
	return s, nil
}
