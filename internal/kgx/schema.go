package kgx

import (
	"fmt"
	"sort"
	"strings"
)

// Schema is an ordered set of column names shared by every row of a
// stream. Rows index into it by position so the per-row footprint is a
// single string slice.
type Schema struct {
	columns []string
	index   map[string]int
}

// NewSchema builds a schema from an ordered column list. Duplicate
// columns are an error because a row could not address them.
func NewSchema(columns []string) (*Schema, error) {
	s := &Schema{
		columns: make([]string, 0, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for _, c := range columns {
		if _, dup := s.index[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		s.index[c] = len(s.columns)
		s.columns = append(s.columns, c)
	}
	return s, nil
}

// Columns returns the column names in schema order. Callers must not
// mutate the returned slice.
func (s *Schema) Columns() []string { return s.columns }

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.columns) }

// Index returns the position of a column, or -1 if absent.
func (s *Schema) Index(column string) int {
	i, ok := s.index[column]
	if !ok {
		return -1
	}
	return i
}

// Has reports whether the schema contains the column.
func (s *Schema) Has(column string) bool {
	_, ok := s.index[column]
	return ok
}

// Union merges two schemas. Columns of s keep their order; columns only
// in other are appended in other's order.
func (s *Schema) Union(other *Schema) *Schema {
	merged := &Schema{
		columns: append([]string(nil), s.columns...),
		index:   make(map[string]int, len(s.columns)+len(other.columns)),
	}
	for i, c := range merged.columns {
		merged.index[c] = i
	}
	for _, c := range other.columns {
		if _, ok := merged.index[c]; !ok {
			merged.index[c] = len(merged.columns)
			merged.columns = append(merged.columns, c)
		}
	}
	return merged
}

// CanonicalOrder returns the columns reordered so that the universal
// columns come first in their registry order, followed by any unknown
// columns sorted lexicographically. Output files use this order.
func (s *Schema) CanonicalOrder(universe []string) []string {
	known := make([]string, 0, len(s.columns))
	for _, c := range universe {
		if s.Has(c) {
			known = append(known, c)
		}
	}
	var unknown []string
	seen := make(map[string]bool, len(known))
	for _, c := range known {
		seen[c] = true
	}
	for _, c := range s.columns {
		if !seen[c] {
			unknown = append(unknown, c)
		}
	}
	sort.Strings(unknown)
	return append(known, unknown...)
}

// Row is one record of a node or edge table. Values are positional
// against Schema; missing columns hold the empty string. File, Line
// and Rank carry provenance for diagnostics and dedup priority. Seq is
// the global first-occurrence ordinal assigned at ingest.
type Row struct {
	Schema *Schema
	Values []string

	Source string
	File   string
	Line   int
	Rank   int
	Seq    uint64
}

// Get returns the value of a column, or "" when the schema lacks it.
func (r *Row) Get(column string) string {
	i := r.Schema.Index(column)
	if i < 0 || i >= len(r.Values) {
		return ""
	}
	return r.Values[i]
}

// Set assigns a column value. Setting a column the schema lacks is a
// programming error and panics.
func (r *Row) Set(column, value string) {
	i := r.Schema.Index(column)
	if i < 0 {
		panic(fmt.Sprintf("kgx: schema has no column %q", column))
	}
	for len(r.Values) <= i {
		r.Values = append(r.Values, "")
	}
	r.Values[i] = value
}

// Clone returns a deep copy sharing the schema.
func (r *Row) Clone() *Row {
	c := *r
	c.Values = append([]string(nil), r.Values...)
	return &c
}

// Reproject copies the row onto a wider schema, mapping columns by
// name and filling absent ones with "".
func (r *Row) Reproject(target *Schema) *Row {
	out := &Row{
		Schema: target,
		Values: make([]string, target.Len()),
		Source: r.Source,
		File:   r.File,
		Line:   r.Line,
		Rank:   r.Rank,
		Seq:    r.Seq,
	}
	for i, c := range r.Schema.columns {
		if i >= len(r.Values) {
			break
		}
		if j := target.Index(c); j >= 0 {
			out.Values[j] = r.Values[i]
		}
	}
	return out
}

// ListValue splits a pipe-separated multi-valued field into its
// elements, dropping empties.
func ListValue(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, "|")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinList renders a multi-valued field back to its pipe-separated
// encoding.
func JoinList(vals []string) string {
	return strings.Join(vals, "|")
}
