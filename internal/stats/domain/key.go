package domain

import (
	"cmp"
	"encoding/json"
	"slices"
	"strings"
)

// StatKey identifies a (table, filter set) count. Two filter sets holding
// the same predicates in any order produce the same key.
type StatKey string

func (k StatKey) String() string { return string(k) }

// Table returns the table part of the key.
func (k StatKey) Table() string {
	if strings.HasPrefix(string(k), `"`) {
		var t string
		if json.NewDecoder(strings.NewReader(string(k))).Decode(&t) == nil {
			return t
		}
	}
	t, _, _ := strings.Cut(string(k), "?")
	return t
}

// Normalize computes the StatKey for table and filters. Filters are sorted
// by column, then operator, then canonical value, and exact duplicates are
// dropped. Table and column names outside the plain identifier alphabet
// are written as JSON strings so that no name can forge a separator. The
// input slice is not modified.
func Normalize(table string, filters []FilterPredicate) StatKey {
	table = strings.ToLower(strings.TrimSpace(table))
	sorted := SortFilters(filters)
	table = quoteName(table, true)
	if len(sorted) == 0 {
		return StatKey(table)
	}

	var b strings.Builder
	b.WriteString(table)
	b.WriteByte('?')
	for i, f := range sorted {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(quoteName(f.Column, false))
		b.WriteByte('.')
		b.WriteString(f.Op.String())
		b.WriteByte('.')
		b.WriteString(f.ValueString())
	}
	return StatKey(b.String())
}

// SortFilters returns a sorted, de-duplicated copy of filters.
func SortFilters(filters []FilterPredicate) []FilterPredicate {
	if len(filters) == 0 {
		return nil
	}
	sorted := slices.Clone(filters)
	slices.SortFunc(sorted, compareFilters)
	return slices.CompactFunc(sorted, FilterPredicate.Equal)
}

func compareFilters(a, b FilterPredicate) int {
	return cmp.Or(
		cmp.Compare(a.Column, b.Column),
		cmp.Compare(a.Op, b.Op),
		cmp.Compare(a.ValueString(), b.ValueString()),
	)
}

// quoteName returns name as is when it only holds letters, digits and
// underscores (plus dots for tables), and as a JSON string otherwise.
func quoteName(name string, table bool) string {
	if name != "" && strings.IndexFunc(name, func(r rune) bool {
		return !(r == '_' || (table && r == '.') ||
			('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9'))
	}) < 0 {
		return name
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(name)
	return strings.TrimSuffix(b.String(), "\n")
}
