package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Operator is the comparison applied by a FilterPredicate.
type Operator uint8

const (
	OpEquals Operator = iota + 1
	OpNotEquals
	OpIs
)

var (
	ErrUnknownOperator = errors.New("unknown filter operator")
	ErrInvalidValue    = errors.New("invalid filter value")
)

var operatorNames = map[Operator]string{
	OpEquals:    "eq",
	OpNotEquals: "neq",
	OpIs:        "is",
}

// ParseOperator accepts the wire names ("eq", "neq", "is") case-insensitively.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq":
		return OpEquals, nil
	case "neq":
		return OpNotEquals, nil
	case "is":
		return OpIs, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// IsValid reports whether o is one of the supported operators.
func (o Operator) IsValid() bool {
	_, ok := operatorNames[o]
	return ok
}

func (o Operator) MarshalText() ([]byte, error) {
	if !o.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperator, uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *Operator) UnmarshalText(b []byte) error {
	op, err := ParseOperator(string(b))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// FilterPredicate restricts a count to rows where Column compares to Value
// with Op. Value holds a JSON scalar: string, number, bool or nil.
type FilterPredicate struct {
	Column string   `json:"column"`
	Op     Operator `json:"op"`
	Value  any      `json:"value"`
}

// Eq, Neq and Is build predicates for the three supported operators.
func Eq(column string, value any) FilterPredicate {
	return FilterPredicate{Column: column, Op: OpEquals, Value: value}
}

func Neq(column string, value any) FilterPredicate {
	return FilterPredicate{Column: column, Op: OpNotEquals, Value: value}
}

func Is(column string, value any) FilterPredicate {
	return FilterPredicate{Column: column, Op: OpIs, Value: value}
}

// ValueString returns the canonical JSON text of the predicate value.
// Numbers of different Go types with the same value render identically,
// while the string "1" and the number 1 do not.
func (p FilterPredicate) ValueString() string {
	b, err := json.Marshal(canonicalValue(p.Value))
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(p.Value))
	}
	return string(b)
}

// Equal compares predicates structurally.
func (p FilterPredicate) Equal(o FilterPredicate) bool {
	return p.Column == o.Column && p.Op == o.Op && p.ValueString() == o.ValueString()
}

// Validate checks that the predicate can be turned into a query. It does
// not know the table schema, so unknown columns pass.
func (p FilterPredicate) Validate() error {
	if strings.TrimSpace(p.Column) == "" {
		return fmt.Errorf("%w: empty column", ErrInvalidValue)
	}
	if !p.Op.IsValid() {
		return fmt.Errorf("%w: %d", ErrUnknownOperator, uint8(p.Op))
	}
	switch v := canonicalValue(p.Value).(type) {
	case nil:
		if p.Op != OpIs {
			return fmt.Errorf("%w: %s needs a non-null value, use is", ErrInvalidValue, p.Op)
		}
	case bool:
	case string, json.Number:
		if p.Op == OpIs {
			return fmt.Errorf("%w: is accepts null, true or false, got %v", ErrInvalidValue, v)
		}
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, p.Value)
	}
	return nil
}

// canonicalValue folds Go numeric types into json.Number so that int 1,
// int64 1 and float64 1 serialize the same way.
func canonicalValue(v any) any {
	switch n := v.(type) {
	case int:
		return json.Number(fmt.Sprint(n))
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return json.Number(fmt.Sprint(n))
	case float32:
		return floatNumber(float64(n))
	case float64:
		return floatNumber(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return json.Number(fmt.Sprint(i))
		}
		if f, err := n.Float64(); err == nil {
			return floatNumber(f)
		}
		return n
	}
	return v
}

func floatNumber(f float64) json.Number {
	if f == float64(int64(f)) {
		return json.Number(fmt.Sprint(int64(f)))
	}
	return json.Number(fmt.Sprint(f))
}

// EncodeFilters serializes filters in the JSON array form used by the
// aggregation endpoint's filters parameter.
func EncodeFilters(filters []FilterPredicate) (string, error) {
	if filters == nil {
		filters = []FilterPredicate{}
	}
	b, err := json.Marshal(filters)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeFilters parses the JSON array form. Numbers are kept as
// json.Number so that large integers survive the round trip.
func DecodeFilters(s string) ([]FilterPredicate, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var filters []FilterPredicate
	if err := dec.Decode(&filters); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	for i, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return filters, nil
}

// ParseFilter parses the CLI form "column.op.value" where value is JSON,
// e.g. status.eq."pending_review" or deleted_at.is.null. A value that is
// not valid JSON is taken as a bare string.
func ParseFilter(s string) (FilterPredicate, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return FilterPredicate{}, fmt.Errorf("%w: want column.op.value, got %q", ErrInvalidValue, s)
	}
	op, err := ParseOperator(parts[1])
	if err != nil {
		return FilterPredicate{}, err
	}
	var value any
	dec := json.NewDecoder(strings.NewReader(parts[2]))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil || dec.More() {
		value = parts[2]
	}
	p := FilterPredicate{Column: parts[0], Op: op, Value: value}
	return p, p.Validate()
}
