package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperator(t *testing.T) {
	tests := []struct {
		in   string
		want Operator
		err  bool
	}{
		{"eq", OpEquals, false},
		{"NEQ", OpNotEquals, false},
		{" is ", OpIs, false},
		{"like", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOperator(tt.in)
			if tt.err {
				assert.True(t, errors.Is(err, ErrUnknownOperator))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperator_String(t *testing.T) {
	assert.Equal(t, "eq", OpEquals.String())
	assert.Equal(t, "neq", OpNotEquals.String())
	assert.Equal(t, "is", OpIs.String())
	assert.Equal(t, "op(9)", Operator(9).String())
	assert.False(t, Operator(0).IsValid())
}

func TestFilterPredicate_Equal(t *testing.T) {
	assert.True(t, Eq("a", 1).Equal(Eq("a", int64(1))))
	assert.True(t, Eq("a", 1).Equal(Eq("a", json.Number("1"))))
	assert.False(t, Eq("a", 1).Equal(Neq("a", 1)))
	assert.False(t, Eq("a", 1).Equal(Eq("a", "1")))
	assert.False(t, Eq("a", 1).Equal(Eq("b", 1)))
}

func TestFilterPredicate_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    FilterPredicate
		ok   bool
	}{
		{"eq string", Eq("status", "open"), true},
		{"eq number", Eq("rating", 5), true},
		{"eq bool", Eq("flagged", true), true},
		{"neq float", Neq("score", 2.5), true},
		{"is null", Is("deleted_at", nil), true},
		{"is true", Is("approved", true), true},
		{"is string", Is("status", "open"), false},
		{"eq null", Eq("deleted_at", nil), false},
		{"empty column", Eq("", 1), false},
		{"bad operator", FilterPredicate{Column: "a", Op: 7, Value: 1}, false},
		{"unsupported type", Eq("a", []int{1}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEncodeDecodeFilters(t *testing.T) {
	s, err := EncodeFilters([]FilterPredicate{Eq("status", "pending_review"), Is("deleted_at", nil)})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"column":"status","op":"eq","value":"pending_review"},{"column":"deleted_at","op":"is","value":null}]`, s)

	got, err := DecodeFilters(s)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(Eq("status", "pending_review")))
	assert.True(t, got[1].Equal(Is("deleted_at", nil)))

	empty, err := EncodeFilters(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}

func TestDecodeFilters_Errors(t *testing.T) {
	_, err := DecodeFilters(`{"column":"a"}`)
	assert.Error(t, err)

	_, err = DecodeFilters(`[{"column":"a","op":"like","value":1}]`)
	assert.ErrorIs(t, err, ErrUnknownOperator)

	_, err = DecodeFilters(`[{"column":"a","op":"is","value":"x"}]`)
	assert.ErrorIs(t, err, ErrInvalidValue)

	got, err := DecodeFilters("  ")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeFilters_KeepsLargeIntegers(t *testing.T) {
	got, err := DecodeFilters(`[{"column":"id","op":"eq","value":9007199254740993}]`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), got[0].Value)
}

func TestParseFilter(t *testing.T) {
	p, err := ParseFilter(`status.eq."pending_review"`)
	require.NoError(t, err)
	assert.True(t, p.Equal(Eq("status", "pending_review")))

	p, err = ParseFilter("status.eq.pending_review")
	require.NoError(t, err)
	assert.True(t, p.Equal(Eq("status", "pending_review")), "bare strings are accepted")

	p, err = ParseFilter("deleted_at.is.null")
	require.NoError(t, err)
	assert.True(t, p.Equal(Is("deleted_at", nil)))

	p, err = ParseFilter("rating.neq.3")
	require.NoError(t, err)
	assert.True(t, p.Equal(Neq("rating", 3)))

	_, err = ParseFilter("status")
	assert.Error(t, err)
	_, err = ParseFilter("status.gt.3")
	assert.ErrorIs(t, err, ErrUnknownOperator)
}
