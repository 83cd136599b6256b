package intercept

import (
	"slices"
	"sort"
	"strings"
)

// Token names one enumerant value.
type Token struct {
	Name  string
	Value uint64
}

// TokenTable maps enumerant values to names and back. Several names may share a value, lookup by value then returns
// the first one declared.
type TokenTable struct {
	byValue []Token
	byName  []Token
}

// NewTokenTable builds the lookup indexes over the given tokens.
func NewTokenTable(tokens ...Token) *TokenTable {
	t := &TokenTable{
		byValue: slices.Clone(tokens),
		byName:  slices.Clone(tokens),
	}
	slices.SortStableFunc(t.byValue, func(a, b Token) int {
		if a.Value < b.Value {
			return -1
		} else if a.Value > b.Value {
			return 1
		}
		return 0
	})
	slices.SortStableFunc(t.byName, func(a, b Token) int {
		return strings.Compare(a.Name, b.Name)
	})
	return t
}

// Name returns the name of a value.
func (t *TokenTable) Name(value uint64) (string, bool) {
	i := sort.Search(len(t.byValue), func(i int) bool {
		return t.byValue[i].Value >= value
	})
	if i < len(t.byValue) && t.byValue[i].Value == value {
		return t.byValue[i].Name, true
	}
	return "", false
}

// Value returns the value of a named token.
func (t *TokenTable) Value(name string) (uint64, bool) {
	i, found := slices.BinarySearchFunc(t.byName, name, func(tok Token, name string) int {
		return strings.Compare(tok.Name, name)
	})
	if !found {
		return 0, false
	}
	return t.byName[i].Value, true
}

// Len returns the number of tokens.
func (t *TokenTable) Len() int {
	return len(t.byValue)
}
