package rangeq

import (
	"fmt"
	"strings"
)

// Op is a comparison operator exposed by the repository's query grammar
type Op string

const (
	OpEQ Op = "EQ" // Equality
	OpGE Op = "GE" // Inclusive lower bound
	OpLT Op = "LT" // Exclusive upper bound
)

// Predicate is one compiled comparison on a field
type Predicate struct {
	Field string
	Op    Op
	Value Value
}

// EQ builds an equality predicate
func EQ(field string, v Value) Predicate { return Predicate{Field: field, Op: OpEQ, Value: v} }

// GE builds an inclusive lower-bound predicate
func GE(field string, v Value) Predicate { return Predicate{Field: field, Op: OpGE, Value: v} }

// LT builds an exclusive upper-bound predicate
func LT(field string, v Value) Predicate { return Predicate{Field: field, Op: OpLT, Value: v} }

// Name returns the query parameter name, e.g. GE_eventTime
func (p Predicate) Name() string {
	return string(p.Op) + "_" + p.Field
}

// String renders the predicate as GE(2006-06-25T00:01:00Z)
func (p Predicate) String() string {
	return fmt.Sprintf("%s(%s)", p.Op, p.Value)
}

// Matches reports whether a field value satisfies the predicate.
// A value of a different kind never matches.
func (p Predicate) Matches(v Value) bool {
	if v.Kind != p.Value.Kind {
		return false
	}
	c := v.Compare(p.Value)
	switch p.Op {
	case OpEQ:
		return c == 0
	case OpGE:
		return c >= 0
	case OpLT:
		return c < 0
	default:
		return false
	}
}

// Param is a rendered query parameter
type Param struct {
	Name  string
	Value string
}

// Set is the ordered predicate set compiled for one or more fields
type Set []Predicate

// Matches reports whether v satisfies every predicate in the set.
// Predicates on other fields are ignored.
func (s Set) Matches(field string, v Value) bool {
	for _, p := range s {
		if p.Field != field {
			continue
		}
		if !p.Matches(v) {
			return false
		}
	}
	return true
}

// Fields returns the distinct fields in order of first appearance
func (s Set) Fields() []string {
	seen := make(map[string]struct{}, len(s))
	fields := make([]string, 0, len(s))
	for _, p := range s {
		if _, ok := seen[p.Field]; ok {
			continue
		}
		seen[p.Field] = struct{}{}
		fields = append(fields, p.Field)
	}
	return fields
}

// Params renders the set as query parameters in order
func (s Set) Params() []Param {
	params := make([]Param, 0, len(s))
	for _, p := range s {
		params = append(params, Param{Name: p.Name(), Value: p.Value.String()})
	}
	return params
}

// String renders the set as "GE_eventTime=...&LT_eventTime=..."
func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, p := range s.Params() {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return strings.Join(parts, "&")
}
