// Package rangeq compiles compact textual range tokens into the GE/LT
// comparison predicates a subscription query accepts.
//
// Token forms:
//
//	V        point query, compiled as GE(V) and LT(V+1)
//	>V       strictly greater, compiled as GE(V+1)
//	<V       strictly less, compiled as LT(V)
//	V1..V2   closed interval, compiled as GE(V1) and LT(V2+1)
//
// The +1 step is one second for timestamps and one unit for quantities. It
// turns the caller's inclusive bounds into the exclusive LT the grammar
// offers, and is only correct for fields quantized at that granularity.
package rangeq

import (
	"fmt"
	"strings"
)

const (
	IntervalSeparator = ".."
	AboveMarker       = ">"
	BelowMarker       = "<"
)

// ParameterError reports a malformed range token
type ParameterError struct {
	Field  string
	Text   string // Offending substring
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid range for %s: %q: %s", e.Field, e.Text, e.Reason)
}

// Compiler resolves field kinds and compiles tokens
type Compiler struct {
	// Kinds pins the value kind of known fields. Unknown fields infer their
	// kind from the token text.
	Kinds map[string]Kind
}

// NewCompiler returns a compiler that knows the standard event fields
func NewCompiler() *Compiler {
	return &Compiler{
		Kinds: map[string]Kind{
			"eventTime":  KindTime,
			"recordTime": KindTime,
			"quantity":   KindInteger,
		},
	}
}

var defaultCompiler = NewCompiler()

// Compile compiles a token with the default compiler
func Compile(field, token string) (Set, error) {
	return defaultCompiler.Compile(field, token)
}

// Compile turns one range token into predicates on field. An empty token
// yields no predicates.
func (c *Compiler) Compile(field, token string) (Set, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	first, second, isInterval := strings.Cut(token, IntervalSeparator)
	first = strings.TrimSpace(first)

	above := strings.HasPrefix(first, AboveMarker)
	below := strings.HasPrefix(first, BelowMarker)

	if isInterval {
		if above || below {
			return nil, &ParameterError{Field: field, Text: token, Reason: "bound marker cannot be combined with an interval"}
		}
		return c.compileInterval(field, first, strings.TrimSpace(second))
	}

	switch {
	case above:
		text := strings.TrimSpace(strings.TrimPrefix(first, AboveMarker))
		v, err := c.parse(field, text)
		if err != nil {
			return nil, err
		}
		next, err := c.bump(field, text, v)
		if err != nil {
			return nil, err
		}
		return Set{GE(field, next)}, nil

	case below:
		text := strings.TrimSpace(strings.TrimPrefix(first, BelowMarker))
		v, err := c.parse(field, text)
		if err != nil {
			return nil, err
		}
		return Set{LT(field, v)}, nil

	default:
		v, err := c.parse(field, first)
		if err != nil {
			return nil, err
		}
		next, err := c.bump(field, first, v)
		if err != nil {
			return nil, err
		}
		return Set{GE(field, v), LT(field, next)}, nil
	}
}

// CompileAll compiles one token per field, in the order of fields
func (c *Compiler) CompileAll(fields []string, tokens map[string]string) (Set, error) {
	var out Set
	for _, field := range fields {
		set, err := c.Compile(field, tokens[field])
		if err != nil {
			return nil, err
		}
		out = append(out, set...)
	}
	return out, nil
}

func (c *Compiler) compileInterval(field, lowText, highText string) (Set, error) {
	low, err := c.parse(field, lowText)
	if err != nil {
		return nil, err
	}
	high, err := c.parse(field, highText)
	if err != nil {
		return nil, err
	}
	if low.Kind != high.Kind {
		return nil, &ParameterError{Field: field, Text: highText, Reason: fmt.Sprintf("interval mixes %s and %s bounds", low.Kind, high.Kind)}
	}
	if low.Compare(high) > 0 {
		return nil, &ParameterError{Field: field, Text: lowText + IntervalSeparator + highText, Reason: "lower bound exceeds upper bound"}
	}
	next, err := c.bump(field, highText, high)
	if err != nil {
		return nil, err
	}
	return Set{GE(field, low), LT(field, next)}, nil
}

func (c *Compiler) parse(field, text string) (Value, error) {
	if text == "" {
		return Value{}, &ParameterError{Field: field, Text: text, Reason: "missing value"}
	}

	var (
		v   Value
		err error
	)
	if kind, ok := c.Kinds[field]; ok {
		v, err = ParseValue(kind, text)
	} else {
		v, err = inferValue(text)
	}
	if err != nil {
		return Value{}, &ParameterError{Field: field, Text: text, Reason: err.Error()}
	}
	return v, nil
}

func (c *Compiler) bump(field, text string, v Value) (Value, error) {
	next, err := Bump(v)
	if err != nil {
		return Value{}, &ParameterError{Field: field, Text: text, Reason: err.Error()}
	}
	return next, nil
}
