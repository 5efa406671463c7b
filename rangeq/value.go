package rangeq

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the domain type of a range-able field value
type Kind int

const (
	KindTime    Kind = iota // Point in time, quantized to one second
	KindInteger             // Integer-like quantity, quantized to one unit
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindInteger:
		return "integer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Unit is the successor step used by Bump and Unbump for time values
const Unit = time.Second

// Value is a typed field value carried as text in range tokens
type Value struct {
	Kind Kind
	Time time.Time
	Int  int64
}

// TimeValue wraps a timestamp
func TimeValue(t time.Time) Value {
	return Value{Kind: KindTime, Time: t}
}

// IntValue wraps an integer quantity
func IntValue(n int64) Value {
	return Value{Kind: KindInteger, Int: n}
}

// String renders the value the way query parameters expect it.
// Sub-second digits are only emitted when present.
func (v Value) String() string {
	if v.Kind == KindTime {
		return v.Time.Format(time.RFC3339Nano)
	}
	return strconv.FormatInt(v.Int, 10)
}

// Equal reports whether both values have the same kind and denote the same point
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindTime {
		return v.Time.Equal(o.Time)
	}
	return v.Int == o.Int
}

// Compare returns -1, 0 or 1. Values of different kinds are ordered by kind.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		if v.Kind < o.Kind {
			return -1
		}
		return 1
	}
	if v.Kind == KindTime {
		return v.Time.Compare(o.Time)
	}
	switch {
	case v.Int < o.Int:
		return -1
	case v.Int > o.Int:
		return 1
	default:
		return 0
	}
}

// Bump returns the immediate successor of v: one second later for timestamps,
// one unit more for quantities.
func Bump(v Value) (Value, error) {
	switch v.Kind {
	case KindTime:
		return TimeValue(v.Time.Add(Unit)), nil
	case KindInteger:
		if v.Int == math.MaxInt64 {
			return Value{}, fmt.Errorf("no successor for %d", v.Int)
		}
		return IntValue(v.Int + 1), nil
	default:
		return Value{}, fmt.Errorf("unsupported value kind %s", v.Kind)
	}
}

// Unbump is the inverse of Bump: Unbump(Bump(x)) == x.
func Unbump(v Value) (Value, error) {
	switch v.Kind {
	case KindTime:
		return TimeValue(v.Time.Add(-Unit)), nil
	case KindInteger:
		if v.Int == math.MinInt64 {
			return Value{}, fmt.Errorf("no predecessor for %d", v.Int)
		}
		return IntValue(v.Int - 1), nil
	default:
		return Value{}, fmt.Errorf("unsupported value kind %s", v.Kind)
	}
}

// ParseValue parses text as the given kind
func ParseValue(kind Kind, text string) (Value, error) {
	text = strings.TrimSpace(text)
	switch kind {
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return Value{}, fmt.Errorf("not an RFC3339 timestamp")
		}
		return TimeValue(t), nil
	case KindInteger:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("not an integer")
		}
		return IntValue(n), nil
	default:
		return Value{}, fmt.Errorf("unsupported value kind %s", kind)
	}
}

// inferValue resolves the kind of an untyped field from its text.
// Continuous values (decimals) are rejected: the unit successor only exists
// for discrete domains.
func inferValue(text string) (Value, error) {
	if v, err := ParseValue(KindInteger, text); err == nil {
		return v, nil
	}
	if v, err := ParseValue(KindTime, text); err == nil {
		return v, nil
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		return Value{}, fmt.Errorf("non-discrete value has no unit successor")
	}
	return Value{}, fmt.Errorf("neither a timestamp nor an integer")
}
