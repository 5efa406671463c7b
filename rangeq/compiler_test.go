package rangeq

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) Value {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return TimeValue(ts)
}

func TestCompile_IntervalScenario(t *testing.T) {
	set, err := Compile("eventTime", "2006-06-25T00:01:00Z..2006-06-25T00:02:00Z")
	require.NoError(t, err)
	require.Len(t, set, 2)

	assert.Equal(t, OpGE, set[0].Op)
	assert.Equal(t, "2006-06-25T00:01:00Z", set[0].Value.String())
	assert.Equal(t, OpLT, set[1].Op)
	assert.Equal(t, "2006-06-25T00:02:01Z", set[1].Value.String())

	assert.Equal(t, "GE_eventTime", set[0].Name())
	assert.Equal(t, "LT_eventTime", set[1].Name())
	assert.Equal(t, "GE_eventTime=2006-06-25T00:01:00Z&LT_eventTime=2006-06-25T00:02:01Z", set.String())
}

func TestCompile_Forms(t *testing.T) {
	tests := []struct {
		name  string
		field string
		token string
		want  []string
	}{
		{"point time", "eventTime", "2006-06-25T00:01:00Z", []string{"GE(2006-06-25T00:01:00Z)", "LT(2006-06-25T00:01:01Z)"}},
		{"above time", "eventTime", ">2006-06-25T00:01:00Z", []string{"GE(2006-06-25T00:01:01Z)"}},
		{"below time", "recordTime", "<2006-06-25T00:01:00Z", []string{"LT(2006-06-25T00:01:00Z)"}},
		{"point quantity", "quantity", "200", []string{"GE(200)", "LT(201)"}},
		{"above quantity", "quantity", ">200", []string{"GE(201)"}},
		{"below quantity", "quantity", "<200", []string{"LT(200)"}},
		{"quantity interval", "quantity", "10..20", []string{"GE(10)", "LT(21)"}},
		{"zero", "quantity", "0", []string{"GE(0)", "LT(1)"}},
		{"negative", "quantity", "-5..-1", []string{"GE(-5)", "LT(0)"}},
		{"below negative", "quantity", "<-3", []string{"LT(-3)"}},
		{"whitespace", "quantity", "  >  7 ", []string{"GE(8)"}},
		{"single point interval", "quantity", "4..4", []string{"GE(4)", "LT(5)"}},
		{"inferred integer", "count", "12", []string{"GE(12)", "LT(13)"}},
		{"inferred time", "sensorTime", "2010-01-01T00:00:00+02:00", []string{"GE(2010-01-01T00:00:00+02:00)", "LT(2010-01-01T00:00:01+02:00)"}},
		{"fractional seconds", "eventTime", "2006-06-25T00:01:00.250Z", []string{"GE(2006-06-25T00:01:00.25Z)", "LT(2006-06-25T00:01:01.25Z)"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Compile(tt.field, tt.token)
			require.NoError(t, err)

			got := make([]string, 0, len(set))
			for _, p := range set {
				assert.Equal(t, tt.field, p.Field)
				got = append(got, p.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_EmptyTokenOmitsField(t *testing.T) {
	for _, token := range []string{"", "   ", "\t"} {
		set, err := Compile("eventTime", token)
		require.NoError(t, err)
		assert.Nil(t, set)
	}
}

func TestCompile_ParameterErrors(t *testing.T) {
	tests := []struct {
		name  string
		field string
		token string
		text  string
	}{
		{"bad time", "eventTime", "yesterday", "yesterday"},
		{"bad interval upper", "eventTime", "2006-06-25T00:01:00Z..soon", "soon"},
		{"missing lower", "quantity", "..5", ""},
		{"missing upper", "quantity", "5..", ""},
		{"bare above", "quantity", ">", ""},
		{"marker with interval", "quantity", ">1..5", ">1..5"},
		{"inverted interval", "quantity", "9..3", "9..3"},
		{"decimal", "weight", "1.5", "1.5"},
		{"garbage inferred", "weight", "heavy", "heavy"},
		{"mixed kinds", "reading", "5..2006-06-25T00:01:00Z", "2006-06-25T00:01:00Z"},
		{"ge marker", "quantity", ">=5", "=5"},
		{"overflow", "quantity", ">9223372036854775807", "9223372036854775807"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.field, tt.token)
			require.Error(t, err)

			var perr *ParameterError
			require.True(t, errors.As(err, &perr), "expected ParameterError, got %T", err)
			assert.Equal(t, tt.field, perr.Field)
			assert.Equal(t, tt.text, perr.Text)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestCompile_NeverContradictory(t *testing.T) {
	tokens := []string{"1..1", "0..100", "-10..-10", "5", ">5", "<5"}
	for _, token := range tokens {
		set, err := Compile("quantity", token)
		require.NoError(t, err)

		var ge, lt *Predicate
		for i := range set {
			switch set[i].Op {
			case OpGE:
				ge = &set[i]
			case OpLT:
				lt = &set[i]
			}
		}
		if ge != nil && lt != nil {
			assert.True(t, ge.Value.Compare(lt.Value) < 0, "token %q compiled to GE >= LT", token)
		}
	}
}

func TestBumpUnbumpRoundTrip(t *testing.T) {
	values := []Value{
		IntValue(0),
		IntValue(-1),
		IntValue(42),
		IntValue(math.MaxInt64 - 1),
		IntValue(math.MinInt64 + 1),
		mustTime(t, "2006-06-25T00:01:00Z"),
		mustTime(t, "1999-12-31T23:59:59Z"),
		mustTime(t, "2006-06-25T00:01:00.123456789+05:30"),
	}

	for _, v := range values {
		next, err := Bump(v)
		require.NoError(t, err)
		assert.True(t, next.Compare(v) > 0)

		back, err := Unbump(next)
		require.NoError(t, err)
		assert.True(t, back.Equal(v), "unbump(bump(%s)) = %s", v, back)
	}
}

func TestBump_Bounds(t *testing.T) {
	_, err := Bump(IntValue(math.MaxInt64))
	assert.Error(t, err)

	_, err = Unbump(IntValue(math.MinInt64))
	assert.Error(t, err)
}

func TestAboveExcludesValueIncludesSuccessor(t *testing.T) {
	v := mustTime(t, "2006-06-25T00:01:00Z")
	set, err := Compile("eventTime", ">2006-06-25T00:01:00Z")
	require.NoError(t, err)

	next, err := Bump(v)
	require.NoError(t, err)

	assert.False(t, set.Matches("eventTime", v))
	assert.True(t, set.Matches("eventTime", next))
}

func TestPointQueryMatchesOnlyValue(t *testing.T) {
	set, err := Compile("quantity", "7")
	require.NoError(t, err)

	assert.True(t, set.Matches("quantity", IntValue(7)))
	assert.False(t, set.Matches("quantity", IntValue(6)))
	assert.False(t, set.Matches("quantity", IntValue(8)))

	// Other fields and kinds are not constrained by this set
	assert.True(t, set.Matches("eventTime", IntValue(1)))
	assert.False(t, set.Matches("quantity", mustTime(t, "2006-06-25T00:01:00Z")))
}

func TestIntervalMatchesInclusiveBounds(t *testing.T) {
	set, err := Compile("eventTime", "2006-06-25T00:01:00Z..2006-06-25T00:02:00Z")
	require.NoError(t, err)

	assert.True(t, set.Matches("eventTime", mustTime(t, "2006-06-25T00:01:00Z")))
	assert.True(t, set.Matches("eventTime", mustTime(t, "2006-06-25T00:02:00Z")))
	assert.False(t, set.Matches("eventTime", mustTime(t, "2006-06-25T00:02:01Z")))
	assert.False(t, set.Matches("eventTime", mustTime(t, "2006-06-25T00:00:59Z")))
}

func TestCompileAll(t *testing.T) {
	c := NewCompiler()
	set, err := c.CompileAll(
		[]string{"eventTime", "quantity", "recordTime"},
		map[string]string{
			"eventTime": "2006-06-25T00:01:00Z..2006-06-25T00:02:00Z",
			"quantity":  ">100",
		},
	)
	require.NoError(t, err)
	require.Len(t, set, 3)
	assert.Equal(t, []string{"eventTime", "quantity"}, set.Fields())

	params := set.Params()
	assert.Equal(t, Param{Name: "GE_quantity", Value: "101"}, params[2])

	_, err = c.CompileAll([]string{"quantity"}, map[string]string{"quantity": "lots"})
	var perr *ParameterError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "quantity", perr.Field)
}

func TestEQPredicate(t *testing.T) {
	p := EQ("quantity", IntValue(3))
	assert.Equal(t, "EQ_quantity", p.Name())
	assert.True(t, p.Matches(IntValue(3)))
	assert.False(t, p.Matches(IntValue(4)))
}
