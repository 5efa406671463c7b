// Package correlate compares decoded result batches structurally and reports
// every discrepancy it finds, not only the first.
package correlate

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
)

// Kind classifies a mismatch
type Kind string

const (
	ValueMismatch     Kind = "value_mismatch"
	TypeMismatch      Kind = "type_mismatch"
	NullVersusEmpty   Kind = "null_vs_empty"
	NullVersusPresent Kind = "null_vs_present"
	LengthMismatch    Kind = "length_mismatch"
	MissingKey        Kind = "missing_key"
	UnexpectedKey     Kind = "unexpected_key"
)

// Mismatch is one discrepancy between expected and actual
type Mismatch struct {
	Path     string
	Kind     Kind
	Expected any
	Actual   any
}

func (m Mismatch) String() string {
	path := m.Path
	if path == "" {
		path = "<root>"
	}
	return fmt.Sprintf("%s: %s: expected %s, actual %s",
		path, strings.ReplaceAll(string(m.Kind), "_", " "), render(m.Expected), render(m.Actual))
}

// Option configures a Correlator
type Option func(*Correlator)

// IgnoreFields skips struct fields by name at any depth, or by full path
// such as "Events[0].RecordTime"
func IgnoreFields(names ...string) Option {
	return func(c *Correlator) {
		for _, n := range names {
			c.ignore[n] = struct{}{}
		}
	}
}

// Correlator walks two values in parallel. List elements are compared in
// declared order, never reordered.
type Correlator struct {
	ignore map[string]struct{}
}

// New creates a Correlator
func New(opts ...Option) *Correlator {
	c := &Correlator{ignore: make(map[string]struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultCorrelator = New()

// Compare uses a Correlator without options
func Compare(expected, actual any) []Mismatch {
	return defaultCorrelator.Compare(expected, actual)
}

// Compare returns every mismatch between expected and actual, or nil when
// they are structurally identical
func (c *Correlator) Compare(expected, actual any) []Mismatch {
	w := &walker{ignore: c.ignore}
	w.walk("", reflect.ValueOf(expected), reflect.ValueOf(actual))
	return w.out
}

// Equal reports whether Compare finds nothing
func (c *Correlator) Equal(expected, actual any) bool {
	return len(c.Compare(expected, actual)) == 0
}

type walker struct {
	ignore map[string]struct{}
	out    []Mismatch
}

func (w *walker) report(path string, kind Kind, expected, actual any) {
	w.out = append(w.out, Mismatch{Path: path, Kind: kind, Expected: expected, Actual: actual})
}

func (w *walker) walk(path string, e, a reflect.Value) {
	if !e.IsValid() || !a.IsValid() {
		if e.IsValid() != a.IsValid() {
			w.report(path, NullVersusPresent, value(e), value(a))
		}
		return
	}

	if e.Type() != a.Type() {
		w.report(path, TypeMismatch, e.Type().String(), a.Type().String())
		return
	}

	if isLeaf(e.Type()) {
		if !cmp.Equal(value(e), value(a)) {
			w.report(path, ValueMismatch, value(e), value(a))
		}
		return
	}

	switch e.Kind() {
	case reflect.Pointer, reflect.Interface:
		if e.IsNil() || a.IsNil() {
			if e.IsNil() != a.IsNil() {
				w.report(path, NullVersusPresent, value(e), value(a))
			}
			return
		}
		w.walk(path, e.Elem(), a.Elem())

	case reflect.Slice:
		if w.nilContainer(path, e, a) {
			return
		}
		fallthrough

	case reflect.Array:
		n := e.Len()
		if a.Len() != n {
			w.report(path, LengthMismatch, e.Len(), a.Len())
			n = min(n, a.Len())
		}
		for i := 0; i < n; i++ {
			w.walk(fmt.Sprintf("%s[%d]", path, i), e.Index(i), a.Index(i))
		}

	case reflect.Map:
		if w.nilContainer(path, e, a) {
			return
		}
		w.walkMap(path, e, a)

	case reflect.Struct:
		t := e.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fieldPath := f.Name
			if path != "" {
				fieldPath = path + "." + f.Name
			}
			if w.ignored(f.Name, fieldPath) {
				continue
			}
			w.walk(fieldPath, e.Field(i), a.Field(i))
		}

	default:
		// Funcs and channels only compare by identity
		if e.Pointer() != a.Pointer() {
			w.report(path, ValueMismatch, e.Type().String(), a.Type().String())
		}
	}
}

// nilContainer reports nil slices and maps. It returns true when the values
// need no further comparison.
func (w *walker) nilContainer(path string, e, a reflect.Value) bool {
	switch {
	case e.IsNil() && a.IsNil():
		return true
	case e.IsNil() || a.IsNil():
		other := e
		if e.IsNil() {
			other = a
		}
		kind := NullVersusPresent
		if other.Len() == 0 {
			kind = NullVersusEmpty
		}
		w.report(path, kind, value(e), value(a))
		return true
	}
	return false
}

func (w *walker) walkMap(path string, e, a reflect.Value) {
	// Interface-typed keys carry their dynamic type so 1 and "1" stay distinct
	typed := e.Type().Key().Kind() == reflect.Interface
	label := func(k reflect.Value) string {
		if typed {
			return fmt.Sprintf("%T(%v)", k.Interface(), k.Interface())
		}
		return fmt.Sprint(k.Interface())
	}

	keys := make(map[string]reflect.Value, e.Len()+a.Len())
	for _, k := range e.MapKeys() {
		keys[label(k)] = k
	}
	for _, k := range a.MapKeys() {
		keys[label(k)] = k
	}

	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		k := keys[name]
		keyPath := fmt.Sprintf("%s[%q]", path, name)
		ev, av := e.MapIndex(k), a.MapIndex(k)
		switch {
		case !av.IsValid():
			w.report(keyPath, MissingKey, value(ev), nil)
		case !ev.IsValid():
			w.report(keyPath, UnexpectedKey, nil, value(av))
		default:
			w.walk(keyPath, ev, av)
		}
	}
}

func (w *walker) ignored(name, path string) bool {
	if _, ok := w.ignore[name]; ok {
		return true
	}
	_, ok := w.ignore[path]
	return ok
}

var timeType = reflect.TypeOf(time.Time{})

// isLeaf reports types compared as a whole. Structs with an Equal method
// (time.Time) are leaves so that go-cmp applies that method.
func isLeaf(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Struct:
		if t == timeType {
			return true
		}
		m, ok := t.MethodByName("Equal")
		return ok && m.Type.NumIn() == 2 && m.Type.In(1) == t &&
			m.Type.NumOut() == 1 && m.Type.Out(0).Kind() == reflect.Bool
	}
	return false
}

func value(v reflect.Value) any {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	return v.Interface()
}

func render(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return fmt.Sprintf("%q", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer:
		if rv.IsNil() {
			return "<nil>"
		}
		if rv.Kind() != reflect.Pointer && rv.Len() == 0 {
			return "[]"
		}
		if rv.Kind() == reflect.Pointer {
			return render(rv.Elem().Interface())
		}
	}
	return fmt.Sprintf("%v", v)
}
