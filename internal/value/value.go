// Package value is the runtime value model produced and consumed by the
// interpreter.
//
// Scalars use Go natives: bool, int64, float64, string (text) and []byte
// (buffer). Everything else has a named type here. Aggregates and pointers are
// reference types so identity survives assignment.
package value

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
)

type Value any

type Void struct{}

type Null struct{}

type URL string

type Code struct {
	Body []byte
}

type Range struct {
	Start, End Value
}

type ConnOp uint8

const (
	ConnAnd ConnOp = iota
	ConnOr
)

// Connective is a conjunction or disjunction that could not be folded to a
// boolean, e.g. a set of endpoints.
type Connective struct {
	Op    ConnOp
	Items []Value
}

// ErrorValue is an error as carried inside a DXB body.
type ErrorValue struct {
	Kind    string
	Message string
}

func (e ErrorValue) Error() string { return e.Kind + ": " + e.Message }

// ToError converts the wire representation back into a typed error.
func (e ErrorValue) ToError() error {
	return &dxerr.Error{Kind: dxerr.ParseKind(e.Kind), Msg: e.Message}
}

// FromError builds the wire representation of err.
func FromError(err error) ErrorValue {
	var de *dxerr.Error
	if errors.As(err, &de) {
		msg := de.Msg
		if de.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += de.Err.Error()
		}
		return ErrorValue{Kind: de.Kind.String(), Message: msg}
	}
	return ErrorValue{Kind: dxerr.KindUnknown.String(), Message: err.Error()}
}

type Unit struct {
	Code uint8
	Exp  int8
}

// Quantity is a rational number with a unit signature.
type Quantity struct {
	Value *big.Rat
	Units []Unit
}

func (q Quantity) SameUnit(o Quantity) bool {
	if len(q.Units) != len(o.Units) {
		return false
	}
	for i := range q.Units {
		if q.Units[i] != o.Units[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

// Truthy applies the conditional-jump rule: void, null, false and numeric
// zero are falsy.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil, Void, Null:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case *Pointer:
		return Truthy(x.Get())
	}
	return true
}

func IsVoid(v Value) bool {
	switch v.(type) {
	case nil, Void:
		return true
	}
	return false
}

// Collapse resolves a pointer to its current value.
func Collapse(v Value) Value {
	if p, ok := v.(*Pointer); ok {
		return p.Get()
	}
	return v
}

// Identical is strict identity: same reference for aggregates and pointers,
// equal primitives otherwise.
func Identical(a, b Value) bool {
	switch x := a.(type) {
	case *Array, *Object, *Tuple, *Pointer, *Connective, *Task:
		return a == b
	case []byte:
		y, ok := b.([]byte)
		return ok && string(x) == string(y)
	case Quantity, Type, Code, Range, target.Endpoint:
		return Equal(a, b)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	return primitiveEqual(a, b)
}

// Equal compares by value, collapsing pointers and descending into
// aggregates.
func Equal(a, b Value) bool {
	a, b = Collapse(a), Collapse(b)
	switch x := a.(type) {
	case nil, Void:
		return IsVoid(b)
	case []byte:
		y, ok := b.([]byte)
		return ok && string(x) == string(y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case target.Endpoint:
		y, ok := b.(target.Endpoint)
		return ok && x.Equal(y)
	case Quantity:
		y, ok := b.(Quantity)
		return ok && x.SameUnit(y) && x.Value.Cmp(y.Value) == 0
	case Type:
		y, ok := b.(Type)
		return ok && x.Namespace == y.Namespace && x.Name == y.Name && x.Variation == y.Variation
	case Code:
		y, ok := b.(Code)
		return ok && string(x.Body) == string(y.Body)
	case Range:
		y, ok := b.(Range)
		return ok && Equal(x.Start, y.Start) && Equal(x.End, y.End)
	case *Array:
		y, ok := b.(*Array)
		return ok && equalSlices(x.Items, y.Items)
	case *Tuple:
		y, ok := b.(*Tuple)
		return ok && equalSlices(x.Items, y.Items) && equalObjects(&x.Named, &y.Named)
	case *Object:
		y, ok := b.(*Object)
		return ok && equalObjects(x, y)
	case *Connective:
		y, ok := b.(*Connective)
		return ok && x.Op == y.Op && equalSlices(x.Items, y.Items)
	case ErrorValue:
		y, ok := b.(ErrorValue)
		return ok && x == y
	}
	return primitiveEqual(a, b)
}

func primitiveEqual(a, b Value) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	case bool, string, URL, Null, Void:
		return a == b
	}
	return false
}

func equalSlices(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalObjects(a, b *Object) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, k := range a.Keys() {
		av, _ := a.Get(k)
		bv, ok := b.Get(k)
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Copies
// ---------------------------------------------------------------------------

// Clone deep-copies aggregates. Pointers keep their identity.
func Clone(v Value) Value {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case *Array:
		out := &Array{Items: make([]Value, len(x.Items))}
		for i, it := range x.Items {
			out.Items[i] = Clone(it)
		}
		return out
	case *Object:
		return x.clone()
	case *Tuple:
		out := &Tuple{Items: make([]Value, len(x.Items))}
		for i, it := range x.Items {
			out.Items[i] = Clone(it)
		}
		out.Named = *x.Named.clone()
		return out
	case *Connective:
		out := &Connective{Op: x.Op, Items: make([]Value, len(x.Items))}
		for i, it := range x.Items {
			out.Items[i] = Clone(it)
		}
		return out
	case Quantity:
		return Quantity{Value: new(big.Rat).Set(x.Value), Units: append([]Unit(nil), x.Units...)}
	}
	return v
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// Format renders a value the way the CLI and logs show it.
func Format(v Value) string {
	var b strings.Builder
	format(&b, v, 0)
	return b.String()
}

const maxFormatDepth = 32

func format(b *strings.Builder, v Value, depth int) {
	if depth > maxFormatDepth {
		b.WriteString("...")
		return
	}
	switch x := v.(type) {
	case nil, Void:
		b.WriteString("void")
	case Null:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(formatFloat(x))
	case string:
		b.WriteString(strconv.Quote(x))
	case []byte:
		fmt.Fprintf(b, "`%x`", x)
	case URL:
		b.WriteString(string(x))
	case time.Time:
		b.WriteString("~" + x.UTC().Format(time.RFC3339Nano) + "~")
	case target.Endpoint:
		b.WriteString(x.String())
	case Type:
		b.WriteString("<" + x.String() + ">")
	case Quantity:
		b.WriteString(x.Value.RatString())
		for _, u := range x.Units {
			fmt.Fprintf(b, "u%d^%d", u.Code, u.Exp)
		}
	case Code:
		fmt.Fprintf(b, "(scope %d bytes)", len(x.Body))
	case Range:
		format(b, x.Start, depth+1)
		b.WriteString("..")
		format(b, x.End, depth+1)
	case ErrorValue:
		b.WriteString(x.Error())
	case *Array:
		b.WriteByte('[')
		for i, it := range x.Items {
			if i > 0 {
				b.WriteByte(',')
			}
			format(b, it, depth+1)
		}
		b.WriteByte(']')
	case *Object:
		b.WriteByte('{')
		for i, k := range x.Keys() {
			if i > 0 {
				b.WriteByte(',')
			}
			it, _ := x.Get(k)
			b.WriteString(k + ":")
			format(b, it, depth+1)
		}
		b.WriteByte('}')
	case *Tuple:
		b.WriteByte('(')
		n := 0
		for _, it := range x.Items {
			if n > 0 {
				b.WriteByte(',')
			}
			format(b, it, depth+1)
			n++
		}
		for _, k := range x.Named.Keys() {
			if n > 0 {
				b.WriteByte(',')
			}
			it, _ := x.Named.Get(k)
			b.WriteString(k + ":")
			format(b, it, depth+1)
			n++
		}
		b.WriteByte(')')
	case *Connective:
		sep := " & "
		if x.Op == ConnOr {
			sep = " | "
		}
		b.WriteByte('(')
		for i, it := range x.Items {
			if i > 0 {
				b.WriteString(sep)
			}
			format(b, it, depth+1)
		}
		b.WriteByte(')')
	case *Pointer:
		b.WriteString("$" + x.ID.String())
	case *Task:
		b.WriteString("<Task>")
	default:
		fmt.Fprintf(b, "%v", x)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "infinity"
	case math.IsInf(f, -1):
		return "-infinity"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
