package interp

import (
	"errors"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

// cast converts v to t. std types are handled here; anything else goes to
// Env.Caster.
func (s *Scope) cast(t value.Type, v value.Value) (value.Value, error) {
	if t.Namespace == value.StdNamespace {
		out, err := stdCast(t, v)
		if !errors.Is(err, ErrNoCast) {
			return out, err
		}
	}
	if s.env.Caster != nil {
		out, err := s.env.Caster.Cast(t, v)
		if !errors.Is(err, ErrNoCast) {
			return out, err
		}
	}
	return nil, castError(t, v)
}

func castError(t value.Type, v value.Value) error {
	return dxerr.Type("cast", "cannot cast %s to <%s>", value.TypeOf(v), t)
}

func stdCast(t value.Type, v value.Value) (value.Value, error) {
	x := value.Collapse(v)
	if t.Name == value.TypeAny {
		return v, nil
	}
	if value.TypeOf(x).Is(t) && t.Params == nil {
		return x, nil
	}
	switch t.Name {
	case value.TypeText:
		return value.Format(x), nil
	case value.TypeInteger:
		return toInteger(t, x)
	case value.TypeDecimal:
		return toDecimal(t, x)
	case value.TypeBoolean:
		return value.Truthy(x), nil
	case value.TypeNull:
		return value.Null{}, nil
	case value.TypeVoid:
		return value.Void{}, nil
	case value.TypeBuffer:
		if s, ok := x.(string); ok {
			return []byte(s), nil
		}
	case value.TypeURL:
		if s, ok := x.(string); ok {
			return value.URL(s), nil
		}
	case value.TypeTime:
		switch y := x.(type) {
		case int64:
			return time.UnixMilli(y).UTC(), nil
		case string:
			tm, err := time.Parse(time.RFC3339Nano, y)
			if err != nil {
				return nil, dxerr.Wrap(dxerr.KindValue, "cast", err)
			}
			return tm, nil
		}
	case value.TypeEndpoint:
		if s, ok := x.(string); ok {
			ep, err := target.Parse(s)
			if err != nil {
				return nil, dxerr.Wrap(dxerr.KindValue, "cast", err)
			}
			return ep, nil
		}
	case value.TypeQuantity:
		switch y := x.(type) {
		case int64:
			return value.Quantity{Value: new(big.Rat).SetInt64(y)}, nil
		case float64:
			r := new(big.Rat)
			if r.SetFloat64(y) == nil {
				return nil, castError(t, v)
			}
			return value.Quantity{Value: r}, nil
		}
	case value.TypeArray:
		return toArray(x), nil
	case value.TypeObject:
		return toObject(t, x)
	case value.TypeTuple:
		switch y := x.(type) {
		case *value.Array:
			return value.NewTuple(append([]value.Value(nil), y.Items...)...), nil
		case *value.Object:
			tup := value.NewTuple()
			for _, k := range y.Keys() {
				it, _ := y.Get(k)
				_ = tup.Named.Set(k, it)
			}
			return tup, nil
		}
		return value.NewTuple(x), nil
	case value.TypeError:
		return toError(x)
	case value.TypeType:
		return value.TypeOf(x), nil
	case value.TypeTask:
		task := value.NewTask()
		task.Settle(x, nil)
		return task, nil
	case value.TypeScope:
		if b, ok := x.([]byte); ok {
			return value.Code{Body: b}, nil
		}
	default:
		return nil, ErrNoCast
	}
	return nil, castError(t, v)
}

func toInteger(t value.Type, v value.Value) (value.Value, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || x >= math.MaxInt64 || x < math.MinInt64 {
			return nil, dxerr.Value("cast", "%v does not fit into an integer", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, dxerr.Value("cast", "%q is not an integer", x)
		}
		return n, nil
	case time.Time:
		return x.UnixMilli(), nil
	case value.Quantity:
		if x.Value.IsInt() && x.Value.Num().IsInt64() {
			return x.Value.Num().Int64(), nil
		}
		return nil, dxerr.Value("cast", "%s is not a whole number", x.Value.RatString())
	case nil, value.Void, value.Null:
		return int64(0), nil
	}
	return nil, castError(t, v)
}

func toDecimal(t value.Type, v value.Value) (value.Value, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, dxerr.Value("cast", "%q is not a decimal", x)
		}
		return f, nil
	case value.Quantity:
		f, _ := x.Value.Float64()
		return f, nil
	case nil, value.Void, value.Null:
		return 0.0, nil
	}
	return nil, castError(t, v)
}

func toArray(v value.Value) value.Value {
	switch x := v.(type) {
	case *value.Tuple:
		out := value.NewArray(append([]value.Value(nil), x.Items...)...)
		for _, k := range x.Named.Keys() {
			it, _ := x.Named.Get(k)
			out.Items = append(out.Items, it)
		}
		return out
	case *value.Connective:
		return value.NewArray(append([]value.Value(nil), x.Items...)...)
	case *value.Object:
		out := value.NewArray()
		for _, k := range x.Keys() {
			it, _ := x.Get(k)
			out.Items = append(out.Items, it)
		}
		return out
	case nil, value.Void:
		return value.NewArray()
	}
	return value.NewArray(v)
}

func toObject(t value.Type, v value.Value) (value.Value, error) {
	switch x := v.(type) {
	case *value.Tuple:
		out := value.NewObject()
		for i, it := range x.Items {
			_ = out.Set(strconv.Itoa(i), it)
		}
		for _, k := range x.Named.Keys() {
			it, _ := x.Named.Get(k)
			_ = out.Set(k, it)
		}
		return out, nil
	case *value.Array:
		out := value.NewObject()
		for i, it := range x.Items {
			_ = out.Set(strconv.Itoa(i), it)
		}
		return out, nil
	case value.ErrorValue:
		out := value.NewObject()
		_ = out.Set("kind", x.Kind)
		_ = out.Set("message", x.Message)
		return out, nil
	case nil, value.Void:
		return value.NewObject(), nil
	}
	return nil, castError(t, v)
}

// toError builds an error value from {kind, message}, a tuple or plain text.
func toError(v value.Value) (value.Value, error) {
	switch x := v.(type) {
	case string:
		return value.ErrorValue{Kind: dxerr.KindUnknown.String(), Message: x}, nil
	case *value.Object:
		return errorFields(x.Get)
	case *value.Tuple:
		if len(x.Items) == 2 {
			kind, _ := x.Items[0].(string)
			msg, _ := x.Items[1].(string)
			return value.ErrorValue{Kind: kind, Message: msg}, nil
		}
		return errorFields(x.Named.Get)
	}
	return nil, castError(value.Std(value.TypeError), v)
}

func errorFields(get func(string) (value.Value, bool)) (value.Value, error) {
	out := value.ErrorValue{Kind: dxerr.KindUnknown.String()}
	if k, ok := get("kind"); ok {
		s, isText := value.Collapse(k).(string)
		if !isText {
			return nil, dxerr.Type("cast", "error kind must be text")
		}
		out.Kind = s
	}
	if m, ok := get("message"); ok {
		if s, isText := value.Collapse(m).(string); isText {
			out.Message = s
		} else {
			out.Message = value.Format(value.Collapse(m))
		}
	}
	return out, nil
}
