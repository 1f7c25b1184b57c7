package interp

import (
	"bytes"
	"math"
	"math/big"
	"math/bits"
	"strings"
	"time"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/value"
)

func isBinary(op dxb.Opcode) bool {
	switch op {
	case dxb.OpAdd, dxb.OpSubtract, dxb.OpMultiply, dxb.OpDivide, dxb.OpModulo, dxb.OpPower,
		dxb.OpAnd, dxb.OpOr,
		dxb.OpEqualValue, dxb.OpNotEqualValue, dxb.OpEqual, dxb.OpNotEqual,
		dxb.OpGreater, dxb.OpLess, dxb.OpGreaterEqual, dxb.OpLessEqual,
		dxb.OpRange, dxb.OpDefault, dxb.OpHas, dxb.OpMatches, dxb.OpExtends, dxb.OpImplements:
		return true
	}
	return false
}

// binary evaluates a op b. Pointers are compared by identity for === and
// collapsed everywhere else.
func (s *Scope) binary(op dxb.Opcode, a, b value.Value) (value.Value, error) {
	switch op {
	case dxb.OpEqual:
		return value.Identical(a, b), nil
	case dxb.OpNotEqual:
		return !value.Identical(a, b), nil
	case dxb.OpEqualValue:
		return value.Equal(a, b), nil
	case dxb.OpNotEqualValue:
		return !value.Equal(a, b), nil
	case dxb.OpAnd:
		return value.Truthy(a) && value.Truthy(b), nil
	case dxb.OpOr:
		return value.Truthy(a) || value.Truthy(b), nil
	case dxb.OpRange:
		return value.Range{Start: value.Collapse(a), End: value.Collapse(b)}, nil
	case dxb.OpDefault:
		switch value.Collapse(a).(type) {
		case nil, value.Void, value.Null:
			return b, nil
		}
		return a, nil
	}

	x, y := value.Collapse(a), value.Collapse(b)
	switch op {
	case dxb.OpGreater, dxb.OpLess, dxb.OpGreaterEqual, dxb.OpLessEqual:
		c, ok := compare(x, y)
		if !ok {
			return s.overload(op, x, y)
		}
		switch op {
		case dxb.OpGreater:
			return c > 0, nil
		case dxb.OpLess:
			return c < 0, nil
		case dxb.OpGreaterEqual:
			return c >= 0, nil
		}
		return c <= 0, nil
	case dxb.OpHas:
		return has(x, y)
	case dxb.OpMatches:
		return matches(x, y), nil
	case dxb.OpExtends, dxb.OpImplements:
		ta, ok1 := x.(value.Type)
		tb, ok2 := y.(value.Type)
		if !ok1 || !ok2 {
			return nil, dxerr.Type("exec", "%s needs two types", op)
		}
		return tb.Is(value.Std(value.TypeAny)) || ta.Is(tb), nil
	}
	out, handled, err := arithmetic(op, x, y)
	if err != nil {
		return nil, err
	}
	if handled {
		return out, nil
	}
	return s.overload(op, x, y)
}

func (s *Scope) overload(op dxb.Opcode, a, b value.Value) (value.Value, error) {
	if s.env.Overloader != nil {
		v, ok, err := s.env.Overloader.Operate(op, a, b)
		if err != nil {
			return nil, err
		}
		if ok {
			return v, nil
		}
	}
	return nil, dxerr.Type("exec", "%s is not defined for %s and %s", op, value.TypeOf(a), value.TypeOf(b))
}

// arithmetic handles the built-in numeric, text, buffer and quantity rules.
func arithmetic(op dxb.Opcode, a, b value.Value) (value.Value, bool, error) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			v, err := intOp(op, x, y)
			return v, v != nil || err != nil, err
		case float64:
			v, err := floatOp(op, float64(x), y)
			return v, v != nil || err != nil, err
		case value.Quantity:
			if op == dxb.OpMultiply {
				return scaleQuantity(y, new(big.Rat).SetInt64(x)), true, nil
			}
		}
	case float64:
		switch y := b.(type) {
		case int64:
			v, err := floatOp(op, x, float64(y))
			return v, v != nil || err != nil, err
		case float64:
			v, err := floatOp(op, x, y)
			return v, v != nil || err != nil, err
		}
	case string:
		if y, ok := b.(string); ok && op == dxb.OpAdd {
			return x + y, true, nil
		}
	case []byte:
		if y, ok := b.([]byte); ok && op == dxb.OpAdd {
			return append(append([]byte(nil), x...), y...), true, nil
		}
	case time.Time:
		if ms, ok := b.(int64); ok {
			switch op {
			case dxb.OpAdd:
				return x.Add(time.Duration(ms) * time.Millisecond), true, nil
			case dxb.OpSubtract:
				return x.Add(-time.Duration(ms) * time.Millisecond), true, nil
			}
		}
		if y, ok := b.(time.Time); ok && op == dxb.OpSubtract {
			return x.Sub(y).Milliseconds(), true, nil
		}
	case value.Quantity:
		return quantityOp(op, x, b)
	}
	return nil, false, nil
}

func intOp(op dxb.Opcode, x, y int64) (value.Value, error) {
	switch op {
	case dxb.OpAdd:
		r := x + y
		if (r > x) != (y > 0) {
			return nil, overflow(op)
		}
		return r, nil
	case dxb.OpSubtract:
		r := x - y
		if (r < x) != (y > 0) {
			return nil, overflow(op)
		}
		return r, nil
	case dxb.OpMultiply:
		if x == 0 || y == 0 {
			return int64(0), nil
		}
		r := x * y
		if r/y != x || (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
			return nil, overflow(op)
		}
		return r, nil
	case dxb.OpDivide:
		if y == 0 {
			return nil, divisionByZero()
		}
		if x == math.MinInt64 && y == -1 {
			return nil, overflow(op)
		}
		return x / y, nil
	case dxb.OpModulo:
		if y == 0 {
			return nil, divisionByZero()
		}
		if y == -1 {
			return int64(0), nil
		}
		return x % y, nil
	case dxb.OpPower:
		if y < 0 {
			return math.Pow(float64(x), float64(y)), nil
		}
		return intPow(x, y)
	}
	return nil, nil
}

// intPow rejects results past int64 before computing them.
func intPow(x, y int64) (value.Value, error) {
	switch {
	case y == 0 || x == 1:
		return int64(1), nil
	case x == 0:
		return int64(0), nil
	case x == -1:
		if y%2 == 0 {
			return int64(1), nil
		}
		return int64(-1), nil
	}
	mag := uint64(x)
	if x < 0 {
		mag = uint64(-x)
	}
	if y > 63 || int64(bits.Len64(mag)-1)*y > 63 {
		return nil, overflow(dxb.OpPower)
	}
	r := new(big.Int).Exp(big.NewInt(x), big.NewInt(y), nil)
	if !r.IsInt64() {
		return nil, overflow(dxb.OpPower)
	}
	return r.Int64(), nil
}

func floatOp(op dxb.Opcode, x, y float64) (value.Value, error) {
	switch op {
	case dxb.OpAdd:
		return x + y, nil
	case dxb.OpSubtract:
		return x - y, nil
	case dxb.OpMultiply:
		return x * y, nil
	case dxb.OpDivide:
		if y == 0 {
			return nil, divisionByZero()
		}
		return x / y, nil
	case dxb.OpModulo:
		if y == 0 {
			return nil, divisionByZero()
		}
		return math.Mod(x, y), nil
	case dxb.OpPower:
		return math.Pow(x, y), nil
	}
	return nil, nil
}

func overflow(op dxb.Opcode) error {
	return dxerr.Value("exec", "integer overflow in %s", op)
}

func divisionByZero() error {
	return dxerr.Value("exec", "division by zero")
}

func quantityOp(op dxb.Opcode, q value.Quantity, b value.Value) (value.Value, bool, error) {
	switch y := b.(type) {
	case value.Quantity:
		switch op {
		case dxb.OpAdd, dxb.OpSubtract:
			if !q.SameUnit(y) {
				return nil, true, dxerr.Type("quantity", "cannot combine quantities of different units")
			}
			r := new(big.Rat)
			if op == dxb.OpAdd {
				r.Add(q.Value, y.Value)
			} else {
				r.Sub(q.Value, y.Value)
			}
			return value.Quantity{Value: r, Units: q.Units}, true, nil
		case dxb.OpMultiply:
			return value.Quantity{Value: new(big.Rat).Mul(q.Value, y.Value), Units: combineUnits(q.Units, y.Units, 1)}, true, nil
		case dxb.OpDivide:
			if y.Value.Sign() == 0 {
				return nil, true, divisionByZero()
			}
			return value.Quantity{Value: new(big.Rat).Quo(q.Value, y.Value), Units: combineUnits(q.Units, y.Units, -1)}, true, nil
		}
	case int64:
		switch op {
		case dxb.OpMultiply:
			return scaleQuantity(q, new(big.Rat).SetInt64(y)), true, nil
		case dxb.OpDivide:
			if y == 0 {
				return nil, true, divisionByZero()
			}
			return scaleQuantity(q, new(big.Rat).SetFrac64(1, y)), true, nil
		}
	case float64:
		r := new(big.Rat)
		if r.SetFloat64(y) == nil {
			return nil, true, dxerr.Value("quantity", "cannot scale by %v", y)
		}
		switch op {
		case dxb.OpMultiply:
			return scaleQuantity(q, r), true, nil
		case dxb.OpDivide:
			if r.Sign() == 0 {
				return nil, true, divisionByZero()
			}
			return scaleQuantity(q, r.Inv(r)), true, nil
		}
	}
	return nil, false, nil
}

func scaleQuantity(q value.Quantity, f *big.Rat) value.Quantity {
	return value.Quantity{Value: new(big.Rat).Mul(q.Value, f), Units: append([]value.Unit(nil), q.Units...)}
}

// combineUnits adds exponents of b (negated for sign -1) to a. Units that
// cancel out are dropped.
func combineUnits(a, b []value.Unit, sign int8) []value.Unit {
	exps := make(map[uint8]int8)
	var order []uint8
	for _, list := range [][]value.Unit{a, b} {
		for _, u := range list {
			if _, ok := exps[u.Code]; !ok {
				order = append(order, u.Code)
			}
		}
	}
	for _, u := range a {
		exps[u.Code] += u.Exp
	}
	for _, u := range b {
		exps[u.Code] += sign * u.Exp
	}
	var out []value.Unit
	for _, code := range order {
		if e := exps[code]; e != 0 {
			out = append(out, value.Unit{Code: code, Exp: e})
		}
	}
	return out
}

// compare orders numbers, texts, times and same-unit quantities.
func compare(a, b value.Value) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpOrdered(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, float64(y)), true
		case float64:
			return cmpOrdered(x, y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), true
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	case value.Quantity:
		if y, ok := b.(value.Quantity); ok && x.SameUnit(y) {
			return x.Value.Cmp(y.Value), true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func has(coll, v value.Value) (value.Value, error) {
	switch c := coll.(type) {
	case *value.Array:
		for _, it := range c.Items {
			if value.Equal(it, v) {
				return true, nil
			}
		}
		return false, nil
	case *value.Object:
		k, err := keyString(v)
		if err != nil {
			return false, nil
		}
		return c.Has(k), nil
	case *value.Tuple:
		_, ok := c.Get(v)
		return ok, nil
	case *value.Connective:
		for _, it := range c.Items {
			if value.Equal(it, v) {
				return true, nil
			}
		}
		return false, nil
	case string:
		sub, ok := v.(string)
		if !ok {
			return nil, dxerr.Type("has", "text can only contain text")
		}
		return strings.Contains(c, sub), nil
	case value.Range:
		lo, ok1 := compare(c.Start, v)
		hi, ok2 := compare(v, c.End)
		if !ok1 || !ok2 {
			return false, nil
		}
		return lo <= 0 && hi < 0, nil
	}
	return nil, dxerr.Type("has", "%s is not a collection", value.TypeOf(coll))
}

// matches checks v against a type, a range or a value.
func matches(v, pattern value.Value) bool {
	switch p := pattern.(type) {
	case value.Type:
		return p.Is(value.Std(value.TypeAny)) || value.TypeOf(v).Is(p)
	case value.Range:
		out, err := has(p, v)
		return err == nil && out == true
	case *value.Connective:
		for _, it := range p.Items {
			m := matches(v, value.Collapse(it))
			if p.Op == value.ConnOr && m {
				return true
			}
			if p.Op == value.ConnAnd && !m {
				return false
			}
		}
		return p.Op == value.ConnAnd
	}
	return value.Equal(v, pattern)
}
