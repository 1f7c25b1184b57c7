package dxb

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

// Builder assembles a DXB body. Methods chain; the first encoding error sticks
// and is returned by Bytes.
type Builder struct {
	w   Writer
	err error
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.w.Bytes(), nil
}

// MustBytes is Bytes for tests and constant bodies.
func (b *Builder) MustBytes() []byte {
	out, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	return out
}

// Pos is the offset the next instruction will be written at.
func (b *Builder) Pos() int { return b.w.Len() }

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) Op(ops ...Opcode) *Builder {
	for _, op := range ops {
		b.w.U8(byte(op))
	}
	return b
}

func (b *Builder) Close() *Builder { return b.Op(OpCloseAndStore) }

func (b *Builder) Null() *Builder { return b.Op(OpNull) }

func (b *Builder) Void() *Builder { return b.Op(OpVoid) }

func (b *Builder) Bool(v bool) *Builder {
	if v {
		return b.Op(OpTrue)
	}
	return b.Op(OpFalse)
}

// Int writes the narrowest integer opcode that holds v.
func (b *Builder) Int(v int64) *Builder {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		b.Op(OpInt8)
		b.w.U8(byte(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		b.Op(OpInt16)
		b.w.U16(uint16(int16(v)))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		b.Op(OpInt32)
		b.w.U32(uint32(int32(v)))
	default:
		b.Op(OpInt64)
		b.w.U64(uint64(v))
	}
	return b
}

// Float writes whole numbers in the compact int-backed forms.
func (b *Builder) Float(v float64) *Builder {
	if v == math.Trunc(v) && !math.IsInf(v, 0) && !(v == 0 && math.Signbit(v)) {
		switch {
		case v >= math.MinInt8 && v <= math.MaxInt8:
			b.Op(OpFloatAsInt8)
			b.w.U8(byte(int8(v)))
			return b
		case v >= math.MinInt32 && v <= math.MaxInt32:
			b.Op(OpFloatAsInt32)
			b.w.U32(uint32(int32(v)))
			return b
		}
	}
	b.Op(OpFloat64)
	b.w.F64(v)
	return b
}

func (b *Builder) Text(s string) *Builder {
	if len(s) <= 255 {
		b.Op(OpShortText)
		b.w.U8(byte(len(s)))
	} else {
		b.Op(OpText)
		b.w.U32(uint32(len(s)))
	}
	b.w.Raw([]byte(s))
	return b
}

func (b *Builder) Buffer(p []byte) *Builder {
	b.Op(OpBuffer)
	b.w.U32(uint32(len(p)))
	b.w.Raw(p)
	return b
}

func (b *Builder) URL(u string) *Builder {
	b.Op(OpURL)
	b.w.U32(uint32(len(u)))
	b.w.Raw([]byte(u))
	return b
}

func (b *Builder) Time(t time.Time) *Builder {
	b.Op(OpTime)
	b.w.U64(uint64(t.UnixMilli()))
	return b
}

// ScopeBlock embeds a nested body as a code value.
func (b *Builder) ScopeBlock(body []byte) *Builder {
	b.Op(OpScopeBlock)
	b.w.U32(uint32(len(body)))
	b.w.Raw(body)
	return b
}

func (b *Builder) Endpoint(ep target.Endpoint) *Builder {
	op, err := endpointOpcode(ep)
	if err != nil {
		return b.fail(err)
	}
	b.Op(op)
	e := ep
	if e.Instance == target.WildcardInstance {
		e.Instance = ""
	}
	if err := appendEndpointTail(&b.w, e, false); err != nil {
		return b.fail(err)
	}
	return b
}

func endpointOpcode(ep target.Endpoint) (Opcode, error) {
	wild := ep.IsWildcard()
	switch ep.Type {
	case target.TypePerson:
		if wild {
			return OpPersonAliasWildcard, nil
		}
		return OpPersonAlias, nil
	case target.TypeInstitution:
		if wild {
			return OpInstitutionAliasWildcard, nil
		}
		return OpInstitutionAlias, nil
	case target.TypeBot:
		if wild {
			return OpBotWildcard, nil
		}
		return OpBot, nil
	case target.TypeID:
		if wild {
			return OpEndpointWildcard, nil
		}
		return OpEndpoint, nil
	}
	return 0, fmt.Errorf("cannot encode endpoint of type 0x%02x", byte(ep.Type))
}

// Type writes a type reference. Std types without variation or parameters
// use their shorthand opcode.
func (b *Builder) Type(t value.Type) *Builder {
	if t.Namespace == value.StdNamespace && t.Variation == "" && t.Params == nil {
		for op, name := range StdTypeName {
			if name == t.Name {
				return b.Op(op)
			}
		}
	}
	if len(t.Namespace) > 255 || len(t.Name) > 255 || len(t.Variation) > 255 {
		return b.fail(fmt.Errorf("type name too long: %s", t))
	}
	if t.Params != nil {
		b.Op(OpExtendedType)
	} else {
		b.Op(OpType)
	}
	b.w.U8(byte(len(t.Namespace)))
	b.w.U8(byte(len(t.Name)))
	b.w.U8(byte(len(t.Variation)))
	b.w.Raw([]byte(t.Namespace))
	b.w.Raw([]byte(t.Name))
	b.w.Raw([]byte(t.Variation))
	if t.Params != nil {
		// the parameter value follows the extended type
		b.Value(t.Params)
	}
	return b
}

// Quantity operands: sign u8, numerator and denominator as u16 length +
// big-endian magnitude, then u8 unit count and (code u8, exponent i8) pairs.
func (b *Builder) Quantity(q value.Quantity) *Builder {
	r := q.Value
	if r == nil {
		r = new(big.Rat)
	}
	num := new(big.Int).Abs(r.Num()).Bytes()
	den := r.Denom().Bytes()
	if len(num) > math.MaxUint16 || len(den) > math.MaxUint16 || len(q.Units) > 255 {
		return b.fail(fmt.Errorf("quantity too large"))
	}
	b.Op(OpQuantity)
	if r.Sign() < 0 {
		b.w.U8(1)
	} else {
		b.w.U8(0)
	}
	b.w.U16(uint16(len(num)))
	b.w.Raw(num)
	b.w.U16(uint16(len(den)))
	b.w.Raw(den)
	b.w.U8(byte(len(q.Units)))
	for _, u := range q.Units {
		b.w.U8(u.Code)
		b.w.U8(byte(u.Exp))
	}
	return b
}

func (b *Builder) name(s string) *Builder {
	if len(s) == 0 || len(s) > 255 {
		return b.fail(fmt.Errorf("name length %d out of range", len(s)))
	}
	b.w.U8(byte(len(s)))
	b.w.Raw([]byte(s))
	return b
}

func (b *Builder) InternalVar(name string) *Builder    { return b.Op(OpInternalVar).name(name) }
func (b *Builder) SetInternalVar(name string) *Builder { return b.Op(OpSetInternalVar).name(name) }

// InternalVarAction writes `#name op= value`; the value follows.
func (b *Builder) InternalVarAction(action Opcode, name string) *Builder {
	return b.Op(OpInternalVarAction, action).name(name)
}

func (b *Builder) Label(name string) *Builder    { return b.Op(OpLabel).name(name) }
func (b *Builder) SetLabel(name string) *Builder { return b.Op(OpSetLabel).name(name) }

func (b *Builder) Pointer(id value.PointerID) *Builder {
	b.Op(OpPointer)
	b.w.Raw(id[:])
	return b
}

func (b *Builder) SetPointer(id value.PointerID) *Builder {
	b.Op(OpSetPointer)
	b.w.Raw(id[:])
	return b
}

func (b *Builder) PointerAction(action Opcode, id value.PointerID) *Builder {
	b.Op(OpPointerAction, action)
	b.w.Raw(id[:])
	return b
}

// The Init* methods write a placeholder skip index and return its offset
// for PatchIndex.

func (b *Builder) InitInternalVar(name string) int {
	b.Op(OpInitInternalVar).name(name)
	at := b.w.Len()
	b.w.U32(0)
	return at
}

func (b *Builder) InitLabel(name string) int {
	b.Op(OpInitLabel).name(name)
	at := b.w.Len()
	b.w.U32(0)
	return at
}

func (b *Builder) InitPointer(id value.PointerID) int {
	b.Op(OpInitPointer)
	b.w.Raw(id[:])
	at := b.w.Len()
	b.w.U32(0)
	return at
}

// Jump writes JMP, JTR or JFA and returns the offset of its index operand.
func (b *Builder) Jump(op Opcode, index uint32) int {
	if op != OpJmp && op != OpJtr && op != OpJfa {
		b.fail(fmt.Errorf("%s is not a jump", op))
		return -1
	}
	b.Op(op)
	at := b.w.Len()
	b.w.U32(index)
	return at
}

// PatchIndex overwrites a u32 operand written earlier.
func (b *Builder) PatchIndex(at int, index uint32) *Builder {
	if at < 0 || at+4 > b.w.Len() {
		return b.fail(fmt.Errorf("patch offset %d out of range", at))
	}
	buf := b.w.Bytes()
	buf[at] = byte(index)
	buf[at+1] = byte(index >> 8)
	buf[at+2] = byte(index >> 16)
	buf[at+3] = byte(index >> 24)
	return b
}

func (b *Builder) Key(k string) *Builder {
	b.Op(OpElementWithKey)
	if len(k) > 255 {
		return b.fail(fmt.Errorf("key too long: %d bytes", len(k)))
	}
	b.w.U8(byte(len(k)))
	b.w.Raw([]byte(k))
	return b
}

func (b *Builder) IntKey(k uint32) *Builder {
	b.Op(OpElementWithIntKey)
	b.w.U32(k)
	return b
}

func (b *Builder) Slot(slot uint16) *Builder {
	b.Op(OpInternalObjectSlot)
	b.w.U16(slot)
	return b
}

func (b *Builder) Connective(op value.ConnOp, n int) *Builder {
	if op == value.ConnOr {
		b.Op(OpDisjunction)
	} else {
		b.Op(OpConjunction)
	}
	b.w.U32(uint32(n))
	return b
}

// Value appends the instructions that reproduce v.
func (b *Builder) Value(v value.Value) *Builder {
	if b.err != nil {
		return b
	}
	switch x := v.(type) {
	case nil, value.Void:
		return b.Void()
	case value.Null:
		return b.Null()
	case bool:
		return b.Bool(x)
	case int:
		return b.Int(int64(x))
	case int8:
		return b.Int(int64(x))
	case int16:
		return b.Int(int64(x))
	case int32:
		return b.Int(int64(x))
	case int64:
		return b.Int(x)
	case uint8:
		return b.Int(int64(x))
	case uint16:
		return b.Int(int64(x))
	case uint32:
		return b.Int(int64(x))
	case float32:
		return b.Float(float64(x))
	case float64:
		return b.Float(x)
	case string:
		return b.Text(x)
	case []byte:
		return b.Buffer(x)
	case value.URL:
		return b.URL(string(x))
	case value.Code:
		return b.ScopeBlock(x.Body)
	case time.Time:
		return b.Time(x)
	case target.Endpoint:
		return b.Endpoint(x)
	case value.Type:
		return b.Type(x)
	case value.Quantity:
		return b.Quantity(x)
	case value.PointerID:
		return b.Pointer(x)
	case *value.Pointer:
		return b.Pointer(x.ID)
	case value.Range:
		b.Op(OpSubscopeStart).Value(x.Start).Op(OpRange).Value(x.End)
		return b.Op(OpSubscopeEnd)
	case *value.Connective:
		b.Connective(x.Op, len(x.Items))
		for _, it := range x.Items {
			b.Value(it)
		}
		return b
	case *value.Array:
		b.Op(OpArrayStart)
		for _, it := range x.Items {
			b.Op(OpElement).Value(it)
		}
		return b.Op(OpArrayEnd)
	case *value.Object:
		b.Op(OpObjectStart)
		for _, k := range x.Keys() {
			it, _ := x.Get(k)
			b.Key(k).Value(it)
		}
		return b.Op(OpObjectEnd)
	case *value.Tuple:
		b.Op(OpTupleStart)
		for _, it := range x.Items {
			b.Op(OpElement).Value(it)
		}
		for _, k := range x.Named.Keys() {
			it, _ := x.Named.Get(k)
			b.Key(k).Value(it)
		}
		return b.Op(OpTupleEnd)
	case value.ErrorValue:
		return b.Error(x)
	case error:
		return b.Error(value.FromError(x))
	case map[string]value.Value:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.Op(OpObjectStart)
		for _, k := range keys {
			b.Key(k).Value(x[k])
		}
		return b.Op(OpObjectEnd)
	case []value.Value:
		return b.Value(value.NewArray(x...))
	}
	return b.fail(fmt.Errorf("cannot encode value of type %T", v))
}

// Error writes `<std:Error> (kind: ..., message: ...)`.
func (b *Builder) Error(e value.ErrorValue) *Builder {
	b.Type(value.Std(value.TypeError))
	b.Op(OpObjectStart).Key("kind").Text(e.Kind).Key("message").Text(e.Message)
	return b.Op(OpObjectEnd)
}

// BuildValue is the body `v;`.
func BuildValue(v value.Value) ([]byte, error) {
	return NewBuilder().Value(v).Close().Bytes()
}

// BuildError is the body `yeet <std:Error>(...);`.
func BuildError(err error) ([]byte, error) {
	return NewBuilder().Op(OpYeet).Error(value.FromError(err)).Close().Bytes()
}
