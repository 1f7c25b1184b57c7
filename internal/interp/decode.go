package interp

import (
	"errors"
	"math/big"
	"time"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/value"
)

// instr is one fully decoded instruction. Only the operand fields its opcode
// uses are set.
type instr struct {
	op  dxb.Opcode
	at  int // absolute index of the opcode
	end int // buffer position after the operands

	val    value.Value // literal operand
	name   string
	id     value.PointerID
	action dxb.Opcode
	index  uint32 // jump target or init skip target
	count  uint32
	typ    value.Type
}

// decode reads the instruction at s.pos without consuming it. dxb.ErrShort
// means the buffer ends inside the instruction.
func (s *Scope) decode() (instr, error) {
	r := dxb.NewReader(s.buf, s.pos)
	b, err := r.U8()
	if err != nil {
		return instr{}, err
	}
	in := instr{op: dxb.Opcode(b), at: s.offset + s.pos}
	if !in.op.Known() {
		return in, dxerr.Format("decode", "unknown opcode 0x%02x at %d", b, in.at)
	}
	if err := s.operands(r, &in); err != nil {
		return in, err
	}
	in.end = r.Pos()
	return in, nil
}

func (s *Scope) operands(r *dxb.Reader, in *instr) error {
	var err error
	switch op := in.op; {
	case op == dxb.OpShortText:
		var n uint8
		if n, err = r.U8(); err == nil {
			in.val, err = r.String(int(n))
		}
	case op == dxb.OpText:
		var n uint32
		if n, err = r.U32(); err == nil {
			in.val, err = r.String(int(n))
		}
	case op == dxb.OpInt8:
		var v int8
		v, err = r.I8()
		in.val = int64(v)
	case op == dxb.OpInt16:
		var v int16
		v, err = r.I16()
		in.val = int64(v)
	case op == dxb.OpInt32:
		var v int32
		v, err = r.I32()
		in.val = int64(v)
	case op == dxb.OpInt64:
		var v int64
		v, err = r.I64()
		in.val = v
	case op == dxb.OpFloat64:
		var v float64
		v, err = r.F64()
		in.val = v
	case op == dxb.OpFloatAsInt8:
		var v int8
		v, err = r.I8()
		in.val = float64(v)
	case op == dxb.OpFloatAsInt32:
		var v int32
		v, err = r.I32()
		in.val = float64(v)
	case op == dxb.OpBuffer:
		var n uint32
		var p []byte
		if n, err = r.U32(); err == nil {
			p, err = r.Bytes(int(n))
			in.val = p
		}
	case op == dxb.OpURL:
		var n uint32
		var u string
		if n, err = r.U32(); err == nil {
			u, err = r.String(int(n))
			in.val = value.URL(u)
		}
	case op == dxb.OpScopeBlock:
		var n uint32
		var p []byte
		if n, err = r.U32(); err == nil {
			p, err = r.Bytes(int(n))
			in.val = value.Code{Body: p}
		}
	case op == dxb.OpTime:
		var ms uint64
		ms, err = r.U64()
		in.val = time.UnixMilli(int64(ms)).UTC()
	case op == dxb.OpQuantity:
		in.val, err = readQuantity(r)
	case op.IsEndpointLiteral():
		in.val, err = dxb.ReadEndpointLiteral(r, op)
	case op == dxb.OpType || op == dxb.OpExtendedType:
		in.typ, err = readType(r)
	case op == dxb.OpInternalVar, op == dxb.OpSetInternalVar, op == dxb.OpSetInternalVarReference,
		op == dxb.OpLabel, op == dxb.OpSetLabel:
		in.name, err = readName(r)
	case op == dxb.OpInitInternalVar, op == dxb.OpInitLabel:
		if in.name, err = readName(r); err == nil {
			in.index, err = r.U32()
		}
	case op == dxb.OpInternalVarAction, op == dxb.OpLabelAction:
		var a uint8
		if a, err = r.U8(); err == nil {
			in.action = dxb.Opcode(a)
			in.name, err = readName(r)
		}
	case op == dxb.OpPointer, op == dxb.OpSetPointer:
		in.id, err = readPointerID(r)
	case op == dxb.OpInitPointer:
		if in.id, err = readPointerID(r); err == nil {
			in.index, err = r.U32()
		}
	case op == dxb.OpPointerAction:
		var a uint8
		if a, err = r.U8(); err == nil {
			in.action = dxb.Opcode(a)
			in.id, err = readPointerID(r)
		}
	case op == dxb.OpJmp, op == dxb.OpJtr, op == dxb.OpJfa:
		in.index, err = r.U32()
	case op == dxb.OpElementWithKey:
		var n uint8
		if n, err = r.U8(); err == nil {
			in.val, err = r.String(int(n))
		}
	case op == dxb.OpElementWithIntKey:
		var k uint32
		k, err = r.U32()
		in.val = int64(k)
	case op == dxb.OpInternalObjectSlot:
		var k uint16
		k, err = r.U16()
		in.val = int64(k)
	case op == dxb.OpConjunction, op == dxb.OpDisjunction:
		in.count, err = r.U32()
	case op == dxb.OpChildAction, op == dxb.OpVarResultAction, op == dxb.OpVarSubResultAction,
		op == dxb.OpVarVoidAction, op == dxb.OpVarItAction, op == dxb.OpVarRemoteAction:
		var a uint8
		a, err = r.U8()
		in.action = dxb.Opcode(a)
	}
	return err
}

func readName(r *dxb.Reader) (string, error) {
	n, err := r.U8()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", dxerr.Format("decode", "empty name")
	}
	return r.String(int(n))
}

func readPointerID(r *dxb.Reader) (value.PointerID, error) {
	var id value.PointerID
	b, err := r.Bytes(value.PointerIDSize)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func readType(r *dxb.Reader) (value.Type, error) {
	var t value.Type
	nsLen, err := r.U8()
	if err != nil {
		return t, err
	}
	nameLen, err := r.U8()
	if err != nil {
		return t, err
	}
	varLen, err := r.U8()
	if err != nil {
		return t, err
	}
	if t.Namespace, err = r.String(int(nsLen)); err != nil {
		return t, err
	}
	if t.Name, err = r.String(int(nameLen)); err != nil {
		return t, err
	}
	if t.Variation, err = r.String(int(varLen)); err != nil {
		return t, err
	}
	if t.Name == "" {
		return t, dxerr.Format("decode", "empty type name")
	}
	if t.Namespace == "" {
		t.Namespace = value.StdNamespace
	}
	return t, nil
}

func readQuantity(r *dxb.Reader) (value.Quantity, error) {
	var q value.Quantity
	sign, err := r.U8()
	if err != nil {
		return q, err
	}
	num, err := readMagnitude(r)
	if err != nil {
		return q, err
	}
	den, err := readMagnitude(r)
	if err != nil {
		return q, err
	}
	n, err := r.U8()
	if err != nil {
		return q, err
	}
	for i := 0; i < int(n); i++ {
		code, err := r.U8()
		if err != nil {
			return q, err
		}
		exp, err := r.I8()
		if err != nil {
			return q, err
		}
		q.Units = append(q.Units, value.Unit{Code: code, Exp: exp})
	}
	if den.Sign() == 0 {
		return q, dxerr.Format("decode", "quantity with zero denominator")
	}
	if sign != 0 {
		num.Neg(num)
	}
	q.Value = new(big.Rat).SetFrac(num, den)
	return q, nil
}

func readMagnitude(r *dxb.Reader) (*big.Int, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func isShort(err error) bool { return errors.Is(err, dxb.ErrShort) }
