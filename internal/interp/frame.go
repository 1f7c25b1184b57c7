package interp

import (
	"dxbnet/internal/dxb"
	"dxbnet/internal/value"
)

type frameKind uint8

const (
	frameRoot frameKind = iota
	frameParen
	frameArray
	frameObject
	frameTuple
	// frameCollect gathers a fixed number of raw values, e.g. connective
	// members or the parameters of an extended type.
	frameCollect
)

var frameNames = [...]string{
	frameRoot:    "root",
	frameParen:   "subscope",
	frameArray:   "array",
	frameObject:  "object",
	frameTuple:   "tuple",
	frameCollect: "collect",
}

func (k frameKind) String() string { return frameNames[k] }

type frame struct {
	kind frameKind
	stmt statement

	// last is the value of the most recent closed statement (#sub_result).
	last    value.Value
	hasLast bool

	// collection frames
	coll     value.Value
	key      value.Value
	hasKey   bool
	spread   bool
	elemOpen bool

	// collect frames
	need   int
	items  []value.Value
	finish func(items []value.Value) (value.Value, error)
	keyFor bool // the collected value is the key of the parent's next element
}

func newFrame(kind frameKind) *frame {
	f := &frame{kind: kind}
	switch kind {
	case frameArray:
		f.coll = value.NewArray()
	case frameObject:
		f.coll = value.NewObject()
	case frameTuple:
		f.coll = value.NewTuple()
	}
	return f
}

// collectPrealloc bounds the initial capacity; need comes off the wire.
const collectPrealloc = 16

func newCollect(need int, finish func([]value.Value) (value.Value, error)) *frame {
	return &frame{kind: frameCollect, need: need, items: make([]value.Value, 0, min(need, collectPrealloc)), finish: finish}
}

func (f *frame) isCollection() bool {
	return f.kind == frameArray || f.kind == frameObject || f.kind == frameTuple
}

// prefixOp is a pending cast or command waiting for its operand.
type prefixOp struct {
	op     dxb.Opcode
	cast   bool
	typ    value.Type
	target value.Value // REMOTE
}

type pointerAssign struct {
	id     value.PointerID
	action dxb.Opcode
	init   bool
}

type nameAssign struct {
	name   string
	action dxb.Opcode
}

type childAssign struct {
	parent value.Value
	key    value.Value
	action dxb.Opcode
}

// statement is the pending state between two statement boundaries.
type statement struct {
	operand    value.Value
	hasOperand bool
	prefix     []prefixOp

	binop    dxb.Opcode
	left     value.Value
	hasBinop bool

	childGet    bool
	childKey    bool
	childAct    dxb.Opcode
	childParent value.Value
	discard     bool

	pointers []pointerAssign
	labels   []nameAssign
	children []childAssign
	vars     []nameAssign
	ret      bool
}

func (st *statement) empty() bool {
	return !st.hasOperand && len(st.prefix) == 0 && !st.hasBinop && !st.childGet && !st.childKey &&
		len(st.pointers) == 0 && len(st.labels) == 0 && len(st.children) == 0 && len(st.vars) == 0 && !st.ret
}
