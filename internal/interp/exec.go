package interp

import (
	"context"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/value"
)

// exec runs one decoded instruction. Every opcode of the instruction set has
// a case; unsupported instructions fail the scope.
func (s *Scope) exec(in instr) error {
	switch in.op {
	// Flow
	case dxb.OpExit:
		s.state = Closed
		return nil
	case dxb.OpCloseAndStore:
		return s.closeStatement()
	case dxb.OpSubscopeStart:
		return s.push(newFrame(frameParen))
	case dxb.OpSubscopeEnd:
		return s.endSubscope()
	case dxb.OpCachePoint:
		s.cache = true
		return nil
	case dxb.OpCacheReset:
		s.cache = false
		return nil

	// Std types
	case dxb.OpStdText, dxb.OpStdInt, dxb.OpStdFloat, dxb.OpStdBoolean, dxb.OpStdNull, dxb.OpStdVoid,
		dxb.OpStdBuffer, dxb.OpStdCodeBlock, dxb.OpStdUnit, dxb.OpStdTime, dxb.OpStdURL, dxb.OpStdArray,
		dxb.OpStdObject, dxb.OpStdSet, dxb.OpStdMap, dxb.OpStdTuple, dxb.OpStdFunction, dxb.OpStdStream,
		dxb.OpStdAny, dxb.OpStdAssertion, dxb.OpStdTask, dxb.OpStdIterator:
		return s.insert(value.Std(dxb.StdTypeName[in.op]))

	// Internal variable shorthands
	case dxb.OpVarResult:
		return s.insert(s.result)
	case dxb.OpVarSubResult:
		return s.insert(s.subResult())
	case dxb.OpVarVoid:
		return s.insert(value.Void{})
	case dxb.OpVarIt:
		return s.insert(s.varOr("it"))
	case dxb.OpVarRemote:
		return s.insert(s.varOr("remote"))
	case dxb.OpVarOrigin:
		return s.insert(s.meta.Sender)
	case dxb.OpVarEndpoint:
		return s.insert(s.env.Local)
	case dxb.OpVarMeta:
		return s.insert(s.meta.object())
	case dxb.OpVarEnv:
		return s.insert(s.envObject())
	case dxb.OpVarEntrypoint, dxb.OpVarStd, dxb.OpVarPublic, dxb.OpVarThis, dxb.OpVarLocation:
		return s.insert(value.Void{})
	case dxb.OpSetVarResult, dxb.OpSetVarResultReference:
		return s.assignVar(varResult, 0)
	case dxb.OpSetVarSubResult, dxb.OpSetVarSubResultReference:
		return s.assignVar(varSubResult, 0)
	case dxb.OpSetVarVoid, dxb.OpSetVarVoidReference:
		return s.assignVar(varVoid, 0)
	case dxb.OpSetVarIt, dxb.OpSetVarItReference:
		return s.assignVar("it", 0)
	case dxb.OpVarResultAction:
		return s.assignVar(varResult, in.action)
	case dxb.OpVarSubResultAction:
		return s.assignVar(varSubResult, in.action)
	case dxb.OpVarVoidAction:
		return s.assignVar(varVoid, in.action)
	case dxb.OpVarItAction:
		return s.assignVar("it", in.action)
	case dxb.OpVarRemoteAction:
		return s.assignVar("remote", in.action)

	// Runtime commands
	case dxb.OpReturn:
		st, err := s.stmt(in.op)
		if err != nil {
			return err
		}
		st.ret = true
		return nil
	case dxb.OpDebugger, dxb.OpPlainScope:
		return nil
	case dxb.OpJmp:
		return s.execJump(in.index)
	case dxb.OpJtr, dxb.OpJfa:
		return s.execCondJump(in.op, in.index)
	case dxb.OpCount, dxb.OpDeletePointer, dxb.OpCopy, dxb.OpClone, dxb.OpOrigin, dxb.OpSubscribers,
		dxb.OpAwait, dxb.OpAssert, dxb.OpFreeze, dxb.OpSeal, dxb.OpKeys, dxb.OpGetType, dxb.OpDo,
		dxb.OpCollapse, dxb.OpCloneCollapse, dxb.OpCreatePointer, dxb.OpYeet, dxb.OpNot,
		dxb.OpIncrement, dxb.OpDecrement:
		st, err := s.stmt(in.op)
		if err != nil {
			return err
		}
		st.prefix = append(st.prefix, prefixOp{op: in.op})
		return nil
	case dxb.OpRemote:
		return s.execRemote()
	case dxb.OpExtends, dxb.OpImplements, dxb.OpMatches, dxb.OpHas, dxb.OpRange, dxb.OpDefault,
		dxb.OpEqualValue, dxb.OpNotEqualValue, dxb.OpEqual, dxb.OpNotEqual, dxb.OpGreater, dxb.OpLess,
		dxb.OpGreaterEqual, dxb.OpLessEqual,
		dxb.OpAnd, dxb.OpOr, dxb.OpAdd, dxb.OpSubtract, dxb.OpMultiply, dxb.OpDivide, dxb.OpModulo, dxb.OpPower:
		return s.execBinary(in.op)
	case dxb.OpTemplate, dxb.OpAbout, dxb.OpNew, dxb.OpTransform, dxb.OpObserve, dxb.OpRun, dxb.OpDefer,
		dxb.OpFunction, dxb.OpIterator, dxb.OpNext, dxb.OpGet, dxb.OpResolveRelativePath, dxb.OpResponse,
		dxb.OpWildcard, dxb.OpSync, dxb.OpStopSync, dxb.OpStream, dxb.OpStopStream:
		return unsupported(in)

	// Variables, labels and pointers
	case dxb.OpInternalVar:
		v, err := s.readVar(in.name)
		if err != nil {
			return err
		}
		return s.insert(v)
	case dxb.OpSetInternalVar, dxb.OpSetInternalVarReference:
		return s.assignVar(in.name, 0)
	case dxb.OpInitInternalVar:
		if s.restored[in.name] {
			return s.jump(in.index)
		}
		s.persist[in.name] = true
		return s.assignVar(in.name, 0)
	case dxb.OpInternalVarAction:
		if !isBinary(in.action) {
			return dxerr.Format("exec", "invalid assignment action %s", in.action)
		}
		return s.assignVar(in.name, in.action)
	case dxb.OpLabel:
		p, ok := s.env.Pointers.Label(in.name)
		if !ok {
			return dxerr.Value("label", "label $%s does not exist", in.name)
		}
		return s.insert(p)
	case dxb.OpSetLabel:
		return s.assignLabel(in.name, 0)
	case dxb.OpInitLabel:
		if _, ok := s.env.Pointers.Label(in.name); ok {
			return s.jump(in.index)
		}
		return s.assignLabel(in.name, 0)
	case dxb.OpLabelAction:
		if !isBinary(in.action) {
			return dxerr.Format("exec", "invalid assignment action %s", in.action)
		}
		return s.assignLabel(in.name, in.action)
	case dxb.OpPointer:
		p, err := s.resolvePointer(in.id)
		if err != nil {
			return err
		}
		return s.insert(p)
	case dxb.OpSetPointer:
		return s.assignPointer(pointerAssign{id: in.id})
	case dxb.OpInitPointer:
		if _, ok := s.env.Pointers.Resolve(in.id); ok {
			return s.jump(in.index)
		}
		return s.assignPointer(pointerAssign{id: in.id, init: true})
	case dxb.OpPointerAction:
		if !isBinary(in.action) {
			return dxerr.Format("exec", "invalid assignment action %s", in.action)
		}
		return s.assignPointer(pointerAssign{id: in.id, action: in.action})

	// Children
	case dxb.OpChildGet, dxb.OpChildGetRef:
		st, err := s.stmt(in.op)
		if err != nil {
			return err
		}
		if !st.hasOperand {
			return dxerr.Runtime("exec", "%s without a parent value", in.op)
		}
		st.childGet = true
		return nil
	case dxb.OpChildSet, dxb.OpChildSetReference:
		return s.execChildSet(in.op, 0)
	case dxb.OpChildAction:
		if !isBinary(in.action) {
			return dxerr.Format("exec", "invalid assignment action %s", in.action)
		}
		return s.execChildSet(in.op, in.action)

	// Values
	case dxb.OpText, dxb.OpShortText, dxb.OpInt8, dxb.OpInt16, dxb.OpInt32, dxb.OpInt64, dxb.OpFloat64,
		dxb.OpFloatAsInt8, dxb.OpFloatAsInt32, dxb.OpBuffer, dxb.OpScopeBlock, dxb.OpQuantity, dxb.OpURL,
		dxb.OpTime,
		dxb.OpPersonAlias, dxb.OpPersonAliasWildcard, dxb.OpInstitutionAlias, dxb.OpInstitutionAliasWildcard,
		dxb.OpBot, dxb.OpBotWildcard, dxb.OpEndpoint, dxb.OpEndpointWildcard:
		return s.insert(in.val)
	case dxb.OpTrue:
		return s.insert(true)
	case dxb.OpFalse:
		return s.insert(false)
	case dxb.OpNull:
		return s.insert(value.Null{})
	case dxb.OpVoid:
		return s.insert(value.Void{})
	case dxb.OpType:
		return s.insert(in.typ)
	case dxb.OpExtendedType:
		t := in.typ
		return s.push(newCollect(1, func(items []value.Value) (value.Value, error) {
			t.Params = items[0]
			return t, nil
		}))
	case dxb.OpConjunction, dxb.OpDisjunction:
		return s.execConnective(in.op, int(in.count))

	// Collections
	case dxb.OpArrayStart:
		return s.push(newFrame(frameArray))
	case dxb.OpObjectStart:
		return s.push(newFrame(frameObject))
	case dxb.OpTupleStart:
		return s.push(newFrame(frameTuple))
	case dxb.OpArrayEnd:
		return s.endCollection(frameArray)
	case dxb.OpObjectEnd:
		return s.endCollection(frameObject)
	case dxb.OpTupleEnd:
		return s.endCollection(frameTuple)
	case dxb.OpElement:
		return s.startElement(in.op, nil, false)
	case dxb.OpElementWithKey, dxb.OpElementWithIntKey, dxb.OpInternalObjectSlot:
		return s.startElement(in.op, in.val, true)
	case dxb.OpElementWithDynamicKey:
		if err := s.startElement(in.op, nil, false); err != nil {
			return err
		}
		f := newCollect(1, func(items []value.Value) (value.Value, error) { return items[0], nil })
		f.keyFor = true
		return s.push(f)
	case dxb.OpKeyPermission:
		st, err := s.stmt(in.op)
		if err != nil {
			return err
		}
		st.discard = true
		return nil
	case dxb.OpExtend:
		return s.execExtend()
	}
	return dxerr.Format("exec", "unknown opcode %s at %d", in.op, in.at)
}

func unsupported(in instr) error {
	return dxerr.Runtime("exec", "unsupported instruction %s at %d", in.op, in.at)
}

// stmt returns the statement of the innermost frame. Collect frames only take
// plain values.
func (s *Scope) stmt(op dxb.Opcode) (*statement, error) {
	f := s.top()
	if f.kind == frameCollect {
		return nil, dxerr.Runtime("exec", "%s is not allowed inside a %s operand list", op, f.kind)
	}
	return &f.stmt, nil
}

func (s *Scope) subResult() value.Value {
	f := s.top()
	if f.hasLast {
		return f.last
	}
	return value.Void{}
}

func (s *Scope) varOr(name string) value.Value {
	if v, ok := s.vars[name]; ok {
		return v
	}
	return value.Void{}
}

func (s *Scope) envObject() *value.Object {
	o := value.NewObject()
	for k, v := range s.env.Vars {
		_ = o.Set(k, v)
	}
	return o
}

const (
	varResult    = "result"
	varSubResult = "sub_result"
	varVoid      = "void"
)

func (s *Scope) readVar(name string) (value.Value, error) {
	switch name {
	case varResult:
		return s.result, nil
	case varSubResult:
		return s.subResult(), nil
	case varVoid:
		return value.Void{}, nil
	case "it", "remote":
		return s.varOr(name), nil
	case "origin":
		return s.meta.Sender, nil
	case "endpoint":
		return s.env.Local, nil
	case "meta":
		return s.meta.object(), nil
	case "env":
		return s.envObject(), nil
	case "entrypoint", "std", "public", "this", "location":
		return value.Void{}, nil
	}
	v, ok := s.vars[name]
	if !ok {
		return nil, dxerr.Value("var", "internal variable #%s does not exist", name)
	}
	return v, nil
}

func (s *Scope) resolvePointer(id value.PointerID) (*value.Pointer, error) {
	if p, ok := s.env.Pointers.Resolve(id); ok {
		return p, nil
	}
	if s.env.PointerWait <= 0 || s.ctx == nil {
		return nil, dxerr.Value("pointer", "pointer $%s does not exist", id)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.env.PointerWait)
	defer cancel()
	p, err := s.env.Pointers.WaitFor(ctx, id)
	if err != nil {
		return nil, dxerr.Value("pointer", "pointer $%s does not exist", id)
	}
	return p, nil
}

func (s *Scope) assignVar(name string, action dxb.Opcode) error {
	st, err := s.stmt(dxb.OpSetInternalVar)
	if err != nil {
		return err
	}
	st.vars = append(st.vars, nameAssign{name: name, action: action})
	return nil
}

func (s *Scope) assignLabel(name string, action dxb.Opcode) error {
	st, err := s.stmt(dxb.OpSetLabel)
	if err != nil {
		return err
	}
	st.labels = append(st.labels, nameAssign{name: name, action: action})
	return nil
}

func (s *Scope) assignPointer(a pointerAssign) error {
	st, err := s.stmt(dxb.OpSetPointer)
	if err != nil {
		return err
	}
	st.pointers = append(st.pointers, a)
	return nil
}

func (s *Scope) closeStatement() error {
	f := s.top()
	if f.kind == frameCollect {
		return dxerr.Runtime("exec", "statement end inside a %s operand list", f.kind)
	}
	if f.stmt.empty() {
		return nil
	}
	v, err := s.closeOut(f)
	if err != nil || s.state == Closed {
		return err
	}
	s.storeStatement(f, v)
	return nil
}

func (s *Scope) storeStatement(f *frame, v value.Value) {
	f.last, f.hasLast = v, true
	if f.kind == frameRoot {
		s.result = v
	}
}

func (s *Scope) endSubscope() error {
	f := s.top()
	if f.kind != frameParen {
		if f.kind == frameRoot {
			return dxerr.Runtime("exec", "SUBSCOPE_END without a matching SUBSCOPE_START")
		}
		return dxerr.Runtime("exec", "SUBSCOPE_END closes a %s", f.kind)
	}
	var v value.Value = value.Void{}
	if !f.stmt.empty() {
		out, err := s.closeOut(f)
		if err != nil || s.state == Closed {
			return err
		}
		v = out
	} else if f.hasLast {
		v = f.last
	}
	s.pop()
	return s.insert(v)
}

// execJump ends the current statement and continues at index. The frame
// stays open so the jump target starts a fresh statement in it.
func (s *Scope) execJump(index uint32) error {
	f := s.top()
	if f.kind != frameCollect && !f.stmt.empty() {
		v, err := s.closeOut(f)
		if err != nil || s.state == Closed {
			return err
		}
		s.storeStatement(f, v)
	}
	return s.jump(index)
}

func (s *Scope) execCondJump(op dxb.Opcode, index uint32) error {
	st, err := s.stmt(op)
	if err != nil {
		return err
	}
	if !st.hasOperand && len(st.prefix) == 0 {
		return dxerr.Runtime("exec", "%s without a condition", op)
	}
	cond, err := s.finalize(st)
	if err != nil {
		return err
	}
	*st = statement{}
	if value.Truthy(cond) == (op == dxb.OpJtr) {
		return s.jump(index)
	}
	return nil
}

func (s *Scope) execBinary(op dxb.Opcode) error {
	st, err := s.stmt(op)
	if err != nil {
		return err
	}
	if !st.hasOperand && !(len(st.prefix) > 0 && st.prefix[len(st.prefix)-1].cast) {
		return dxerr.Runtime("exec", "%s without a left operand", op)
	}
	left, err := s.finalize(st)
	if err != nil {
		return err
	}
	st.operand, st.hasOperand = nil, false
	st.left, st.binop, st.hasBinop = left, op, true
	return nil
}

func (s *Scope) execRemote() error {
	st, err := s.stmt(dxb.OpRemote)
	if err != nil {
		return err
	}
	if !st.hasOperand {
		return dxerr.Runtime("exec", "REMOTE without a target")
	}
	to, err := s.finalize(st)
	if err != nil {
		return err
	}
	st.operand, st.hasOperand = nil, false
	st.prefix = append(st.prefix, prefixOp{op: dxb.OpRemote, target: to})
	return nil
}

func (s *Scope) execChildSet(op, action dxb.Opcode) error {
	st, err := s.stmt(op)
	if err != nil {
		return err
	}
	if !st.hasOperand {
		return dxerr.Runtime("exec", "%s without a parent value", op)
	}
	parent, err := s.finalize(st)
	if err != nil {
		return err
	}
	st.operand, st.hasOperand = nil, false
	st.childParent, st.childKey, st.childAct = parent, true, action
	return nil
}

func (s *Scope) execConnective(op dxb.Opcode, n int) error {
	conn := value.ConnAnd
	if op == dxb.OpDisjunction {
		conn = value.ConnOr
	}
	if n == 0 {
		return s.insert(conn == value.ConnAnd)
	}
	return s.push(newCollect(n, func(items []value.Value) (value.Value, error) {
		return foldConnective(conn, items), nil
	}))
}

// foldConnective reduces an all-boolean connective to a boolean.
func foldConnective(op value.ConnOp, items []value.Value) value.Value {
	out := op == value.ConnAnd
	for _, it := range items {
		b, ok := value.Collapse(it).(bool)
		if !ok {
			return &value.Connective{Op: op, Items: items}
		}
		if op == value.ConnAnd {
			out = out && b
		} else {
			out = out || b
		}
	}
	return out
}

func (s *Scope) endCollection(kind frameKind) error {
	f := s.top()
	if f.kind != kind {
		return dxerr.Runtime("exec", "%s end inside a %s", kind, f.kind)
	}
	if err := s.commitElement(f); err != nil || s.state == Closed {
		return err
	}
	s.pop()
	return s.insert(f.coll)
}

func (s *Scope) startElement(op dxb.Opcode, key value.Value, hasKey bool) error {
	f := s.top()
	if !f.isCollection() {
		return dxerr.Runtime("exec", "%s outside a collection", op)
	}
	if err := s.commitElement(f); err != nil || s.state == Closed {
		return err
	}
	f.elemOpen = true
	f.key, f.hasKey = key, hasKey
	return nil
}

func (s *Scope) execExtend() error {
	f := s.top()
	if !f.isCollection() {
		return dxerr.Runtime("exec", "EXTEND outside a collection")
	}
	if !f.stmt.empty() {
		if err := s.commitElement(f); err != nil || s.state == Closed {
			return err
		}
	}
	f.elemOpen, f.spread = true, true
	return nil
}
