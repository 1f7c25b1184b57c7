package interp

import (
	"strconv"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/value"
)

// insert hands a produced value to the innermost frame. Completed collect
// frames hand their result on to their parent in the same loop.
func (s *Scope) insert(v value.Value) error {
	for {
		f := s.top()
		if f.kind != frameCollect {
			return s.feedValue(&f.stmt, v)
		}
		f.items = append(f.items, v)
		if len(f.items) < f.need {
			return nil
		}
		s.pop()
		out, err := f.finish(f.items)
		if err != nil {
			return err
		}
		if f.keyFor {
			p := s.top()
			p.key, p.hasKey, p.elemOpen = out, true, true
			return nil
		}
		v = out
	}
}

func (s *Scope) feedValue(st *statement, v value.Value) error {
	switch {
	case st.discard:
		st.discard = false
		return nil
	case st.childKey:
		st.childKey = false
		st.children = append(st.children, childAssign{parent: st.childParent, key: v, action: st.childAct})
		st.childParent = nil
		return nil
	case st.childGet:
		st.childGet = false
		out, err := s.getChild(st.operand, v)
		if err != nil {
			return err
		}
		st.operand = out
		return nil
	}
	if t, ok := v.(value.Type); ok && !st.hasOperand {
		st.prefix = append(st.prefix, prefixOp{cast: true, typ: t})
		return nil
	}
	if st.hasOperand {
		t, ok := value.Collapse(st.operand).(value.Type)
		if !ok {
			return dxerr.Type("exec", "%s is not callable", value.TypeOf(st.operand))
		}
		out, err := s.cast(t, v)
		if err != nil {
			return err
		}
		st.operand = out
		return nil
	}
	st.operand, st.hasOperand = v, true
	return nil
}

// finalize applies the pending casts and commands innermost first, then the
// pending binary operator. A lone type becomes the operand itself.
func (s *Scope) finalize(st *statement) (value.Value, error) {
	if !st.hasOperand {
		if n := len(st.prefix); n > 0 && st.prefix[n-1].cast {
			st.operand, st.hasOperand = st.prefix[n-1].typ, true
			st.prefix = st.prefix[:n-1]
		}
	}
	if !st.hasOperand {
		if len(st.prefix) > 0 {
			return nil, dxerr.Runtime("exec", "%s without an operand", st.prefix[len(st.prefix)-1].op)
		}
		if st.hasBinop {
			return nil, dxerr.Runtime("exec", "%s without a right operand", st.binop)
		}
		return value.Void{}, nil
	}
	v := st.operand
	for i := len(st.prefix) - 1; i >= 0; i-- {
		p := st.prefix[i]
		var err error
		if p.cast {
			v, err = s.cast(p.typ, v)
		} else {
			v, err = s.command(p, v)
		}
		if err != nil {
			return nil, err
		}
	}
	st.prefix = st.prefix[:0]
	if st.hasBinop {
		out, err := s.binary(st.binop, st.left, v)
		if err != nil {
			return nil, err
		}
		v = out
		st.hasBinop, st.left = false, nil
	}
	st.operand = v
	return v, nil
}

// closeOut ends the statement of f: the value is finalized, then pointers,
// labels, children and internal variables are assigned in that order, and a
// pending RETURN closes the scope.
func (s *Scope) closeOut(f *frame) (value.Value, error) {
	st := &f.stmt
	if st.childGet || st.childKey {
		return nil, dxerr.Runtime("exec", "child access without a key")
	}
	v, err := s.finalize(st)
	if err != nil {
		return nil, err
	}
	for _, a := range st.pointers {
		if err := s.permissive(s.writePointer(a, v)); err != nil {
			return nil, err
		}
	}
	for _, a := range st.labels {
		if err := s.permissive(s.writeLabel(a, v)); err != nil {
			return nil, err
		}
	}
	for _, a := range st.children {
		if err := s.permissive(s.writeChild(a, v)); err != nil {
			return nil, err
		}
	}
	for _, a := range st.vars {
		if err := s.permissive(s.writeVar(f, a, v)); err != nil {
			return nil, err
		}
	}
	ret := st.ret
	f.stmt = statement{}
	if ret {
		s.result = v
		s.state = Closed
	}
	return v, nil
}

// permissive records the first permission error and lets the scope go on.
func (s *Scope) permissive(err error) error {
	if err == nil {
		return nil
	}
	if dxerr.KindOf(err) == dxerr.KindPermission {
		if s.permErr == nil {
			s.permErr = err
		}
		s.env.Logger.Debug("assignment denied", "sender", s.meta.Sender.String(), "err", err)
		return nil
	}
	return err
}

// update computes the value an assignment stores: v itself, or the action
// applied to the current value. Adding to an array appends in place.
func (s *Scope) update(cur value.Value, action dxb.Opcode, v value.Value) (value.Value, bool, error) {
	if action == 0 {
		return v, true, nil
	}
	if arr, ok := value.Collapse(cur).(*value.Array); ok && action == dxb.OpAdd {
		return arr, false, arr.Append(v)
	}
	out, err := s.binary(action, cur, v)
	return out, true, err
}

func (s *Scope) writePointer(a pointerAssign, v value.Value) error {
	p, ok := s.env.Pointers.Resolve(a.id)
	if !ok {
		if a.action != 0 {
			return dxerr.Value("pointer", "pointer $%s does not exist", a.id)
		}
		_, err := s.env.Pointers.Create(a.id, v, s.meta.Sender)
		return err
	}
	if a.init {
		return nil
	}
	if err := s.env.Permissions.WritePointer(s.meta.Sender, a.id); err != nil {
		return err
	}
	out, set, err := s.update(p.Get(), a.action, v)
	if err != nil || !set {
		return err
	}
	return p.Set(out)
}

func (s *Scope) writeLabel(a nameAssign, v value.Value) error {
	if cur, ok := s.env.Pointers.Label(a.name); ok && a.action != 0 {
		out, set, err := s.update(cur.Get(), a.action, v)
		if err != nil || !set {
			return err
		}
		return cur.Set(out)
	}
	if a.action != 0 {
		return dxerr.Value("label", "label $%s does not exist", a.name)
	}
	if err := s.env.Permissions.CreateLabel(s.meta.Sender, a.name); err != nil {
		return err
	}
	p, ok := v.(*value.Pointer)
	if !ok {
		p = s.env.Pointers.New(v, s.meta.Sender)
	}
	s.env.Pointers.SetLabel(a.name, p, s.meta.Sender)
	return nil
}

func (s *Scope) writeChild(a childAssign, v value.Value) error {
	if a.action == 0 {
		return s.setChild(a.parent, a.key, v)
	}
	cur, err := s.getChild(a.parent, a.key)
	if err != nil {
		return err
	}
	out, set, err := s.update(cur, a.action, v)
	if err != nil || !set {
		return err
	}
	return s.setChild(a.parent, a.key, out)
}

func (s *Scope) writeVar(f *frame, a nameAssign, v value.Value) error {
	if a.action != 0 {
		cur, err := s.readVar(a.name)
		if err != nil {
			return err
		}
		out, set, err := s.update(cur, a.action, v)
		if err != nil || !set {
			return err
		}
		v = out
	}
	switch a.name {
	case varResult:
		s.result = v
	case varSubResult:
		f.last, f.hasLast = v, true
	case varVoid:
	default:
		s.vars[a.name] = v
	}
	return nil
}

// commitElement ends the open element of a collection frame.
func (s *Scope) commitElement(f *frame) error {
	if !f.elemOpen && f.stmt.empty() {
		return nil
	}
	v, err := s.closeOut(f)
	if err != nil || s.state == Closed {
		return err
	}
	key, hasKey, spread := f.key, f.hasKey, f.spread
	f.key, f.hasKey, f.spread, f.elemOpen = nil, false, false, false
	if spread {
		return extend(f.coll, v)
	}
	switch c := f.coll.(type) {
	case *value.Array:
		if !hasKey {
			return c.Append(v)
		}
		i, ok := key.(int64)
		if !ok {
			return dxerr.Type("array", "array keys must be integers, got %s", value.TypeOf(key))
		}
		return s.setIndex(c, i, v)
	case *value.Object:
		if !hasKey {
			return dxerr.Type("object", "object element without a key")
		}
		k, err := keyString(key)
		if err != nil {
			return err
		}
		return c.Set(k, v)
	case *value.Tuple:
		if !hasKey {
			return c.Append(v)
		}
		return c.Set(key, v)
	}
	return nil
}

// extend spreads v into the collection being built.
func extend(coll, v value.Value) error {
	v = value.Collapse(v)
	switch c := coll.(type) {
	case *value.Array:
		switch x := v.(type) {
		case *value.Array:
			for _, it := range x.Items {
				if err := c.Append(it); err != nil {
					return err
				}
			}
			return nil
		case *value.Tuple:
			for _, it := range x.Items {
				if err := c.Append(it); err != nil {
					return err
				}
			}
			return nil
		}
	case *value.Object:
		switch x := v.(type) {
		case *value.Object:
			for _, k := range x.Keys() {
				it, _ := x.Get(k)
				if err := c.Set(k, it); err != nil {
					return err
				}
			}
			return nil
		case *value.Tuple:
			for _, k := range x.Named.Keys() {
				it, _ := x.Named.Get(k)
				if err := c.Set(k, it); err != nil {
					return err
				}
			}
			return nil
		}
	case *value.Tuple:
		switch x := v.(type) {
		case *value.Tuple:
			for _, it := range x.Items {
				if err := c.Append(it); err != nil {
					return err
				}
			}
			for _, k := range x.Named.Keys() {
				it, _ := x.Named.Get(k)
				if err := c.Set(k, it); err != nil {
					return err
				}
			}
			return nil
		case *value.Array:
			for _, it := range x.Items {
				if err := c.Append(it); err != nil {
					return err
				}
			}
			return nil
		case *value.Object:
			for _, k := range x.Keys() {
				it, _ := x.Get(k)
				if err := c.Set(k, it); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return dxerr.Type("extend", "cannot spread %s into %s", value.TypeOf(v), value.TypeOf(coll))
}

func keyString(key value.Value) (string, error) {
	switch k := value.Collapse(key).(type) {
	case string:
		return k, nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	}
	return "", dxerr.Type("object", "invalid object key type %s", value.TypeOf(key))
}

// getChild reads a property, an index or a tuple entry.
func (s *Scope) getChild(parent, key value.Value) (value.Value, error) {
	key = value.Collapse(key)
	switch p := value.Collapse(parent).(type) {
	case *value.Object:
		k, err := keyString(key)
		if err != nil {
			return nil, err
		}
		v, _ := p.Get(k)
		return v, nil
	case *value.Array:
		switch k := key.(type) {
		case int64:
			v, _ := p.Index(k)
			return v, nil
		case string:
			if k == "length" {
				return int64(len(p.Items)), nil
			}
		}
		return nil, dxerr.Type("array", "invalid array index type %s", value.TypeOf(key))
	case *value.Tuple:
		v, _ := p.Get(key)
		return v, nil
	case string:
		if i, ok := key.(int64); ok {
			runes := []rune(p)
			if i < 0 {
				i += int64(len(runes))
			}
			if i < 0 || i >= int64(len(runes)) {
				return value.Void{}, nil
			}
			return string(runes[i]), nil
		}
		if key == "length" {
			return int64(len([]rune(p))), nil
		}
	case value.ErrorValue:
		switch key {
		case "kind":
			return p.Kind, nil
		case "message":
			return p.Message, nil
		}
		return value.Void{}, nil
	case value.Range:
		switch key {
		case "start":
			return p.Start, nil
		case "end":
			return p.End, nil
		}
		return value.Void{}, nil
	case value.Void, nil:
		return nil, dxerr.Value("child", "cannot read property %s of void", value.Format(key))
	}
	return nil, dxerr.Type("child", "%s has no properties", value.TypeOf(parent))
}

func (s *Scope) setChild(parent, key, v value.Value) error {
	key = value.Collapse(key)
	switch p := value.Collapse(parent).(type) {
	case *value.Object:
		k, err := keyString(key)
		if err != nil {
			return err
		}
		return p.Set(k, v)
	case *value.Array:
		i, ok := key.(int64)
		if !ok {
			return dxerr.Type("array", "invalid array index type %s", value.TypeOf(key))
		}
		return s.setIndex(p, i, v)
	case *value.Tuple:
		return p.Set(key, v)
	}
	return dxerr.Type("child", "cannot set properties of %s", value.TypeOf(parent))
}

func (s *Scope) setIndex(a *value.Array, i int64, v value.Value) error {
	if i >= int64(s.env.MaxCollectionLen) {
		return dxerr.Value("array", "index %d exceeds the array limit of %d", i, s.env.MaxCollectionLen)
	}
	return a.SetIndex(i, v)
}
