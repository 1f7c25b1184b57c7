package interp

import (
	"context"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

// command applies a prefix instruction to its operand.
func (s *Scope) command(p prefixOp, v value.Value) (value.Value, error) {
	switch p.op {
	case dxb.OpCount:
		return count(v)
	case dxb.OpDeletePointer:
		ptr, ok := v.(*value.Pointer)
		if !ok {
			return nil, dxerr.Type("delete", "cannot delete %s, not a pointer", value.TypeOf(v))
		}
		if err := s.env.Permissions.WritePointer(s.meta.Sender, ptr.ID); err != nil {
			return nil, err
		}
		s.env.Pointers.Delete(ptr.ID)
		return value.Void{}, nil
	case dxb.OpCopy:
		return shallowCopy(value.Collapse(v)), nil
	case dxb.OpClone:
		return value.Clone(v), nil
	case dxb.OpCollapse:
		return value.Collapse(v), nil
	case dxb.OpCloneCollapse:
		return value.Clone(value.Collapse(v)), nil
	case dxb.OpOrigin:
		ptr, ok := v.(*value.Pointer)
		if !ok {
			return nil, dxerr.Type("origin", "%s is not a pointer", value.TypeOf(v))
		}
		ep, ok := s.env.Pointers.Origin(ptr.ID)
		if !ok {
			return value.Void{}, nil
		}
		return ep, nil
	case dxb.OpSubscribers:
		ptr, ok := v.(*value.Pointer)
		if !ok {
			return nil, dxerr.Type("subscribers", "%s is not a pointer", value.TypeOf(v))
		}
		subs := ptr.Subscribers()
		items := make([]value.Value, len(subs))
		for i, ep := range subs {
			items[i] = ep
		}
		return &value.Connective{Op: value.ConnOr, Items: items}, nil
	case dxb.OpAwait:
		return s.await(v)
	case dxb.OpAssert:
		if !value.Truthy(v) {
			return nil, dxerr.Value("assert", "assertion failed")
		}
		return v, nil
	case dxb.OpFreeze:
		freeze(v)
		return v, nil
	case dxb.OpSeal:
		if o, ok := value.Collapse(v).(*value.Object); ok {
			o.Sealed = true
		}
		return v, nil
	case dxb.OpKeys:
		return keys(v)
	case dxb.OpGetType:
		return value.TypeOf(v), nil
	case dxb.OpDo:
		code, ok := value.Collapse(v).(value.Code)
		if !ok {
			return nil, dxerr.Type("do", "cannot run %s", value.TypeOf(v))
		}
		return s.sub(code.Body)
	case dxb.OpCreatePointer:
		if ptr, ok := v.(*value.Pointer); ok {
			return ptr, nil
		}
		return s.env.Pointers.New(v, s.meta.Sender), nil
	case dxb.OpYeet:
		return nil, raise(v)
	case dxb.OpNot:
		return !value.Truthy(v), nil
	case dxb.OpIncrement:
		return s.binary(dxb.OpAdd, v, int64(1))
	case dxb.OpDecrement:
		return s.binary(dxb.OpSubtract, v, int64(1))
	case dxb.OpRemote:
		return s.remote(p.target, v)
	}
	return nil, dxerr.Runtime("exec", "%s is not a command", p.op)
}

func (s *Scope) await(v value.Value) (value.Value, error) {
	task, ok := value.Collapse(v).(*value.Task)
	if !ok {
		return v, nil
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := task.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, dxerr.Wrap(dxerr.KindRuntime, "await", err)
	}
	return out, err
}

func (s *Scope) remote(to, v value.Value) (value.Value, error) {
	code, ok := value.Collapse(v).(value.Code)
	if !ok {
		return nil, dxerr.Type("remote", "remote execution needs a scope block, got %s", value.TypeOf(v))
	}
	eps, err := endpointsOf(to)
	if err != nil {
		return nil, err
	}
	if len(eps) == 1 && (eps[0].Equal(target.Local) || (!s.env.Local.IsZero() && eps[0].Equal(s.env.Local))) {
		return s.sub(code.Body)
	}
	if s.env.Remote == nil {
		return nil, dxerr.Runtime("remote", "no remote executor configured")
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return s.env.Remote.Remote(ctx, eps, code.Body)
}

// endpointsOf flattens an endpoint, a connective or an array of endpoints.
func endpointsOf(v value.Value) ([]target.Endpoint, error) {
	switch x := value.Collapse(v).(type) {
	case target.Endpoint:
		return []target.Endpoint{x}, nil
	case *value.Connective:
		return flattenEndpoints(x.Items)
	case *value.Array:
		return flattenEndpoints(x.Items)
	}
	return nil, dxerr.Type("remote", "%s is not an endpoint", value.TypeOf(v))
}

func flattenEndpoints(items []value.Value) ([]target.Endpoint, error) {
	var out []target.Endpoint
	for _, it := range items {
		eps, err := endpointsOf(it)
		if err != nil {
			return nil, err
		}
		out = append(out, eps...)
	}
	return out, nil
}

// raise turns a yeeted value into the error that ends the scope.
func raise(v value.Value) error {
	switch x := value.Collapse(v).(type) {
	case value.ErrorValue:
		return x.ToError()
	case error:
		return x
	case string:
		return &dxerr.Error{Kind: dxerr.KindUnknown, Msg: x}
	}
	return &dxerr.Error{Kind: dxerr.KindUnknown, Msg: value.Format(v)}
}

func count(v value.Value) (value.Value, error) {
	switch x := value.Collapse(v).(type) {
	case *value.Array:
		return int64(len(x.Items)), nil
	case *value.Object:
		return int64(x.Len()), nil
	case *value.Tuple:
		return int64(x.Len()), nil
	case *value.Connective:
		return int64(len(x.Items)), nil
	case string:
		return int64(len([]rune(x))), nil
	case []byte:
		return int64(len(x)), nil
	case nil, value.Void:
		return int64(0), nil
	}
	return nil, dxerr.Type("count", "cannot count %s", value.TypeOf(v))
}

func keys(v value.Value) (value.Value, error) {
	switch x := value.Collapse(v).(type) {
	case *value.Object:
		out := value.NewArray()
		for _, k := range x.Keys() {
			out.Items = append(out.Items, k)
		}
		return out, nil
	case *value.Tuple:
		out := value.NewArray()
		for i := range x.Items {
			out.Items = append(out.Items, int64(i))
		}
		for _, k := range x.Named.Keys() {
			out.Items = append(out.Items, k)
		}
		return out, nil
	case *value.Array:
		out := value.NewArray()
		for i := range x.Items {
			out.Items = append(out.Items, int64(i))
		}
		return out, nil
	}
	return nil, dxerr.Type("keys", "%s has no keys", value.TypeOf(v))
}

func freeze(v value.Value) {
	switch x := v.(type) {
	case *value.Pointer:
		x.Freeze()
		freeze(x.Get())
	case *value.Array:
		x.Frozen = true
	case *value.Object:
		x.Frozen = true
	case *value.Tuple:
		x.Frozen = true
	}
}

func shallowCopy(v value.Value) value.Value {
	switch x := v.(type) {
	case *value.Array:
		return value.NewArray(append([]value.Value(nil), x.Items...)...)
	case *value.Object:
		out := value.NewObject()
		for _, k := range x.Keys() {
			it, _ := x.Get(k)
			_ = out.Set(k, it)
		}
		return out
	case *value.Tuple:
		out := value.NewTuple(append([]value.Value(nil), x.Items...)...)
		for _, k := range x.Named.Keys() {
			it, _ := x.Named.Get(k)
			_ = out.Named.Set(k, it)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	}
	return v
}
