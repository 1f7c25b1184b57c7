package value

import (
	"strconv"

	"dxbnet/internal/dxerr"
)

type Array struct {
	Items  []Value
	Frozen bool
}

func NewArray(items ...Value) *Array {
	return &Array{Items: items}
}

func (a *Array) Append(v Value) error {
	if a.Frozen {
		return dxerr.Permission("array", "array is frozen")
	}
	a.Items = append(a.Items, v)
	return nil
}

// SetIndex writes at i, growing the array with void when i is past the end.
func (a *Array) SetIndex(i int64, v Value) error {
	if a.Frozen {
		return dxerr.Permission("array", "array is frozen")
	}
	if i < 0 {
		i += int64(len(a.Items))
	}
	if i < 0 {
		return dxerr.Value("array", "index %d out of bounds", i)
	}
	for int64(len(a.Items)) <= i {
		a.Items = append(a.Items, Void{})
	}
	a.Items[i] = v
	return nil
}

func (a *Array) Index(i int64) (Value, bool) {
	if i < 0 {
		i += int64(len(a.Items))
	}
	if i < 0 || i >= int64(len(a.Items)) {
		return Void{}, false
	}
	return a.Items[i], true
}

// Object keeps insertion order of its keys.
type Object struct {
	keys   []string
	vals   map[string]Value
	Frozen bool
	// Sealed objects accept writes to existing keys only.
	Sealed bool
}

func NewObject() *Object {
	return &Object{vals: make(map[string]Value)}
}

func (o *Object) Len() int { return len(o.keys) }

func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.vals[key]
	if !ok {
		return Void{}, false
	}
	return v, true
}

func (o *Object) Has(key string) bool {
	_, ok := o.vals[key]
	return ok
}

func (o *Object) Set(key string, v Value) error {
	if o.Frozen {
		return dxerr.Permission("object", "cannot write %q: object is frozen", key)
	}
	_, exists := o.vals[key]
	if IsVoid(v) {
		if exists && o.Sealed {
			return dxerr.Permission("object", "cannot delete %q: object is sealed", key)
		}
		o.remove(key)
		return nil
	}
	if !exists {
		if o.Sealed {
			return dxerr.Permission("object", "cannot add %q: object is sealed", key)
		}
		if o.vals == nil {
			o.vals = make(map[string]Value)
		}
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
	return nil
}

func (o *Object) remove(key string) {
	if _, ok := o.vals[key]; !ok {
		return
	}
	delete(o.vals, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

func (o *Object) clone() *Object {
	out := NewObject()
	for _, k := range o.keys {
		out.keys = append(out.keys, k)
		out.vals[k] = Clone(o.vals[k])
	}
	return out
}

// Tuple holds positional items followed by named entries.
type Tuple struct {
	Items  []Value
	Named  Object
	Frozen bool
}

func NewTuple(items ...Value) *Tuple {
	return &Tuple{Items: items}
}

func (t *Tuple) Len() int { return len(t.Items) + t.Named.Len() }

func (t *Tuple) Append(v Value) error {
	if t.Frozen {
		return dxerr.Permission("tuple", "tuple is frozen")
	}
	t.Items = append(t.Items, v)
	return nil
}

func (t *Tuple) Set(key Value, v Value) error {
	if t.Frozen {
		return dxerr.Permission("tuple", "tuple is frozen")
	}
	switch k := key.(type) {
	case int64:
		if k < 0 {
			return dxerr.Value("tuple", "negative index %d", k)
		}
		for int64(len(t.Items)) <= k {
			t.Items = append(t.Items, Void{})
		}
		t.Items[k] = v
		return nil
	case string:
		return t.Named.Set(k, v)
	}
	return dxerr.Type("tuple", "invalid key type %s", TypeOf(key))
}

func (t *Tuple) Get(key Value) (Value, bool) {
	switch k := key.(type) {
	case int64:
		if k >= 0 && k < int64(len(t.Items)) {
			return t.Items[k], true
		}
	case string:
		if v, ok := t.Named.Get(k); ok {
			return v, true
		}
		if i, err := strconv.ParseInt(k, 10, 64); err == nil && i >= 0 && i < int64(len(t.Items)) {
			return t.Items[i], true
		}
	}
	return Void{}, false
}

// Keys lists positional indices as decimal strings followed by named keys.
func (t *Tuple) Keys() []string {
	out := make([]string, 0, t.Len())
	for i := range t.Items {
		out = append(out, strconv.Itoa(i))
	}
	return append(out, t.Named.Keys()...)
}
