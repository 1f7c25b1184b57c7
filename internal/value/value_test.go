package value

import (
	"context"
	"errors"
	"testing"
	"time"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
)

func TestTruthy(t *testing.T) {
	falsy := []Value{nil, Void{}, Null{}, false, int64(0), float64(0)}
	for _, v := range falsy {
		if Truthy(v) {
			t.Fatalf("%#v should be falsy", v)
		}
	}
	truthy := []Value{true, int64(-1), 0.5, "", []byte{}, NewArray(), NewObject(), target.Local}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Fatalf("%#v should be truthy", v)
		}
	}
}

func TestEqualDescendsAndIdenticalDoesNot(t *testing.T) {
	a := NewArray(int64(1), "x")
	b := NewArray(int64(1), "x")
	if !Equal(a, b) {
		t.Fatalf("arrays with same items should be equal")
	}
	if Identical(a, b) {
		t.Fatalf("distinct arrays should not be identical")
	}
	if !Equal(int64(2), 2.0) {
		t.Fatalf("numeric equality should cross int/float")
	}
	p := NewPointer(PointerID{1}, int64(5))
	if !Equal(p, int64(5)) {
		t.Fatalf("equal should collapse pointers")
	}
}

func TestObjectFrozenAndSealed(t *testing.T) {
	o := NewObject()
	if err := o.Set("a", int64(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	o.Sealed = true
	if err := o.Set("a", int64(2)); err != nil {
		t.Fatalf("sealed objects accept existing keys: %v", err)
	}
	if err := o.Set("b", int64(2)); !errors.Is(err, dxerr.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	o.Frozen = true
	if err := o.Set("a", int64(3)); !errors.Is(err, dxerr.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if v, _ := o.Get("a"); v != int64(2) {
		t.Fatalf("unexpected value %v", v)
	}
}

func TestObjectVoidDeletes(t *testing.T) {
	o := NewObject()
	_ = o.Set("a", int64(1))
	_ = o.Set("b", int64(2))
	_ = o.Set("a", Void{})
	if o.Has("a") || o.Len() != 1 || o.Keys()[0] != "b" {
		t.Fatalf("void should delete key, keys=%v", o.Keys())
	}
}

func TestPointerUpdatesInPlace(t *testing.T) {
	p := NewPointer(PointerID{7}, int64(1))
	var seen []Value
	cancel := p.Observe(func(v Value) { seen = append(seen, v) })
	if err := p.Set(int64(2)); err != nil {
		t.Fatalf("set: %v", err)
	}
	cancel()
	_ = p.Set(int64(3))
	if len(seen) != 1 || seen[0] != int64(2) {
		t.Fatalf("unexpected observations %v", seen)
	}
	p.Freeze()
	if err := p.Set(int64(4)); !errors.Is(err, dxerr.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestPointerUnsubscribeMain(t *testing.T) {
	p := NewPointer(PointerID{}, Void{})
	p.Subscribe(target.MustParse("@bob/1"))
	p.Subscribe(target.MustParse("@bob/2"))
	p.Subscribe(target.MustParse("@carol"))
	if n := p.Unsubscribe(target.MustParse("@bob")); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	subs := p.Subscribers()
	if len(subs) != 1 || subs[0].String() != "@carol" {
		t.Fatalf("unexpected subscribers %v", subs)
	}
}

func TestTaskSettlesOnce(t *testing.T) {
	task := NewTask()
	if !task.Settle(int64(1), nil) || task.Settle(int64(2), nil) {
		t.Fatalf("task should settle exactly once")
	}
	v, err := task.Wait(context.Background())
	if err != nil || v != int64(1) {
		t.Fatalf("wait: %v %v", v, err)
	}
	pending := NewTask()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pending.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestErrorValueRoundTrip(t *testing.T) {
	ev := FromError(dxerr.Value("div", "division by zero"))
	if ev.Kind != "ValueError" || ev.Message != "division by zero" {
		t.Fatalf("unexpected %+v", ev)
	}
	if !errors.Is(ev.ToError(), dxerr.ErrValue) {
		t.Fatalf("round trip lost kind")
	}
}

func TestFormat(t *testing.T) {
	arr := NewArray(int64(1), 2.0, "a", Null{})
	if got := Format(arr); got != `[1,2.0,"a",null]` {
		t.Fatalf("format: %s", got)
	}
}
