package interp

import (
	"context"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/pointer"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

var (
	alice = target.MustParse("@alice")
	bob   = target.MustParse("@bob")
)

func newEnv() *Env {
	return &Env{Pointers: pointer.NewStore(), Local: alice}
}

func run(t *testing.T, env *Env, body []byte) (value.Value, error) {
	t.Helper()
	return Run(context.Background(), env, Meta{Sender: bob}, body)
}

func TestLiteralResult(t *testing.T) {
	body := dxb.NewBuilder().Int(7).Close().MustBytes()
	v, err := run(t, newEnv(), body)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestSubscopeArithmetic(t *testing.T) {
	body := dxb.NewBuilder().
		Op(dxb.OpSubscopeStart).Int(2).Op(dxb.OpAdd).Int(3).Op(dxb.OpSubscopeEnd).
		Op(dxb.OpMultiply).Int(4).Close().
		MustBytes()
	v, err := run(t, newEnv(), body)
	require.NoError(t, err)
	assert.Equal(t, int64(20), v)
}

func TestCastBeforePointerAssignment(t *testing.T) {
	env := newEnv()
	id := pointer.NewID(bob)
	body := dxb.NewBuilder().
		SetPointer(id).Type(value.Std(value.TypeInteger)).Text("42").Close().
		MustBytes()
	_, err := run(t, env, body)
	require.NoError(t, err)

	p, ok := env.Pointers.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, int64(42), p.Get())
	origin, _ := env.Pointers.Origin(id)
	assert.True(t, origin.Equal(bob))
}

func TestSuspendsInsideInstruction(t *testing.T) {
	body := dxb.NewBuilder().Int(7).Close().MustBytes()
	s := NewScope(newEnv(), Meta{Sender: bob})

	state, err := s.Feed(context.Background(), body[:1], false)
	require.NoError(t, err)
	assert.Equal(t, Suspended, state)

	state, err = s.Feed(context.Background(), body[1:], true)
	require.NoError(t, err)
	assert.Equal(t, Closed, state)
	assert.Equal(t, int64(7), s.Result())
}

func TestBodyEndingInsideInstructionFails(t *testing.T) {
	body := dxb.NewBuilder().Text("unfinished").MustBytes()
	s := NewScope(newEnv(), Meta{Sender: bob})
	_, err := s.Feed(context.Background(), body[:3], true)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindFormat, dxerr.KindOf(err))
}

func ifElse(cond bool) []byte {
	b := dxb.NewBuilder().Bool(cond)
	jfa := b.Jump(dxb.OpJfa, 0)
	b.Text("yes").Close()
	jmp := b.Jump(dxb.OpJmp, 0)
	b.PatchIndex(jfa, uint32(b.Pos()))
	b.Text("no").Close()
	b.PatchIndex(jmp, uint32(b.Pos()))
	return b.MustBytes()
}

func TestConditionalJumps(t *testing.T) {
	v, err := run(t, newEnv(), ifElse(true))
	require.NoError(t, err)
	assert.Equal(t, "yes", v)

	v, err = run(t, newEnv(), ifElse(false))
	require.NoError(t, err)
	assert.Equal(t, "no", v)
}

func TestCollections(t *testing.T) {
	obj := value.NewObject()
	require.NoError(t, obj.Set("a", int64(1)))
	require.NoError(t, obj.Set("list", value.NewArray(int64(2), "x")))

	body := dxb.NewBuilder().Value(obj).Close().MustBytes()
	v, err := run(t, newEnv(), body)
	require.NoError(t, err)
	assert.True(t, value.Equal(obj, v), "got %s", value.Format(v))
}

func TestChildGet(t *testing.T) {
	obj := value.NewObject()
	require.NoError(t, obj.Set("a", int64(5)))
	body := dxb.NewBuilder().Value(obj).Op(dxb.OpChildGet).Text("a").Close().MustBytes()
	v, err := run(t, newEnv(), body)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestObjectElementWithoutKey(t *testing.T) {
	body := dxb.NewBuilder().
		Op(dxb.OpObjectStart, dxb.OpElement).Int(1).Op(dxb.OpObjectEnd).Close().
		MustBytes()
	_, err := run(t, newEnv(), body)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindType, dxerr.KindOf(err))
}

func TestConnectiveFoldsBooleans(t *testing.T) {
	body := dxb.NewBuilder().Connective(value.ConnAnd, 2).Bool(true).Bool(false).Close().MustBytes()
	v, err := run(t, newEnv(), body)
	require.NoError(t, err)
	assert.Equal(t, false, v)

	body = dxb.NewBuilder().Connective(value.ConnOr, 2).Endpoint(alice).Endpoint(bob).Close().MustBytes()
	v, err = run(t, newEnv(), body)
	require.NoError(t, err)
	conn, ok := v.(*value.Connective)
	require.True(t, ok, "got %T", v)
	assert.Len(t, conn.Items, 2)
}

func TestFrozenPointerIsReportedAndScopeContinues(t *testing.T) {
	env := newEnv()
	id := pointer.NewID(alice)
	p, err := env.Pointers.Create(id, int64(1), alice)
	require.NoError(t, err)
	p.Freeze()

	body := dxb.NewBuilder().
		SetPointer(id).Int(5).Close().
		Int(9).Close().
		MustBytes()
	s := NewScope(env, Meta{Sender: bob})
	state, err := s.Feed(context.Background(), body, true)
	assert.Equal(t, Closed, state)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindPermission, dxerr.KindOf(err))
	assert.Equal(t, int64(9), s.Result())
	assert.Equal(t, int64(1), p.Get())
}

type denyWrites struct{ allowAll }

func (denyWrites) WritePointer(target.Endpoint, value.PointerID) error {
	return dxerr.Permission("pointer", "read only")
}

func TestPermissionsGuardPointerWrites(t *testing.T) {
	env := newEnv()
	env.Permissions = denyWrites{}
	id := pointer.NewID(alice)
	p, err := env.Pointers.Create(id, int64(1), alice)
	require.NoError(t, err)

	body := dxb.NewBuilder().PointerAction(dxb.OpAdd, id).Int(1).Close().MustBytes()
	_, err = run(t, env, body)
	assert.Equal(t, dxerr.KindPermission, dxerr.KindOf(err))
	assert.Equal(t, int64(1), p.Get())
}

func TestPointerActionAppendsToArray(t *testing.T) {
	env := newEnv()
	id := pointer.NewID(alice)
	arr := value.NewArray(int64(1))
	_, err := env.Pointers.Create(id, arr, alice)
	require.NoError(t, err)

	body := dxb.NewBuilder().PointerAction(dxb.OpAdd, id).Int(2).Close().MustBytes()
	_, err = run(t, env, body)
	require.NoError(t, err)
	assert.Equal(t, []value.Value{int64(1), int64(2)}, arr.Items)
}

func TestUnsupportedInstruction(t *testing.T) {
	body := dxb.NewBuilder().Op(dxb.OpTemplate).MustBytes()
	_, err := run(t, newEnv(), body)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindRuntime, dxerr.KindOf(err))
}

func TestUnknownOpcode(t *testing.T) {
	_, err := run(t, newEnv(), []byte{0xff})
	require.Error(t, err)
	assert.Equal(t, dxerr.KindFormat, dxerr.KindOf(err))
}

func TestFrameDepthLimit(t *testing.T) {
	env := newEnv()
	env.MaxDepth = 4
	b := dxb.NewBuilder()
	for i := 0; i < 10; i++ {
		b.Op(dxb.OpSubscopeStart)
	}
	_, err := run(t, env, b.MustBytes())
	require.Error(t, err)
	assert.Equal(t, dxerr.KindRuntime, dxerr.KindOf(err))
}

func TestYeetRaisesCastError(t *testing.T) {
	fields := value.NewObject()
	require.NoError(t, fields.Set("kind", "ValueError"))
	require.NoError(t, fields.Set("message", "bad input"))

	body := dxb.NewBuilder().
		Op(dxb.OpYeet).Type(value.Std(value.TypeError)).Value(fields).Close().
		Int(1).Close().
		MustBytes()
	v, err := run(t, newEnv(), body)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindValue, dxerr.KindOf(err))
	assert.Contains(t, err.Error(), "bad input")
	assert.True(t, value.IsVoid(v), "statements after the raise must not run")
}

func counterBody() []byte {
	b := dxb.NewBuilder()
	at := b.InitInternalVar("counter")
	b.Int(0).Close()
	b.PatchIndex(at, uint32(b.Pos()))
	b.InternalVarAction(dxb.OpAdd, "counter").Int(1).Close()
	b.InternalVar("counter").Close()
	return b.MustBytes()
}

func TestPersistentVariablesSurviveRestore(t *testing.T) {
	env := newEnv()
	first := NewScope(env, Meta{Sender: bob, SID: 7})
	_, err := first.Feed(context.Background(), counterBody(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Result())

	saved := first.Persistent()
	assert.Equal(t, map[string]value.Value{"counter": int64(1)}, saved)

	second := NewScope(env, Meta{Sender: bob, SID: 7})
	second.Restore(saved)
	_, err = second.Feed(context.Background(), counterBody(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Result())
}

func TestUnknownInternalVariable(t *testing.T) {
	body := dxb.NewBuilder().InternalVar("nope").Close().MustBytes()
	_, err := run(t, newEnv(), body)
	assert.Equal(t, dxerr.KindValue, dxerr.KindOf(err))
}

// loopBody counts #i to 3 with a backward JTR that lands in the first block.
func loopBody(cache bool) (body []byte, split int) {
	b := dxb.NewBuilder()
	if cache {
		b.Op(dxb.OpCachePoint)
	}
	b.SetInternalVar("i").Int(0).Close()
	loop := b.Pos()
	b.InternalVarAction(dxb.OpAdd, "i").Int(1).Close()
	split = b.Pos()
	b.InternalVar("i").Op(dxb.OpLess).Int(3)
	b.Jump(dxb.OpJtr, uint32(loop))
	b.InternalVar("i").Close()
	return b.MustBytes(), split
}

func TestCachePointKeepsBackwardJumpTargets(t *testing.T) {
	body, split := loopBody(true)
	s := NewScope(newEnv(), Meta{Sender: bob})
	state, err := s.Feed(context.Background(), body[:split], false)
	require.NoError(t, err)
	require.Equal(t, Suspended, state)

	_, err = s.Feed(context.Background(), body[split:], true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Result())
}

func TestBackwardJumpIntoDiscardedBlock(t *testing.T) {
	body, split := loopBody(false)
	s := NewScope(newEnv(), Meta{Sender: bob})
	_, err := s.Feed(context.Background(), body[:split], false)
	require.NoError(t, err)

	_, err = s.Feed(context.Background(), body[split:], true)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindRuntime, dxerr.KindOf(err))
	assert.Equal(t, Closed, s.State())
}

func TestReturnClosesScope(t *testing.T) {
	body := dxb.NewBuilder().
		Op(dxb.OpReturn).Text("early").Close().
		Text("late").Close().
		MustBytes()
	v, err := run(t, newEnv(), body)
	require.NoError(t, err)
	assert.Equal(t, "early", v)
}

func TestMetaVariables(t *testing.T) {
	body := dxb.NewBuilder().Op(dxb.OpVarOrigin).Close().MustBytes()
	v, err := run(t, newEnv(), body)
	require.NoError(t, err)
	assert.Equal(t, bob, v)

	body = dxb.NewBuilder().Op(dxb.OpVarEndpoint).Close().MustBytes()
	v, err = run(t, newEnv(), body)
	require.NoError(t, err)
	assert.Equal(t, alice, v)
}

func TestDoRunsScopeBlock(t *testing.T) {
	inner := dxb.NewBuilder().Int(20).Op(dxb.OpAdd).Int(22).Close().MustBytes()
	body := dxb.NewBuilder().Op(dxb.OpDo).ScopeBlock(inner).Close().MustBytes()
	v, err := run(t, newEnv(), body)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

type recordingRemote struct {
	to   []target.Endpoint
	body []byte
}

func (r *recordingRemote) Remote(_ context.Context, to []target.Endpoint, body []byte) (value.Value, error) {
	r.to, r.body = to, body
	return "remote result", nil
}

func TestRemoteExecution(t *testing.T) {
	inner := dxb.NewBuilder().Text("here").Close().MustBytes()

	t.Run("local", func(t *testing.T) {
		body := dxb.NewBuilder().Endpoint(alice).Op(dxb.OpRemote).ScopeBlock(inner).Close().MustBytes()
		v, err := run(t, newEnv(), body)
		require.NoError(t, err)
		assert.Equal(t, "here", v)
	})

	t.Run("forwarded", func(t *testing.T) {
		env := newEnv()
		rec := &recordingRemote{}
		env.Remote = rec
		body := dxb.NewBuilder().Endpoint(bob).Op(dxb.OpRemote).ScopeBlock(inner).Close().MustBytes()
		v, err := run(t, env, body)
		require.NoError(t, err)
		assert.Equal(t, "remote result", v)
		require.Len(t, rec.to, 1)
		assert.True(t, rec.to[0].Equal(bob))
		assert.Equal(t, inner, rec.body)
	})

	t.Run("no executor", func(t *testing.T) {
		body := dxb.NewBuilder().Endpoint(bob).Op(dxb.OpRemote).ScopeBlock(inner).Close().MustBytes()
		_, err := run(t, newEnv(), body)
		assert.Equal(t, dxerr.KindRuntime, dxerr.KindOf(err))
	})
}

func TestBinaryOperators(t *testing.T) {
	s := NewScope(newEnv(), Meta{})
	metre := []value.Unit{{Code: 1, Exp: 1}}
	second := []value.Unit{{Code: 2, Exp: 1}}
	q := func(n int64, units []value.Unit) value.Quantity {
		return value.Quantity{Value: big.NewRat(n, 1), Units: units}
	}

	tests := []struct {
		name string
		op   dxb.Opcode
		a, b value.Value
		want value.Value
		kind dxerr.Kind
	}{
		{name: "int add", op: dxb.OpAdd, a: int64(2), b: int64(3), want: int64(5)},
		{name: "truncating division", op: dxb.OpDivide, a: int64(-7), b: int64(2), want: int64(-3)},
		{name: "float promotion", op: dxb.OpMultiply, a: int64(2), b: 1.5, want: 3.0},
		{name: "text concat", op: dxb.OpAdd, a: "ab", b: "cd", want: "abcd"},
		{name: "power", op: dxb.OpPower, a: int64(2), b: int64(10), want: int64(1024)},
		{name: "less", op: dxb.OpLess, a: int64(2), b: 2.5, want: true},
		{name: "default", op: dxb.OpDefault, a: value.Void{}, b: "x", want: "x"},
		{name: "has text", op: dxb.OpHas, a: "hello", b: "ell", want: true},
		{name: "matches type", op: dxb.OpMatches, a: int64(1), b: value.Std(value.TypeInteger), want: true},
		{name: "overflow", op: dxb.OpAdd, a: int64(math.MaxInt64), b: int64(1), kind: dxerr.KindValue},
		{name: "power overflow", op: dxb.OpPower, a: int64(2), b: int64(63), kind: dxerr.KindValue},
		{name: "power min int", op: dxb.OpPower, a: int64(-2), b: int64(63), want: int64(math.MinInt64)},
		{name: "power of minus one", op: dxb.OpPower, a: int64(-1), b: int64(1<<40 + 1), want: int64(-1)},
		{name: "power of zero", op: dxb.OpPower, a: int64(0), b: int64(1 << 40), want: int64(0)},
		{name: "division by zero", op: dxb.OpModulo, a: int64(1), b: int64(0), kind: dxerr.KindValue},
		{name: "mixed units", op: dxb.OpAdd, a: q(1, metre), b: q(1, second), kind: dxerr.KindType},
		{name: "undefined", op: dxb.OpSubtract, a: "a", b: true, kind: dxerr.KindType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.binary(tt.op, tt.a, tt.b)
			if tt.kind != dxerr.KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tt.kind, dxerr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	speed, err := s.binary(dxb.OpDivide, q(10, metre), q(2, second))
	require.NoError(t, err)
	assert.Equal(t, q(5, []value.Unit{{Code: 1, Exp: 1}, {Code: 2, Exp: -1}}).Units, speed.(value.Quantity).Units)
	assert.Equal(t, 0, speed.(value.Quantity).Value.Cmp(big.NewRat(5, 1)))
}

type pointCaster struct{}

func (pointCaster) Cast(t value.Type, v value.Value) (value.Value, error) {
	if t.Namespace != "app" || t.Name != "Point" {
		return nil, ErrNoCast
	}
	return value.NewTuple(v, v), nil
}

func TestCasts(t *testing.T) {
	env := newEnv()
	env.Caster = pointCaster{}
	s := NewScope(env, Meta{})

	v, err := s.cast(value.Std(value.TypeText), int64(12))
	require.NoError(t, err)
	assert.Equal(t, "12", v)

	v, err = s.cast(value.Std(value.TypeDecimal), "2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = s.cast(value.Std(value.TypeInteger), "abc")
	assert.Equal(t, dxerr.KindValue, dxerr.KindOf(err))

	v, err = s.cast(value.Type{Namespace: "app", Name: "Point"}, int64(3))
	require.NoError(t, err)
	assert.Equal(t, []value.Value{int64(3), int64(3)}, v.(*value.Tuple).Items)

	_, err = s.cast(value.Type{Namespace: "app", Name: "Other"}, int64(3))
	assert.Equal(t, dxerr.KindType, dxerr.KindOf(err))
}

func TestContextCancellationStopsScope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := dxb.NewBuilder().Int(1).Close().MustBytes()
	_, err := Run(ctx, newEnv(), Meta{Sender: bob}, body)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindRuntime, dxerr.KindOf(err))
}

func TestHugeExponentFailsFast(t *testing.T) {
	body := dxb.NewBuilder().Int(3).Op(dxb.OpPower).Int(1 << 40).Close().MustBytes()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Run(ctx, newEnv(), Meta{Sender: bob}, body)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindValue, dxerr.KindOf(err))
}

func TestConnectiveCountDoesNotPreallocate(t *testing.T) {
	body := dxb.NewBuilder().Connective(value.ConnAnd, 0x7fffffff).Bool(true).MustBytes()
	s := NewScope(newEnv(), Meta{Sender: bob})
	state, err := s.Feed(context.Background(), body, false)
	require.NoError(t, err)
	assert.NotEqual(t, Closed, state)
	assert.LessOrEqual(t, cap(s.top().items), collectPrealloc)
}

func TestSparseArrayIndexIsBounded(t *testing.T) {
	env := newEnv()
	env.MaxCollectionLen = 8

	body := dxb.NewBuilder().Op(dxb.OpArrayStart).IntKey(3).Int(1).Op(dxb.OpArrayEnd).Close().MustBytes()
	v, err := run(t, env, body)
	require.NoError(t, err)
	arr, ok := v.(*value.Array)
	require.True(t, ok, "got %T", v)
	assert.Len(t, arr.Items, 4)

	body = dxb.NewBuilder().Op(dxb.OpArrayStart).IntKey(0xfffffff0).Int(1).Op(dxb.OpArrayEnd).Close().MustBytes()
	_, err = run(t, env, body)
	require.Error(t, err)
	assert.Equal(t, dxerr.KindValue, dxerr.KindOf(err))

	s := NewScope(env, Meta{})
	err = s.setChild(value.NewArray(), int64(1<<40), int64(1))
	require.Error(t, err)
	assert.Equal(t, dxerr.KindValue, dxerr.KindOf(err))
}
