// Package interp executes DXB instruction streams. A Scope consumes a body
// that may arrive across several blocks, suspends when an instruction is not
// yet complete and resumes on the next Feed.
package interp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dxbnet/internal/debuglog"
	"dxbnet/internal/dxb"
	"dxbnet/internal/pointer"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

const (
	DefaultMaxDepth         = 512
	DefaultPointerWait      = 2 * time.Second
	DefaultMaxCollectionLen = 1 << 20
)

// ErrNoCast is returned by a Caster that does not handle a type, letting the
// built-in casts report the failure.
var ErrNoCast = errors.New("interp: no cast")

// PointerStore is the pointer table a scope reads and writes.
type PointerStore interface {
	Resolve(id value.PointerID) (*value.Pointer, bool)
	Create(id value.PointerID, v value.Value, origin target.Endpoint) (*value.Pointer, error)
	New(v value.Value, origin target.Endpoint) *value.Pointer
	WaitFor(ctx context.Context, id value.PointerID) (*value.Pointer, error)
	Delete(id value.PointerID) bool
	Origin(id value.PointerID) (target.Endpoint, bool)
	Label(name string) (*value.Pointer, bool)
	SetLabel(name string, p *value.Pointer, origin target.Endpoint)
}

// Caster converts v to a type the built-in casts do not know.
type Caster interface {
	Cast(t value.Type, v value.Value) (value.Value, error)
}

// Overloader handles operators on operands the built-in arithmetic rejects.
// ok is false when it does not handle the pair either.
type Overloader interface {
	Operate(op dxb.Opcode, a, b value.Value) (v value.Value, ok bool, err error)
}

// Permissions decides writes that depend on who sent the scope.
type Permissions interface {
	CreateLabel(sender target.Endpoint, name string) error
	WritePointer(sender target.Endpoint, id value.PointerID) error
}

// RemoteExecutor runs a scope block on other endpoints and returns its result.
type RemoteExecutor interface {
	Remote(ctx context.Context, to []target.Endpoint, body []byte) (value.Value, error)
}

type allowAll struct{}

func (allowAll) CreateLabel(target.Endpoint, string) error          { return nil }
func (allowAll) WritePointer(target.Endpoint, value.PointerID) error { return nil }

// Env holds the collaborators of one node. It is shared by all scopes.
type Env struct {
	Pointers    PointerStore
	Caster      Caster
	Overloader  Overloader
	Permissions Permissions
	Remote      RemoteExecutor
	Logger      *slog.Logger

	// Local is the node's own endpoint, exposed as #endpoint.
	Local target.Endpoint
	// Vars backs #env.
	Vars map[string]string

	MaxDepth    int
	PointerWait time.Duration
	// MaxCollectionLen caps how far an indexed write may grow an array.
	MaxCollectionLen int
	Now         func() time.Time
}

func (e *Env) withDefaults() *Env {
	out := Env{}
	if e != nil {
		out = *e
	}
	if out.Pointers == nil {
		out.Pointers = pointer.NewStore()
	}
	if out.Permissions == nil {
		out.Permissions = allowAll{}
	}
	if out.Logger == nil {
		out.Logger = debuglog.With("interp")
	}
	if out.MaxDepth <= 0 {
		out.MaxDepth = DefaultMaxDepth
	}
	if out.MaxCollectionLen <= 0 {
		out.MaxCollectionLen = DefaultMaxCollectionLen
	}
	if out.PointerWait == 0 {
		out.PointerWait = DefaultPointerWait
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// Meta describes the block stream a scope executes.
type Meta struct {
	Sender    target.Endpoint
	SID       uint32
	Type      dxb.DataType
	Signed    bool
	Encrypted bool
	Timestamp time.Time
}

// MetaOf copies the execution metadata out of a block header.
func MetaOf(h *dxb.Header) Meta {
	return Meta{
		Sender:    h.Sender,
		SID:       h.SID,
		Type:      h.Type,
		Signed:    h.Signed,
		Encrypted: h.Encrypted,
		Timestamp: h.Timestamp,
	}
}

func (m Meta) object() *value.Object {
	o := value.NewObject()
	_ = o.Set("sender", m.Sender)
	_ = o.Set("sid", int64(m.SID))
	_ = o.Set("type", m.Type.String())
	_ = o.Set("signed", m.Signed)
	_ = o.Set("encrypted", m.Encrypted)
	if !m.Timestamp.IsZero() {
		_ = o.Set("timestamp", m.Timestamp)
	}
	return o
}
