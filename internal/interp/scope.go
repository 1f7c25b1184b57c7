package interp

import (
	"context"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/value"
)

type State uint8

const (
	Running State = iota
	// Suspended waits for the next block of the body.
	Suspended
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Scope executes one body. It is not safe for concurrent use; the
// reassembler guarantees a single feeder per session.
type Scope struct {
	env  *Env
	meta Meta
	ctx  context.Context

	buf    []byte
	pos    int // next instruction, relative to buf
	offset int // absolute index of buf[0]
	cache  bool

	frames   []*frame
	vars     map[string]value.Value
	persist  map[string]bool
	restored map[string]bool

	result  value.Value
	state   State
	err     error
	permErr error
	depth   int // nesting of DO scopes
}

// NewScope prepares a scope for a body sent by meta.Sender.
func NewScope(env *Env, meta Meta) *Scope {
	s := &Scope{
		env:      env.withDefaults(),
		meta:     meta,
		vars:     make(map[string]value.Value),
		persist:  make(map[string]bool),
		restored: make(map[string]bool),
		result:   value.Void{},
	}
	s.frames = []*frame{newFrame(frameRoot)}
	return s
}

// Restore seeds persistent variables from an earlier scope of the same
// session. INIT_INTERNAL_VAR skips the initializer of a restored variable.
func (s *Scope) Restore(vars map[string]value.Value) {
	for k, v := range vars {
		s.vars[k] = v
		s.persist[k] = true
		s.restored[k] = true
	}
}

// Persistent returns the variables declared with INIT_INTERNAL_VAR.
func (s *Scope) Persistent() map[string]value.Value {
	out := make(map[string]value.Value, len(s.persist))
	for k := range s.persist {
		if v, ok := s.vars[k]; ok {
			out[k] = v
		}
	}
	return out
}

// SetVar presets an internal variable, e.g. #it.
func (s *Scope) SetVar(name string, v value.Value) { s.vars[name] = v }

func (s *Scope) Result() value.Value { return s.result }

func (s *Scope) State() State { return s.state }

// Err is the error the scope closed with, if any.
func (s *Scope) Err() error { return s.err }

// Feed appends data and runs until the body is exhausted, the scope closes or
// an instruction is incomplete. endOfScope marks data as the final block.
func (s *Scope) Feed(ctx context.Context, data []byte, endOfScope bool) (State, error) {
	if s.state == Closed {
		return Closed, dxerr.Runtime("scope", "scope is closed")
	}
	if !s.cache {
		drop := s.pos
		if drop > len(s.buf) {
			drop = len(s.buf)
		}
		s.buf = append(s.buf[:0:0], s.buf[drop:]...)
		s.pos -= drop
		s.offset += drop
	}
	s.buf = append(s.buf, data...)
	s.ctx = ctx
	s.state = Running
	defer func() { s.ctx = nil }()

	if err := s.run(); err != nil {
		s.fail(err)
		return Closed, err
	}
	if s.state == Closed {
		return Closed, s.permErr
	}
	if !endOfScope {
		s.state = Suspended
		return Suspended, nil
	}
	if err := s.finish(); err != nil {
		s.fail(err)
		return Closed, err
	}
	return Closed, s.permErr
}

func (s *Scope) fail(err error) {
	s.state = Closed
	s.err = err
	s.env.Logger.Debug("scope failed", "sender", s.meta.Sender.String(), "sid", s.meta.SID, "err", err)
}

// run executes instructions until the buffer is exhausted or the scope closes.
func (s *Scope) run() error {
	for s.state == Running {
		if err := s.ctxErr(); err != nil {
			return err
		}
		if s.pos >= len(s.buf) {
			return nil
		}
		in, err := s.decode()
		if isShort(err) {
			return nil
		}
		if err != nil {
			return err
		}
		s.pos = in.end
		if err := s.exec(in); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scope) ctxErr() error {
	if s.ctx == nil {
		return nil
	}
	if err := s.ctx.Err(); err != nil {
		return dxerr.Wrap(dxerr.KindRuntime, "scope", err)
	}
	return nil
}

// finish closes the scope after the final block.
func (s *Scope) finish() error {
	if s.pos < len(s.buf) {
		return dxerr.Format("scope", "body ends inside an instruction at %d", s.offset+s.pos)
	}
	if s.pos > len(s.buf) {
		return dxerr.Runtime("scope", "jump target %d past the end of the body", s.offset+s.pos)
	}
	if len(s.frames) > 1 {
		return dxerr.Format("scope", "body ends with %d open frames", len(s.frames)-1)
	}
	root := s.frames[0]
	if !root.stmt.empty() {
		v, err := s.closeOut(root)
		if err != nil {
			return err
		}
		if s.state != Closed {
			s.result = v
		}
	}
	s.state = Closed
	return nil
}

// jump moves the cursor to an absolute body index.
func (s *Scope) jump(index uint32) error {
	abs := int(index)
	if abs < s.offset {
		return dxerr.Runtime("jump", "jump target %d was already discarded (cache from %d)", abs, s.offset)
	}
	s.pos = abs - s.offset
	return nil
}

func (s *Scope) top() *frame { return s.frames[len(s.frames)-1] }

func (s *Scope) push(f *frame) error {
	if len(s.frames) >= s.env.MaxDepth {
		return dxerr.Runtime("scope", "maximum frame depth %d exceeded", s.env.MaxDepth)
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *Scope) pop() *frame {
	f := s.top()
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

// sub runs a nested body with this scope's collaborators, used by DO.
func (s *Scope) sub(body []byte) (value.Value, error) {
	if s.depth+1 >= s.env.MaxDepth {
		return nil, dxerr.Runtime("do", "maximum scope nesting exceeded")
	}
	child := NewScope(s.env, s.meta)
	child.depth = s.depth + 1
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := child.Feed(ctx, body, true); err != nil {
		return nil, err
	}
	return child.Result(), nil
}

// Run executes a complete body in a fresh scope.
func Run(ctx context.Context, env *Env, meta Meta, body []byte) (value.Value, error) {
	s := NewScope(env, meta)
	if _, err := s.Feed(ctx, body, true); err != nil {
		return s.Result(), err
	}
	return s.Result(), nil
}
