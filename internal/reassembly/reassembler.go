// Package reassembly orders the blocks of a session and drives its scope.
package reassembly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dxbnet/internal/debuglog"
	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/interp"
	"dxbnet/internal/pointer"
	"dxbnet/internal/store"
	"dxbnet/internal/value"
)

type Outcome uint8

const (
	// Buffered means the block was accepted but the scope is not closed yet.
	Buffered Outcome = iota
	Ready
	Duplicate
	// Discarded blocks belong to a scope that already closed.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Buffered:
		return "buffered"
	case Ready:
		return "ready"
	case Duplicate:
		return "duplicate"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

const (
	DefaultIdleTTL    = 5 * time.Minute
	DefaultMaxPending = 1024
)

// Completion is the closed scope of a session.
type Completion struct {
	// Header is the header of the session's first block.
	Header *dxb.Header
	Result value.Value
	Err    error
}

type Options struct {
	Env             *interp.Env
	Vars            store.VarStore
	DuplicateWindow time.Duration
	IdleTTL         time.Duration
	MaxPending      int
	Now             func() time.Time
	Logger          *slog.Logger
}

type session struct {
	key     string
	first   *dxb.Header
	scope   *interp.Scope
	next    uint16
	pending map[uint16]*dxb.Block
	busy    bool
	closed  bool
	done    *Completion
	seen    time.Time
}

// Reassembler is safe for concurrent use. Each session has a single driver;
// blocks arriving while it runs are queued and drained by that driver.
type Reassembler struct {
	opts Options
	dups *dupCache
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(opts Options) *Reassembler {
	if opts.Env == nil {
		opts.Env = &interp.Env{}
	}
	if opts.Env.Pointers == nil {
		opts.Env.Pointers = pointer.NewStore()
	}
	if opts.Vars == nil {
		opts.Vars = store.NewMemory()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.With("reassembly")
	}
	return &Reassembler{
		opts:     opts,
		dups:     newDupCache(opts.DuplicateWindow, 0),
		log:      opts.Logger,
		sessions: make(map[string]*session),
	}
}

// Seen records h in the duplicate history and reports whether an equal
// block was already recorded within the window.
func (r *Reassembler) Seen(h *dxb.Header) bool {
	return r.dups.seen(blockKey(h), r.opts.Now())
}

// Offer checks blk against the duplicate history and delivers it.
func (r *Reassembler) Offer(ctx context.Context, blk *dxb.Block) (Outcome, *Completion, error) {
	if r.Seen(blk.Header) {
		return Duplicate, nil, nil
	}
	return r.Deliver(ctx, blk)
}

// Deliver hands one decoded block, already checked with Seen, to its
// session. Ready carries the completion of the session, which may have been
// finished by blocks other goroutines queued while this call was driving it.
func (r *Reassembler) Deliver(ctx context.Context, blk *dxb.Block) (Outcome, *Completion, error) {
	h := blk.Header
	now := r.opts.Now()
	key := store.Key(h.Sender, h.SID)

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		s = &session{key: key, pending: make(map[uint16]*dxb.Block)}
		r.sessions[key] = s
	}
	s.seen = now
	if s.closed {
		if h.EndOfScope {
			delete(r.sessions, key)
		}
		r.mu.Unlock()
		return Discarded, nil, nil
	}
	if _, dup := s.pending[h.Inc]; dup || seqBefore(h.Inc, s.next) {
		r.mu.Unlock()
		return Duplicate, nil, nil
	}
	if len(s.pending) >= r.opts.MaxPending {
		delete(r.sessions, key)
		r.mu.Unlock()
		return Buffered, nil, dxerr.Runtime("reassembly", "session %s has more than %d out-of-order blocks", key, r.opts.MaxPending)
	}
	s.pending[h.Inc] = blk
	if s.busy || h.Inc != s.next {
		r.mu.Unlock()
		return Buffered, nil, nil
	}
	s.busy = true
	r.mu.Unlock()

	return r.drive(ctx, s)
}

// seqBefore reports whether a precedes b in the wrapping index space,
// looking back at most half of it.
func seqBefore(a, b uint16) bool {
	return a != b && b-a < 1<<15
}

// drive feeds consecutive blocks until the next one is missing or the scope
// closes.
func (r *Reassembler) drive(ctx context.Context, s *session) (Outcome, *Completion, error) {
	for {
		r.mu.Lock()
		blk, ok := s.pending[s.next]
		if !ok || s.closed {
			s.busy = false
			done := s.done
			r.mu.Unlock()
			if done != nil {
				return Ready, done, nil
			}
			return Buffered, nil, nil
		}
		delete(s.pending, s.next)
		s.next++
		r.mu.Unlock()

		if s.scope == nil {
			scope, err := r.open(ctx, s, blk.Header)
			if err != nil {
				r.finish(s, blk.Header, &Completion{Header: blk.Header, Result: value.Void{}, Err: err})
				continue
			}
			s.scope = scope
		}
		state, err := s.scope.Feed(ctx, blk.Body, blk.Header.EndOfScope)
		if state != interp.Closed {
			continue
		}
		r.flush(ctx, s)
		r.finish(s, blk.Header, &Completion{Header: s.first, Result: s.scope.Result(), Err: err})
	}
}

func (r *Reassembler) open(ctx context.Context, s *session, h *dxb.Header) (*interp.Scope, error) {
	s.first = h
	scope := interp.NewScope(r.opts.Env, interp.MetaOf(h))
	saved, ok, err := r.opts.Vars.Load(s.key)
	if err != nil {
		return nil, dxerr.Wrap(dxerr.KindRuntime, "restore", err)
	}
	if !ok {
		return scope, nil
	}
	vars := make(map[string]value.Value, len(saved))
	for name, body := range saved {
		v, err := interp.Run(ctx, r.opts.Env, interp.MetaOf(h), body)
		if err != nil {
			return nil, dxerr.Wrap(dxerr.KindRuntime, "restore", err)
		}
		vars[name] = v
	}
	scope.Restore(vars)
	return scope, nil
}

// flush writes the persistent variables of a closed scope.
func (r *Reassembler) flush(_ context.Context, s *session) {
	vars := s.scope.Persistent()
	if len(vars) == 0 {
		return
	}
	out := make(store.Vars, len(vars))
	for name, v := range vars {
		body, err := dxb.BuildValue(v)
		if err != nil {
			r.log.Warn("persistent variable not saved", "session", s.key, "var", name, "err", err)
			continue
		}
		out[name] = body
	}
	if err := r.opts.Vars.Save(s.key, out); err != nil {
		r.log.Warn("persistent variables not saved", "session", s.key, "err", err)
	}
}

// finish records the completion. The entry stays as a tombstone until the
// end-of-scope block arrives so late blocks are discarded.
func (r *Reassembler) finish(s *session, last *dxb.Header, c *Completion) {
	if c.Header == nil {
		c.Header = last
	}
	r.mu.Lock()
	s.closed = true
	s.done = c
	s.pending = nil
	if last.EndOfScope {
		delete(r.sessions, s.key)
	}
	r.mu.Unlock()
}

// Prune drops sessions idle for longer than the idle TTL and expires the
// duplicate history. It returns the number of sessions removed.
func (r *Reassembler) Prune() int {
	now := r.opts.Now()
	r.dups.prune(now)
	cutoff := now.Add(-r.opts.IdleTTL)
	n := 0
	r.mu.Lock()
	for k, s := range r.sessions {
		if !s.busy && s.seen.Before(cutoff) {
			delete(r.sessions, k)
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.log.Debug("pruned idle sessions", "count", n)
	}
	return n
}

// Len is the number of open sessions.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
