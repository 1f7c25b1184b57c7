package value

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
)

const PointerIDSize = 26

type PointerID [PointerIDSize]byte

func (id PointerID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

func ParsePointerID(s string) (PointerID, error) {
	var id PointerID
	s = strings.TrimPrefix(s, "$")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("pointer id: %w", err)
	}
	if len(raw) != PointerIDSize {
		return id, fmt.Errorf("pointer id: want %d bytes, got %d", PointerIDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Pointer is a logical reference. Writes update the value in place so every
// holder and subscriber observes the change.
type Pointer struct {
	ID PointerID

	mu          sync.RWMutex
	val         Value
	frozen      bool
	subscribers map[string]target.Endpoint
	observers   map[uint64]func(Value)
	nextObs     uint64
}

func NewPointer(id PointerID, v Value) *Pointer {
	return &Pointer{ID: id, val: v}
}

func (p *Pointer) Get() Value {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.val
}

func (p *Pointer) Set(v Value) error {
	if q, ok := v.(*Pointer); ok && q == p {
		return dxerr.Value("pointer", "cannot assign pointer $%s to itself", p.ID)
	}
	p.mu.Lock()
	if p.frozen {
		p.mu.Unlock()
		return dxerr.Permission("pointer", "pointer $%s is frozen", p.ID)
	}
	p.val = v
	obs := make([]func(Value), 0, len(p.observers))
	for _, fn := range p.observers {
		obs = append(obs, fn)
	}
	p.mu.Unlock()
	for _, fn := range obs {
		fn(v)
	}
	return nil
}

func (p *Pointer) Freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

func (p *Pointer) Frozen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frozen
}

// Observe registers fn for every later Set. The returned func removes it.
func (p *Pointer) Observe(fn func(Value)) func() {
	p.mu.Lock()
	if p.observers == nil {
		p.observers = make(map[uint64]func(Value))
	}
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

func (p *Pointer) Subscribe(ep target.Endpoint) {
	p.mu.Lock()
	if p.subscribers == nil {
		p.subscribers = make(map[string]target.Endpoint)
	}
	p.subscribers[ep.Key()] = ep
	p.mu.Unlock()
}

// Unsubscribe removes ep and every instance of it when ep is a main endpoint.
func (p *Pointer) Unsubscribe(ep target.Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, sub := range p.subscribers {
		if ep.Matches(sub) {
			delete(p.subscribers, k)
			n++
		}
	}
	return n
}

func (p *Pointer) Subscribers() []target.Endpoint {
	p.mu.RLock()
	out := make([]target.Endpoint, 0, len(p.subscribers))
	for _, sub := range p.subscribers {
		out = append(out, sub)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Task is a value that settles once, used by AWAIT.
type Task struct {
	done chan struct{}
	once sync.Once
	val  Value
	err  error
}

func NewTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Settle records the outcome. Only the first call has an effect.
func (t *Task) Settle(v Value, err error) bool {
	settled := false
	t.once.Do(func() {
		t.val, t.err = v, err
		close(t.done)
		settled = true
	})
	return settled
}

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Wait(ctx context.Context) (Value, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
