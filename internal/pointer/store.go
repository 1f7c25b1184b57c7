// Package pointer owns the process-local table of logical references:
// creation, lookup, labels, subscriptions and waiting for a pointer that has
// not been created yet.
package pointer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"dxbnet/internal/dxerr"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

const idKindLocal = 1

// NewID builds a pointer id: kind byte, a time-ordered uuid and a short hash
// of the creating endpoint.
func NewID(origin target.Endpoint) value.PointerID {
	var id value.PointerID
	id[0] = idKindLocal
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	copy(id[1:17], u[:])
	sum := sha3.Sum256([]byte(origin.Main().Key()))
	copy(id[17:], sum[:value.PointerIDSize-17])
	return id
}

type entry struct {
	ptr    *value.Pointer
	origin target.Endpoint
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	ptrs    map[value.PointerID]*entry
	labels  map[string]value.PointerID
	waiters map[value.PointerID][]chan struct{}
}

func NewStore() *Store {
	return &Store{
		ptrs:    make(map[value.PointerID]*entry),
		labels:  make(map[string]value.PointerID),
		waiters: make(map[value.PointerID][]chan struct{}),
	}
}

func (s *Store) Resolve(id value.PointerID) (*value.Pointer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ptrs[id]
	if !ok {
		return nil, false
	}
	return e.ptr, true
}

// Create registers a new pointer and wakes every WaitFor blocked on id.
func (s *Store) Create(id value.PointerID, v value.Value, origin target.Endpoint) (*value.Pointer, error) {
	s.mu.Lock()
	if _, ok := s.ptrs[id]; ok {
		s.mu.Unlock()
		return nil, dxerr.Value("pointer", "pointer $%s already exists", id)
	}
	p := value.NewPointer(id, v)
	s.ptrs[id] = &entry{ptr: p, origin: origin}
	waiting := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
	return p, nil
}

// New creates a pointer with a fresh id.
func (s *Store) New(v value.Value, origin target.Endpoint) *value.Pointer {
	for {
		p, err := s.Create(NewID(origin), v, origin)
		if err == nil {
			return p
		}
	}
}

// WaitFor blocks until id exists or ctx is done.
func (s *Store) WaitFor(ctx context.Context, id value.PointerID) (*value.Pointer, error) {
	s.mu.Lock()
	if e, ok := s.ptrs[id]; ok {
		s.mu.Unlock()
		return e.ptr, nil
	}
	ch := make(chan struct{})
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		p, _ := s.Resolve(id)
		return p, nil
	case <-ctx.Done():
		s.dropWaiter(id, ch)
		return nil, dxerr.Wrap(dxerr.KindNetwork, "pointer", ctx.Err())
	}
}

func (s *Store) dropWaiter(id value.PointerID, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = list
	}
}

// Delete removes id and every label bound to it.
func (s *Store) Delete(id value.PointerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ptrs[id]; !ok {
		return false
	}
	delete(s.ptrs, id)
	for name, lid := range s.labels {
		if lid == id {
			delete(s.labels, name)
		}
	}
	return true
}

func (s *Store) Origin(id value.PointerID) (target.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ptrs[id]
	if !ok {
		return target.Endpoint{}, false
	}
	return e.origin, true
}

// Label returns the pointer bound to name.
func (s *Store) Label(name string) (*value.Pointer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.labels[name]
	if !ok {
		return nil, false
	}
	e, ok := s.ptrs[id]
	if !ok {
		return nil, false
	}
	return e.ptr, true
}

// SetLabel binds name to p, registering p if the store does not know it.
func (s *Store) SetLabel(name string, p *value.Pointer, origin target.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ptrs[p.ID]; !ok {
		s.ptrs[p.ID] = &entry{ptr: p, origin: origin}
	}
	s.labels[name] = p.ID
}

// ClearSubscriber drops ep, and all its instances when ep is a main
// endpoint, from every pointer.
func (s *Store) ClearSubscriber(ep target.Endpoint) int {
	s.mu.RLock()
	ptrs := make([]*value.Pointer, 0, len(s.ptrs))
	for _, e := range s.ptrs {
		ptrs = append(ptrs, e.ptr)
	}
	s.mu.RUnlock()
	n := 0
	for _, p := range ptrs {
		n += p.Unsubscribe(ep)
	}
	return n
}

// ReceiversOf resolves a pointer-addressed receiver section to the pointer's
// subscribers.
func (s *Store) ReceiversOf(id value.PointerID) ([]target.Endpoint, error) {
	p, ok := s.Resolve(id)
	if !ok {
		return nil, dxerr.Value("pointer", "unknown pointer $%s", id)
	}
	return p.Subscribers(), nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ptrs)
}
