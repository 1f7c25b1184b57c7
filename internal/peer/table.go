// Package peer tracks the endpoints this node has heard from.
package peer

import (
	"container/list"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"dxbnet/internal/crypto"
	"dxbnet/internal/target"
)

const (
	DefaultCap          = 512
	DefaultTTL          = 30 * time.Minute
	DefaultAddrCooldown = 2 * time.Minute
)

var ErrAddrConflict = errors.New("addr conflict")

type Peer struct {
	Endpoint target.Endpoint
	Keys     crypto.PeerKeys
	// Addr is the transport address the peer was last seen on, if any.
	Addr     string
	LastSeen time.Time
}

type Options struct {
	Cap          int
	TTL          time.Duration
	AddrCooldown time.Duration
	Now          func() time.Time
}

type entry struct {
	key        string
	peer       Peer
	addrChange time.Time
}

// Table is an LRU of peers that expire when they stay silent for longer than
// the TTL. It is safe for concurrent use.
type Table struct {
	opts Options

	mu        sync.Mutex
	hot       map[string]*list.Element
	order     *list.List
	addrIndex map[string]string
}

func NewTable(opts Options) *Table {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.AddrCooldown <= 0 {
		opts.AddrCooldown = DefaultAddrCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Table{
		opts:      opts,
		hot:       make(map[string]*list.Element),
		order:     list.New(),
		addrIndex: make(map[string]string),
	}
}

// Observe records a HELLO from ep. Empty keys or addr keep the known values.
// An address owned by another live endpoint, or an address change of ep to
// another host within the cooldown, is rejected with ErrAddrConflict; the
// peer is still refreshed.
func (t *Table) Observe(ep target.Endpoint, keys crypto.PeerKeys, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.opts.Now()
	t.pruneLocked(now)
	ent := t.touchLocked(ep, now)
	if len(keys.Sign) > 0 || len(keys.Enc) > 0 {
		ent.peer.Keys = crypto.PeerKeys{
			Sign: append([]byte(nil), keys.Sign...),
			Enc:  append([]byte(nil), keys.Enc...),
		}
	}
	if addr == "" || addr == ent.peer.Addr {
		return nil
	}
	if owner, ok := t.addrIndex[addr]; ok && owner != ent.key {
		return ErrAddrConflict
	}
	if ent.peer.Addr != "" && hostForAddr(ent.peer.Addr) != hostForAddr(addr) && now.Sub(ent.addrChange) < t.opts.AddrCooldown {
		return ErrAddrConflict
	}
	if ent.peer.Addr != "" {
		delete(t.addrIndex, ent.peer.Addr)
	}
	ent.peer.Addr = addr
	ent.addrChange = now
	t.addrIndex[addr] = ent.key
	return nil
}

// Touch refreshes ep on any received block.
func (t *Table) Touch(ep target.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touchLocked(ep, t.opts.Now())
}

func (t *Table) touchLocked(ep target.Endpoint, now time.Time) *entry {
	key := ep.Key()
	if el, ok := t.hot[key]; ok {
		ent := el.Value.(*entry)
		ent.peer.LastSeen = now
		t.order.MoveToFront(el)
		return ent
	}
	for len(t.hot) >= t.opts.Cap {
		t.removeLocked(t.order.Back())
	}
	ent := &entry{key: key, peer: Peer{Endpoint: ep, LastSeen: now}}
	t.hot[key] = t.order.PushFront(ent)
	return ent
}

func (t *Table) Get(ep target.Endpoint) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.opts.Now())
	el, ok := t.hot[ep.Key()]
	if !ok {
		return Peer{}, false
	}
	return el.Value.(*entry).peer, true
}

// Online reports whether ep, or an instance of it when ep is a main
// endpoint, was seen within the TTL.
func (t *Table) Online(_ context.Context, ep target.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.opts.Now())
	if _, ok := t.hot[ep.Key()]; ok {
		return true
	}
	if !ep.IsMain() && !ep.IsWildcard() {
		return false
	}
	for el := t.order.Front(); el != nil; el = el.Next() {
		if ep.Matches(el.Value.(*entry).peer.Endpoint) {
			return true
		}
	}
	return false
}

// Forget drops ep, e.g. after its GOODBYE.
func (t *Table) Forget(ep target.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[ep.Key()]
	if !ok {
		return false
	}
	t.removeLocked(el)
	return true
}

// List returns the peers, most recently seen first.
func (t *Table) List() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.opts.Now())
	out := make([]Peer, 0, len(t.hot))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.opts.Now())
	return len(t.hot)
}

// Prune drops expired peers and returns how many were removed.
func (t *Table) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(t.opts.Now())
}

func (t *Table) pruneLocked(now time.Time) int {
	cutoff := now.Add(-t.opts.TTL)
	n := 0
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry).peer.LastSeen.After(cutoff) {
			break
		}
		t.removeLocked(el)
		n++
		el = prev
	}
	return n
}

func (t *Table) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	ent := el.Value.(*entry)
	if ent.peer.Addr != "" && t.addrIndex[ent.peer.Addr] == ent.key {
		delete(t.addrIndex, ent.peer.Addr)
	}
	delete(t.hot, ent.key)
	t.order.Remove(el)
}

func hostForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
