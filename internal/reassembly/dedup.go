package reassembly

import (
	"container/list"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"dxbnet/internal/dxb"
)

const (
	DefaultDuplicateWindow = 20 * time.Second
	defaultDuplicateMax    = 65536
)

type dupKey [32]byte

// blockKey identifies a block for duplicate detection. It covers the type,
// the sender, sid, inc, return index and a hash of the receivers.
func blockKey(h *dxb.Header) dupKey {
	hash := sha3.New256()
	var fixed [9]byte
	fixed[0] = byte(h.Type)
	binary.LittleEndian.PutUint32(fixed[1:], h.SID)
	binary.LittleEndian.PutUint16(fixed[5:], h.Inc)
	binary.LittleEndian.PutUint16(fixed[7:], h.ReturnIndex)
	hash.Write(fixed[:])
	hash.Write([]byte(h.Sender.Key()))
	hash.Write([]byte{0})
	rh := receiversHash(h.Receivers)
	hash.Write(rh[:])
	var k dupKey
	copy(k[:], hash.Sum(nil))
	return k
}

func receiversHash(rs dxb.Receivers) [32]byte {
	switch {
	case rs.Flood:
		return sha3.Sum256([]byte("*"))
	case rs.Pointer != nil:
		return sha3.Sum256(append([]byte("$"), rs.Pointer[:]...))
	}
	keys := make([]string, 0, len(rs.List))
	for _, r := range rs.List {
		keys = append(keys, r.Endpoint.Key())
	}
	sort.Strings(keys)
	hash := sha3.New256()
	for _, k := range keys {
		hash.Write([]byte(k))
		hash.Write([]byte{0})
	}
	var out [32]byte
	copy(out[:], hash.Sum(nil))
	return out
}

type dupEntry struct {
	key dupKey
	ts  time.Time
}

// dupCache is a rolling history of block keys bounded by age and size.
type dupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[dupKey]*list.Element
	order   *list.List
}

func newDupCache(ttl time.Duration, maxSize int) *dupCache {
	if ttl <= 0 {
		ttl = DefaultDuplicateWindow
	}
	if maxSize <= 0 {
		maxSize = defaultDuplicateMax
	}
	return &dupCache{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[dupKey]*list.Element),
		order:   list.New(),
	}
}

// seen records key and reports whether it was already in the window.
func (c *dupCache) seen(key dupKey, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if _, ok := c.items[key]; ok {
		return true
	}
	el := c.order.PushFront(&dupEntry{key: key, ts: now})
	c.items[key] = el
	for c.order.Len() > c.maxSize {
		back := c.order.Back()
		old := back.Value.(*dupEntry)
		delete(c.items, old.key)
		c.order.Remove(back)
	}
	return false
}

func (c *dupCache) prune(now time.Time) {
	c.mu.Lock()
	c.pruneExpiredLocked(now)
	c.mu.Unlock()
}

func (c *dupCache) pruneExpiredLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*dupEntry)
		if ent.ts.After(cutoff) {
			return
		}
		delete(c.items, ent.key)
		c.order.Remove(back)
	}
}

func (c *dupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
