package crypto

import (
	"sync"
	"time"

	"dxbnet/internal/target"
)

const DefaultSessionKeyTTL = 10 * time.Minute

type sessionRef struct {
	sender string
	sid    uint32
}

type sessionEntry struct {
	key      []byte
	lastSeen time.Time
}

// SessionCache holds symmetric body keys per (sender, sid). Inbound keys are
// learned from the first block of a session that carries a wrapped key;
// outbound keys are generated on first use.
type SessionCache struct {
	mu   sync.Mutex
	keys map[sessionRef]*sessionEntry
	ttl  time.Duration
	now  func() time.Time
}

func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionKeyTTL
	}
	return &SessionCache{
		keys: make(map[sessionRef]*sessionEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (c *SessionCache) SessionKey(sender target.Endpoint, sid uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.keys[sessionRef{sender.Key(), sid}]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.lastSeen) > c.ttl {
		delete(c.keys, sessionRef{sender.Key(), sid})
		return nil, false
	}
	e.lastSeen = c.now()
	return e.key, true
}

func (c *SessionCache) PutSessionKey(sender target.Endpoint, sid uint32, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[sessionRef{sender.Key(), sid}] = &sessionEntry{key: append([]byte(nil), key...), lastSeen: c.now()}
}

// OutboundKey returns the key for a session the local node sends, creating it
// when the session is new. fresh reports creation; the caller then attaches
// the wrapped key to the receivers.
func (c *SessionCache) OutboundKey(local target.Endpoint, sid uint32) (key []byte, fresh bool, err error) {
	if key, ok := c.SessionKey(local, sid); ok {
		return key, false, nil
	}
	key, err = GenerateSymmetricKey()
	if err != nil {
		return nil, false, err
	}
	c.PutSessionKey(local, sid, key)
	return key, true, nil
}

// Forget drops every session of sender.
func (c *SessionCache) Forget(sender target.Endpoint) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	k := sender.Key()
	for ref := range c.keys {
		if ref.sender == k {
			delete(c.keys, ref)
			n++
		}
	}
	return n
}

// Prune drops keys idle for longer than the TTL.
func (c *SessionCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for ref, e := range c.keys {
		if now.Sub(e.lastSeen) > c.ttl {
			delete(c.keys, ref)
			n++
		}
	}
	return n
}

func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}
