// Package correlator matches responses to the requests that expect them.
package correlator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/metrics"
	"dxbnet/internal/value"
)

const DefaultTimeout = 5 * time.Second

// Key is the pending request key of a session and return index.
func Key(sid uint32, returnIndex uint16) string {
	return strconv.FormatUint(uint64(sid), 10) + "-" + strconv.FormatUint(uint64(returnIndex), 10)
}

// Expects reports which data type answers a message of type t. HELLO,
// GOODBYE, UPDATE, DATA and DEBUGGER are fire-and-forget.
func Expects(t dxb.DataType) (dxb.DataType, bool) {
	switch t {
	case dxb.TypeRequest:
		return dxb.TypeResponse, true
	case dxb.TypeTrace:
		return dxb.TypeTraceBack, true
	}
	return 0, false
}

// Pending is one awaited response. It settles exactly once.
type Pending struct {
	key   string
	done  chan struct{}
	once  sync.Once
	val   value.Value
	err   error
	timer *time.Timer
}

func (p *Pending) Key() string { return p.key }

// Done is closed once the request is settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request settles or ctx ends. Cancelling ctx does not
// settle the request; it still times out on its own.
func (p *Pending) Wait(ctx context.Context) (value.Value, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		return nil, dxerr.Wrap(dxerr.KindNetwork, "await", ctx.Err())
	}
}

func (p *Pending) settle(v value.Value, err error) bool {
	settled := false
	p.once.Do(func() {
		p.val, p.err = v, err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
		settled = true
	})
	return settled
}

// Correlator is safe for concurrent use.
type Correlator struct {
	timeout time.Duration
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*Pending
}

// New returns a correlator; a non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration, m *metrics.Metrics) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Correlator{timeout: timeout, metrics: m, pending: make(map[string]*Pending)}
}

// Await registers a pending response. A zero timeout uses the default.
func (c *Correlator) Await(sid uint32, returnIndex uint16, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	key := Key(sid, returnIndex)
	p := &Pending{key: key, done: make(chan struct{})}

	c.mu.Lock()
	if _, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return nil, dxerr.Runtime("await", "request %s is already pending", key)
	}
	c.pending[key] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.take(key, p) && p.settle(nil, &dxerr.Error{
			Kind: dxerr.KindNetwork,
			Op:   "await",
			Msg:  "no response for " + key + " after " + timeout.String(),
			Err:  dxerr.ErrTimeout,
		}) {
			c.metrics.IncRequestTimedOut()
		}
	})
	c.mu.Unlock()
	c.metrics.IncRequestStarted()
	return p, nil
}

// take removes p if it is still the entry for key.
func (c *Correlator) take(key string, p *Pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[key] != p {
		return false
	}
	delete(c.pending, key)
	return true
}

func (c *Correlator) pop(sid uint32, returnIndex uint16) *Pending {
	key := Key(sid, returnIndex)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	return p
}

// Resolve settles the pending request with v. It is false when nothing was
// waiting, e.g. for a response that arrived after the timeout.
func (c *Correlator) Resolve(sid uint32, returnIndex uint16, v value.Value) bool {
	p := c.pop(sid, returnIndex)
	if p == nil || !p.settle(v, nil) {
		return false
	}
	c.metrics.IncRequestResolved()
	return true
}

// Reject settles the pending request with err.
func (c *Correlator) Reject(sid uint32, returnIndex uint16, err error) bool {
	if err == nil {
		err = dxerr.Runtime("reject", "rejected without error")
	}
	p := c.pop(sid, returnIndex)
	if p == nil || !p.settle(nil, err) {
		return false
	}
	c.metrics.IncRequestRejected()
	return true
}

// Pending reports whether a request is waiting under the key.
func (c *Correlator) Pending(sid uint32, returnIndex uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[Key(sid, returnIndex)]
	return ok
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every pending request. The correlator stays usable.
func (c *Correlator) Close() int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()
	n := 0
	for _, p := range all {
		if p.settle(nil, dxerr.Network("await", "node closed")) {
			n++
		}
	}
	return n
}
