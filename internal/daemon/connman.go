package daemon

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dxbnet/internal/debuglog"
	"dxbnet/internal/network"
)

// dialer opens an outgoing connection to a host:port.
type dialer func(ctx context.Context, addr string) (network.Conn, error)

const (
	backoffJitter = 250 * time.Millisecond
	dialLogTTL    = 30 * time.Second
)

// connMan keeps one connection open to every configured peer address and
// redials with exponential backoff after failures.
type connMan struct {
	r     *Runner
	addrs []string
	dial  dialer
	base  time.Duration
	limit time.Duration
	log   *slog.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	fails map[string]int
}

func newConnMan(r *Runner, addrs []string) *connMan {
	return &connMan{
		r:     r,
		addrs: addrs,
		dial:  r.dial,
		base:  r.Config.Network.ReconnectMin,
		limit: r.Config.Network.ReconnectMax,
		log:   r.log.With("component", "connman"),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		fails: make(map[string]int),
	}
}

func (c *connMan) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range c.addrs {
		g.Go(func() error {
			c.keep(ctx, addr)
			return nil
		})
	}
	return g.Wait()
}

func (c *connMan) keep(ctx context.Context, addr string) {
	for {
		conn, err := c.dial(ctx, addr)
		if err == nil {
			c.markSuccess(addr)
			c.log.Info("peer connected", "addr", addr)
			select {
			case <-c.r.Attach(conn):
				c.log.Info("peer disconnected", "addr", addr)
			case <-ctx.Done():
				return
			}
		} else if ctx.Err() == nil {
			debuglog.RateLimitedf("dial:"+addr, dialLogTTL, "dial %s failed: %v", addr, err)
		}
		if ctx.Err() != nil {
			return
		}
		wait := c.markFailure(addr)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *connMan) markSuccess(addr string) {
	c.mu.Lock()
	delete(c.fails, addr)
	c.mu.Unlock()
}

// markFailure counts a failed or lost connection and returns how long to
// wait before the next dial.
func (c *connMan) markFailure(addr string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fails[addr]++
	return nextBackoff(c.fails[addr], c.base, c.limit, c.rng)
}

// nextBackoff doubles base per consecutive failure, adds jitter and stops at
// limit.
func nextBackoff(fails int, base, limit time.Duration, rng *rand.Rand) time.Duration {
	shift := fails - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	backoff := base * time.Duration(1<<shift)
	jitter := time.Duration(rng.Int63n(int64(backoffJitter)))
	raw := backoff + jitter
	if raw > limit || raw < 0 {
		return limit
	}
	return raw
}
