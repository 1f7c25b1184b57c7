// Package node is the runtime context of one DXB endpoint. It wires the
// codec, reassembler, router and correlator into a single block flow.
package node

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dxbnet/internal/correlator"
	"dxbnet/internal/crypto"
	"dxbnet/internal/debuglog"
	"dxbnet/internal/dxb"
	"dxbnet/internal/interp"
	"dxbnet/internal/metrics"
	"dxbnet/internal/peer"
	"dxbnet/internal/pointer"
	"dxbnet/internal/reassembly"
	"dxbnet/internal/router"
	"dxbnet/internal/store"
	"dxbnet/internal/target"
	"dxbnet/internal/value"
)

const (
	DefaultMaxBlockBody = 4096
	DefaultSessionTTL   = 10 * time.Minute
)

// DataFunc receives the result of DATA and UPDATE messages.
type DataFunc func(h *dxb.Header, v value.Value)

type Options struct {
	// Local is the endpoint of this node. A main endpoint gets a random
	// instance.
	Local   target.Endpoint
	Keyring *crypto.Keyring
	Vars    store.VarStore
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	DefaultInterface string
	SweepConcurrency int

	MaxBlockBody    int
	ResponseTimeout time.Duration
	DuplicateWindow time.Duration
	SessionIdleTTL  time.Duration
	MaxFrameDepth   int

	// Sign and Encrypt apply to outgoing REQUEST, RESPONSE and DATA blocks.
	Sign    bool
	Encrypt bool
	// Trusted endpoints may create labels and write any pointer here.
	Trusted []target.Endpoint

	OnData DataFunc
	Now    func() time.Time
}

type Node struct {
	opts  Options
	local target.Endpoint
	log   *slog.Logger

	keys     *crypto.Keyring
	sessions *crypto.SessionCache
	pointers *pointer.Store
	router   *router.Router
	corr     *correlator.Correlator
	reasm    *reassembly.Reassembler
	peers    *peer.Table
	metrics  *metrics.Metrics
	env      *interp.Env

	nextSID atomic.Uint32

	mu      sync.Mutex
	greeted map[router.SocketID]bool
}

func New(opts Options) (*Node, error) {
	if opts.Keyring == nil {
		kr, err := crypto.NewKeyring()
		if err != nil {
			return nil, err
		}
		opts.Keyring = kr
	}
	if opts.Vars == nil {
		opts.Vars = store.NewMemory()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.With("node")
	}
	if opts.MaxBlockBody <= 0 {
		opts.MaxBlockBody = DefaultMaxBlockBody
	}
	if opts.SessionIdleTTL <= 0 {
		opts.SessionIdleTTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	local := opts.Local
	if local.IsMain() && !local.IsZero() {
		local = local.WithInstance(uuid.NewString()[:8])
	}

	n := &Node{
		opts:     opts,
		local:    local,
		log:      opts.Logger.With("endpoint", local.String()),
		keys:     opts.Keyring,
		sessions: crypto.NewSessionCache(opts.SessionIdleTTL),
		pointers: pointer.NewStore(),
		metrics:  opts.Metrics,
		peers:    peer.NewTable(peer.Options{Now: opts.Now}),
		greeted:  make(map[router.SocketID]bool),
	}
	n.nextSID.Store(rand.Uint32())
	n.router = router.New(router.Options{
		DefaultInterface: opts.DefaultInterface,
		SweepConcurrency: opts.SweepConcurrency,
		Metrics:          opts.Metrics,
		Now:              opts.Now,
	})
	n.corr = correlator.New(opts.ResponseTimeout, opts.Metrics)
	n.env = &interp.Env{
		Pointers:    n.pointers,
		Permissions: &guard{local: local, pointers: n.pointers, trusted: opts.Trusted},
		Remote:      n,
		Local:       local,
		MaxDepth:    opts.MaxFrameDepth,
		Now:         opts.Now,
	}
	n.reasm = reassembly.New(reassembly.Options{
		Env:             n.env,
		Vars:            opts.Vars,
		DuplicateWindow: opts.DuplicateWindow,
		IdleTTL:         opts.SessionIdleTTL,
		Now:             opts.Now,
	})
	return n, nil
}

// Local is the endpoint instance this node sends as.
func (n *Node) Local() target.Endpoint { return n.local }

func (n *Node) Router() *router.Router             { return n.router }
func (n *Node) Peers() *peer.Table                 { return n.peers }
func (n *Node) Metrics() *metrics.Metrics          { return n.metrics }
func (n *Node) Keyring() *crypto.Keyring           { return n.keys }
func (n *Node) Pointers() *pointer.Store           { return n.pointers }
func (n *Node) Correlator() *correlator.Correlator { return n.corr }

// Disconnect drops a socket that went away.
func (n *Node) Disconnect(id router.SocketID) {
	n.router.Remove(id)
	n.mu.Lock()
	delete(n.greeted, id)
	n.mu.Unlock()
}

// PruneStats counts what one Prune pass removed.
type PruneStats struct {
	Sessions    int
	SessionKeys int
	Peers       int
}

// Prune expires idle sessions, session keys and silent peers.
func (n *Node) Prune() PruneStats {
	st := PruneStats{
		Sessions:    n.reasm.Prune(),
		SessionKeys: n.sessions.Prune(),
		Peers:       n.peers.Prune(),
	}
	n.metrics.SetOpenSessions(n.reasm.Len())
	return st
}

// Close rejects every pending request.
func (n *Node) Close() error {
	if c := n.corr.Close(); c > 0 {
		n.log.Debug("pending requests rejected on close", "count", c)
	}
	return nil
}

func (n *Node) markGreeted(id router.SocketID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	was := n.greeted[id]
	n.greeted[id] = true
	return was
}
