// Package daemon runs a DXB node: the QUIC listener, the outbound peer
// connections and the periodic sweep, prune and snapshot loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dxbnet/internal/config"
	"dxbnet/internal/crypto"
	"dxbnet/internal/debuglog"
	"dxbnet/internal/metrics"
	"dxbnet/internal/network"
	"dxbnet/internal/node"
	"dxbnet/internal/store"
)

type Runner struct {
	Root    string
	Config  *config.Config
	Self    *node.Node
	Metrics *metrics.Metrics

	vars       store.VarStore
	log        *slog.Logger
	dial       dialer
	snapPath   string
	caPath     string
	listenMu   sync.RWMutex
	listenAddr string

	// connections outlive the run context until GOODBYE went out
	connCtx   context.Context
	stopConns context.CancelFunc
	conns     sync.WaitGroup
}

type Options struct {
	Metrics *metrics.Metrics
	// Vars overrides the store selected by store.path.
	Vars store.VarStore
	// SnapPath is where metrics snapshots go; default <home>/metrics.json.
	SnapPath string
	// OnData receives DATA and UPDATE messages.
	OnData node.DataFunc
}

func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}
	root := cfg.Node.Home
	if root == "" {
		return nil, fmt.Errorf("missing node.home")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	kr, err := crypto.LoadOrCreateKeyring(cfg.KeyringPath())
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	vars := opts.Vars
	if vars == nil {
		if cfg.Store.Path == "" {
			vars = store.NewMemory()
		} else if vars, err = store.OpenFile(cfg.Store.Path); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	local := cfg.LocalEndpoint()
	if cfg.Node.Instance != "" && !local.IsZero() {
		local = local.WithInstance(cfg.Node.Instance)
	}
	trusted, err := cfg.TrustedEndpoints()
	if err != nil {
		return nil, err
	}
	self, err := node.New(node.Options{
		Local:            local,
		Keyring:          kr,
		Vars:             vars,
		Metrics:          m,
		DefaultInterface: cfg.Node.DefaultInterface,
		SweepConcurrency: cfg.Router.SweepConcurrency,
		MaxBlockBody:     cfg.Node.MaxBlockBody,
		ResponseTimeout:  cfg.Node.ResponseTimeout,
		DuplicateWindow:  cfg.Node.DuplicateWindow,
		SessionIdleTTL:   cfg.Node.SessionIdleTTL,
		MaxFrameDepth:    cfg.Node.MaxFrameDepth,
		Sign:             cfg.Node.Sign,
		Encrypt:          cfg.Node.Encrypt,
		Trusted:          trusted,
		OnData:           opts.OnData,
	})
	if err != nil {
		return nil, err
	}
	snapPath := opts.SnapPath
	if snapPath == "" {
		snapPath = filepath.Join(root, "metrics.json")
	}
	r := &Runner{
		Root:     root,
		Config:   cfg,
		Self:     self,
		Metrics:  m,
		vars:     vars,
		log:      debuglog.With("daemon").With("endpoint", self.Local().String()),
		snapPath: snapPath,
		caPath:   filepath.Join(root, "devtls_ca.pem"),
	}
	r.dial = r.dialQUIC
	r.connCtx, r.stopConns = context.WithCancel(context.Background())
	return r, nil
}

func (r *Runner) dialQUIC(ctx context.Context, addr string) (network.Conn, error) {
	return network.Dial(ctx, addr, network.DialOptions{
		CAPath:         r.caPath,
		HandshakeLimit: r.Config.Network.HandshakeLimit,
	})
}

// ListenAddr is the bound listener address once RunWithContext reported it.
func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

// RunWithContext serves until ctx ends. When network.listen is set the bound
// address is sent on ready. On return every connection received a GOODBYE
// attempt and was closed. A Runner runs once.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	defer r.stopConns()
	if err := network.WriteDevCA(r.caPath); err != nil {
		return fmt.Errorf("write dev ca: %w", err)
	}
	debuglog.Debugf("dev tls ca written path=%s", r.caPath)
	g, ctx := errgroup.WithContext(ctx)

	if addr := r.Config.Network.Listen; addr != "" {
		ln, err := network.Listen(addr, network.ListenOptions{
			MaxConns:       r.Config.Network.MaxConns,
			MaxConnsPerIP:  r.Config.Network.MaxConnsPerIP,
			MaxStreams:     r.Config.Network.MaxStreams,
			HandshakeLimit: r.Config.Network.HandshakeLimit,
		})
		if err != nil {
			return err
		}
		r.setListenAddr(ln.Addr().String())
		if ready != nil {
			select {
			case ready <- ln.Addr().String():
			default:
			}
		}
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
		g.Go(func() error { return r.accept(ctx, ln) })
	}

	cm := newConnMan(r, r.Config.Network.Peers)
	g.Go(func() error { return cm.run(ctx) })
	g.Go(func() error { return r.sweepLoop(ctx) })
	g.Go(func() error { return r.pruneLoop(ctx) })

	err := g.Wait()
	r.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) accept(ctx context.Context, ln *network.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		r.log.Info("peer accepted", "addr", conn.RemoteAddr())
		r.Attach(conn)
	}
}

// Attach serves conn in the background until it closes or the runner shuts
// down. The returned channel is closed when serving ended.
func (r *Runner) Attach(conn network.Conn) <-chan struct{} {
	done := make(chan struct{})
	r.conns.Add(1)
	go func() {
		defer r.conns.Done()
		defer close(done)
		if err := r.Serve(r.connCtx, conn); err != nil && r.connCtx.Err() == nil {
			r.log.Debug("connection ended", "addr", conn.RemoteAddr(), "err", err)
		}
	}()
	return done
}

// Serve attaches conn to the node, greets the remote side and handles its
// blocks until either side closes. Each block is handled on its own
// goroutine, so a scope that waits on a remote response does not stall the
// connection that carries it.
func (r *Runner) Serve(ctx context.Context, conn network.Conn) error {
	id := r.Self.Router().Add(conn)
	ctx, cancel := context.WithCancel(ctx)
	var handlers sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		handlers.Wait()
		r.Self.Disconnect(id)
	}()
	if err := r.Self.Hello(ctx, id); err != nil {
		return err
	}
	return conn.Serve(ctx, func(raw []byte) {
		blk := append([]byte(nil), raw...)
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			if err := r.Self.HandleBlock(ctx, id, blk); err != nil {
				debuglog.RateLimitedf("block:"+id.String(), 10*time.Second, "block from %s rejected: %v", conn.RemoteAddr(), err)
			}
		}()
	})
}

func (r *Runner) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.Config.Router.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := r.Self.Router().Sweep(ctx, r.Self.Peers())
			if err != nil && ctx.Err() == nil {
				r.log.Warn("sweep failed", "err", err)
			} else if removed > 0 {
				r.log.Debug("sweep removed routes", "count", removed)
			}
		}
	}
}

// pruneLoop expires idle state and writes the metrics snapshot.
func (r *Runner) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.Config.Router.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if st := r.Self.Prune(); st != (node.PruneStats{}) {
				r.log.Debug("pruned", "sessions", st.Sessions, "session_keys", st.SessionKeys, "peers", st.Peers)
			}
			r.writeSnapshot()
		}
	}
}

func (r *Runner) writeSnapshot() {
	if r.snapPath == "" {
		return
	}
	if r.log.Enabled(context.Background(), slog.LevelDebug) {
		snap := r.Metrics.Snapshot()
		r.log.Debug("metrics",
			"received", snap.Blocks.Received,
			"executed", snap.Blocks.Executed,
			"redirected", snap.Blocks.Redirected,
			"sockets", snap.CurrentSockets,
			"open_sessions", snap.OpenSessions,
			"pending", r.Self.Correlator().Len())
	}
	if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
		debuglog.RateLimitedf("snapshot", time.Minute, "metrics snapshot failed: %v", err)
	}
}

func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Self.Goodbye(ctx); err != nil {
		r.log.Debug("goodbye not sent", "err", err)
	}
	r.stopConns()
	r.conns.Wait()
	_ = r.Self.Close()
	r.writeSnapshot()
	if c, ok := r.vars.(interface{ Compact() error }); ok {
		if err := c.Compact(); err != nil {
			r.log.Warn("store compaction failed", "err", err)
		}
	}
}
