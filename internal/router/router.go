// Package router keeps the socket registry of a node and delivers encoded
// blocks to endpoints through it.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dxbnet/internal/debuglog"
	"dxbnet/internal/dxb"
	"dxbnet/internal/dxerr"
	"dxbnet/internal/metrics"
	"dxbnet/internal/target"
)

const DefaultSweepConcurrency = 8

type Options struct {
	// DefaultInterface is the socket kind that becomes the default route when
	// a direct socket of that kind registers.
	DefaultInterface string
	SweepConcurrency int
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
	Now              func() time.Time
}

type registration struct {
	ep     target.Endpoint
	direct bool
}

type entry struct {
	id    SocketID
	sock  Socket
	added time.Time
	regs  map[string]registration
}

func (e *entry) connectedAt() time.Time {
	if t := e.sock.ConnectedAt(); !t.IsZero() {
		return t
	}
	return e.added
}

// Router is safe for concurrent use. Registration changes take the write
// lock; route lookups share the read lock and sends happen outside it.
type Router struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	nextID    SocketID
	sockets   map[SocketID]*entry
	ids       map[Socket]SocketID
	byKey     map[string]map[SocketID]struct{}
	offline   map[string]time.Time
	defaultID SocketID
}

func New(opts Options) *Router {
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = DefaultSweepConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.With("router")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		opts:    opts,
		log:     opts.Logger,
		sockets: make(map[SocketID]*entry),
		ids:     make(map[Socket]SocketID),
		byKey:   make(map[string]map[SocketID]struct{}),
		offline: make(map[string]time.Time),
	}
}

// Add registers a connected socket without any endpoint and returns its id.
// Adding the same socket twice returns the first id.
func (r *Router) Add(sock Socket) SocketID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(sock)
}

func (r *Router) addLocked(sock Socket) SocketID {
	if id, ok := r.ids[sock]; ok {
		return id
	}
	r.nextID++
	id := r.nextID
	r.sockets[id] = &entry{id: id, sock: sock, added: r.opts.Now(), regs: make(map[string]registration)}
	r.ids[sock] = id
	r.opts.Metrics.SetCurrentSockets(len(r.sockets))
	return id
}

// Register adds sock under ep. direct marks a socket connected to ep itself
// rather than one that merely reaches it.
func (r *Router) Register(sock Socket, ep target.Endpoint, direct bool) SocketID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.addLocked(sock)
	r.registerLocked(id, ep, direct)
	return id
}

// RegisterID is Register for a socket that was already added.
func (r *Router) RegisterID(id SocketID, ep target.Endpoint, direct bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sockets[id]; !ok {
		return dxerr.Network("register", "unknown %s", id)
	}
	r.registerLocked(id, ep, direct)
	return nil
}

func (r *Router) registerLocked(id SocketID, ep target.Endpoint, direct bool) {
	e := r.sockets[id]
	key := ep.Key()
	// only a direct announcement ends an offline mark
	if direct {
		delete(r.offline, key)
		delete(r.offline, ep.Main().Key())
	}
	if old, ok := e.regs[key]; ok && old.direct {
		direct = true
	}
	e.regs[key] = registration{ep: ep, direct: direct}
	set := r.byKey[key]
	if set == nil {
		set = make(map[SocketID]struct{})
		r.byKey[key] = set
	}
	set[id] = struct{}{}
	if direct && r.opts.DefaultInterface != "" && e.sock.Kind() == r.opts.DefaultInterface && e.sock.Direction().CanSend() {
		if r.defaultID != id {
			r.log.Debug("default socket changed", "socket", id, "endpoint", ep.String())
		}
		r.defaultID = id
	}
}

// Unregister removes the registration of ep on socket id. Removing a direct
// registration also removes the indirect registrations of that socket. It
// returns the number of registrations removed.
func (r *Router) Unregister(id SocketID, ep target.Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sockets[id]
	if !ok {
		return 0
	}
	reg, ok := e.regs[ep.Key()]
	if !ok {
		return 0
	}
	n := r.dropLocked(e, reg.ep)
	if reg.direct {
		for _, other := range e.regs {
			if !other.direct {
				n += r.dropLocked(e, other.ep)
			}
		}
	}
	return n
}

func (r *Router) dropLocked(e *entry, ep target.Endpoint) int {
	key := ep.Key()
	if _, ok := e.regs[key]; !ok {
		return 0
	}
	delete(e.regs, key)
	if set := r.byKey[key]; set != nil {
		delete(set, e.id)
		if len(set) == 0 {
			delete(r.byKey, key)
		}
	}
	return 1
}

// Remove drops a disconnected socket with all its registrations.
func (r *Router) Remove(id SocketID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sockets[id]
	if !ok {
		return false
	}
	for _, reg := range e.regs {
		r.dropLocked(e, reg.ep)
	}
	delete(r.sockets, id)
	delete(r.ids, e.sock)
	if r.defaultID == id {
		r.defaultID = 0
	}
	r.opts.Metrics.SetCurrentSockets(len(r.sockets))
	return true
}

// Socket returns the socket behind id.
func (r *Router) Socket(id SocketID) (Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sockets[id]
	if !ok {
		return nil, false
	}
	return e.sock, true
}

func (r *Router) Default() (SocketID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID, r.defaultID != 0
}

type candidate struct {
	e      *entry
	direct bool
}

// sortCandidates orders direct sockets first, then by channel factor, then
// by the most recent connect.
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.direct != b.direct {
			return a.direct
		}
		if fa, fb := a.e.sock.ChannelFactor(), b.e.sock.ChannelFactor(); fa != fb {
			return fa > fb
		}
		if ta, tb := a.e.connectedAt(), b.e.connectedAt(); !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.e.id > b.e.id
	})
}

func excluded(id SocketID, exclude []SocketID) bool {
	for _, x := range exclude {
		if x == id {
			return true
		}
	}
	return false
}

// Preferred picks the socket to reach ep: an exact registration, then any
// instance of the main endpoint, then the default socket.
func (r *Router) Preferred(ep target.Endpoint, exclude ...SocketID) (SocketID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.preferredLocked(ep, exclude)
}

func (r *Router) preferredLocked(ep target.Endpoint, exclude []SocketID) (SocketID, bool) {
	key := ep.Key()
	var exact []candidate
	if _, off := r.offline[key]; !off {
		for id := range r.byKey[key] {
			e := r.sockets[id]
			if excluded(id, exclude) || !e.sock.Direction().CanSend() {
				continue
			}
			exact = append(exact, candidate{e: e, direct: e.regs[key].direct})
		}
	}
	if len(exact) > 0 {
		sortCandidates(exact)
		return exact[0].e.id, true
	}

	var instances []candidate
	if _, off := r.offline[ep.Main().Key()]; !off {
		for id, e := range r.sockets {
			if excluded(id, exclude) || !e.sock.Direction().CanSend() {
				continue
			}
			best, found := false, false
			for k, reg := range e.regs {
				if !reg.ep.SameMain(ep) {
					continue
				}
				if _, off := r.offline[k]; off {
					continue
				}
				found = true
				best = best || reg.direct
			}
			if found {
				instances = append(instances, candidate{e: e, direct: best})
			}
		}
	}
	if len(instances) > 0 {
		sortCandidates(instances)
		return instances[0].e.id, true
	}

	if r.defaultID != 0 && !excluded(r.defaultID, exclude) {
		return r.defaultID, true
	}
	return 0, false
}

// Send delivers raw to the receivers, one readdressed copy per socket. A
// socket that fails is retried once by broadcasting without it. Receivers
// without a route are reported in a NetworkError after the others were sent.
func (r *Router) Send(ctx context.Context, raw []byte, to []dxb.Receiver) error {
	type group struct {
		id   SocketID
		sock Socket
		rcvs []dxb.Receiver
	}
	var (
		groups     []*group
		byID       = make(map[SocketID]*group)
		unresolved []string
	)
	r.mu.RLock()
	for _, rc := range to {
		id, ok := r.preferredLocked(rc.Endpoint, nil)
		if !ok {
			unresolved = append(unresolved, rc.Endpoint.String())
			continue
		}
		g := byID[id]
		if g == nil {
			g = &group{id: id, sock: r.sockets[id].sock}
			byID[id] = g
			groups = append(groups, g)
		}
		g.rcvs = append(g.rcvs, rc)
	}
	r.mu.RUnlock()

	var errs []error
	for _, g := range groups {
		out, err := dxb.Readdress(raw, dxb.Receivers{List: g.rcvs})
		if err != nil {
			errs = append(errs, dxerr.Wrap(dxerr.KindFormat, "readdress", err))
			continue
		}
		if err := g.sock.Send(ctx, out); err != nil {
			r.opts.Metrics.IncRouterSendFailure()
			r.log.Debug("send failed, retrying as broadcast", "socket", g.id, "err", err)
			if n, berr := r.Broadcast(ctx, out, g.id); n == 0 {
				errs = append(errs, dxerr.Wrap(dxerr.KindNetwork, "send", errors.Join(err, berr)))
			}
			continue
		}
		r.opts.Metrics.IncRouterSent()
	}
	if len(unresolved) > 0 {
		r.opts.Metrics.IncRouterUnresolved()
		errs = append(errs, &dxerr.Error{
			Kind: dxerr.KindNetwork,
			Op:   "route",
			Msg:  strings.Join(unresolved, ", "),
			Err:  dxerr.ErrNoRoute,
		})
	}
	return errors.Join(errs...)
}

// Broadcast sends a flood copy of raw on every socket that can send, except
// the excluded ones. A socket whose endpoints were all reached through an
// earlier socket is skipped. It returns the number of sockets that accepted
// the block.
func (r *Router) Broadcast(ctx context.Context, raw []byte, exclude ...SocketID) (int, error) {
	flood, err := dxb.Readdress(raw, dxb.Flood())
	if err != nil {
		return 0, err
	}
	type dest struct {
		id   SocketID
		sock Socket
		keys []string
	}
	r.mu.RLock()
	cs := make([]candidate, 0, len(r.sockets))
	for id, e := range r.sockets {
		if excluded(id, exclude) || !e.sock.Direction().CanSend() {
			continue
		}
		direct := false
		for _, reg := range e.regs {
			direct = direct || reg.direct
		}
		cs = append(cs, candidate{e: e, direct: direct})
	}
	sortCandidates(cs)
	dests := make([]dest, 0, len(cs))
	for _, c := range cs {
		keys := make([]string, 0, len(c.e.regs))
		for k := range c.e.regs {
			keys = append(keys, k)
		}
		dests = append(dests, dest{id: c.e.id, sock: c.e.sock, keys: keys})
	}
	r.mu.RUnlock()

	reached := make(map[string]bool)
	sent := 0
	var errs []error
	for _, d := range dests {
		if len(d.keys) > 0 && allReached(reached, d.keys) {
			continue
		}
		if err := d.sock.Send(ctx, flood); err != nil {
			r.opts.Metrics.IncRouterSendFailure()
			errs = append(errs, err)
			continue
		}
		for _, k := range d.keys {
			reached[k] = true
		}
		sent++
	}
	if sent > 0 {
		r.opts.Metrics.IncRouterBroadcast()
	}
	return sent, errors.Join(errs...)
}

func allReached(reached map[string]bool, keys []string) bool {
	for _, k := range keys {
		if !reached[k] {
			return false
		}
	}
	return true
}

// Endpoints lists every endpoint with at least one registration.
func (r *Router) Endpoints() []target.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.byKey))
	out := make([]target.Endpoint, 0, len(r.byKey))
	for _, e := range r.sockets {
		for k, reg := range e.regs {
			if !seen[k] {
				seen[k] = true
				out = append(out, reg.ep)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Sweep probes every registered endpoint and removes the indirect
// registrations of those reported offline.
func (r *Router) Sweep(ctx context.Context, checker LivenessChecker) (int, error) {
	eps := r.Endpoints()
	offline := make([]bool, len(eps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.SweepConcurrency)
	for i, ep := range eps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			offline[i] = !checker.Online(gctx, ep)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	removed := 0
	r.mu.Lock()
	for i, ep := range eps {
		if offline[i] {
			removed += r.dropIndirectLocked(ep)
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		r.opts.Metrics.AddSweepRemoved(removed)
		r.log.Debug("sweep removed registrations", "count", removed)
	}
	return removed, nil
}

func (r *Router) dropIndirectLocked(ep target.Endpoint) int {
	key := ep.Key()
	n := 0
	for id := range r.byKey[key] {
		e := r.sockets[id]
		if !e.regs[key].direct {
			n += r.dropLocked(e, ep)
		}
	}
	return n
}

// MarkOffline records that ep left, e.g. after a signed GOODBYE. Indirect
// registrations of ep and its instances are removed and ep is not preferred
// until it registers again as direct.
func (r *Router) MarkOffline(ep target.Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline[ep.Key()] = r.opts.Now()
	n := 0
	for _, e := range r.sockets {
		for _, reg := range e.regs {
			if !reg.direct && ep.Matches(reg.ep) {
				n += r.dropLocked(e, reg.ep)
			}
		}
	}
	return n
}

// Online reports whether ep has a registration and was not marked offline.
func (r *Router) Online(ep target.Endpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, off := r.offline[ep.Key()]; off {
		return false
	}
	return len(r.byKey[ep.Key()]) > 0
}

// Len is the number of sockets.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}
