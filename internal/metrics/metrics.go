package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BlockHeader is the summary of a received block kept in the recent list.
type BlockHeader struct {
	Type     string    `json:"type"`
	Sender   string    `json:"sender"`
	SID      uint32    `json:"sid"`
	Inc      uint16    `json:"inc"`
	Outcome  string    `json:"outcome"`
	Received time.Time `json:"received"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Blocks         BlockMetrics      `json:"blocks"`
	Router         RouterMetrics     `json:"router"`
	Requests       RequestMetrics    `json:"requests"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentSockets int64             `json:"current_sockets"`
	OpenSessions   int64             `json:"open_sessions"`
	Recent         []BlockHeader     `json:"recent"`
}

type BlockMetrics struct {
	Received      uint64 `json:"received"`
	Executed      uint64 `json:"executed"`
	Redirected    uint64 `json:"redirected"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	DropTTL       uint64 `json:"drop_ttl"`
	DropInvalid   uint64 `json:"drop_invalid"`
}

type RouterMetrics struct {
	Sent         uint64 `json:"sent"`
	Broadcast    uint64 `json:"broadcast"`
	SendFailures uint64 `json:"send_failures"`
	Unresolved   uint64 `json:"unresolved"`
	SweepRemoved uint64 `json:"sweep_removed"`
}

type RequestMetrics struct {
	Started  uint64 `json:"started"`
	Resolved uint64 `json:"resolved"`
	Rejected uint64 `json:"rejected"`
	TimedOut uint64 `json:"timed_out"`
}

type Metrics struct {
	blocksReceived      atomic.Uint64
	blocksExecuted      atomic.Uint64
	blocksRedirected    atomic.Uint64
	blocksDropDuplicate atomic.Uint64
	blocksDropTTL       atomic.Uint64
	blocksDropInvalid   atomic.Uint64

	routerSent         atomic.Uint64
	routerBroadcast    atomic.Uint64
	routerSendFailures atomic.Uint64
	routerUnresolved   atomic.Uint64
	routerSweepRemoved atomic.Uint64

	requestsStarted  atomic.Uint64
	requestsResolved atomic.Uint64
	requestsRejected atomic.Uint64
	requestsTimedOut atomic.Uint64

	currentSockets atomic.Int64
	openSessions   atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *BlockRecent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewBlockRecent(64),
	}
}

func (m *Metrics) Recent() *BlockRecent {
	return m.recent
}

func (m *Metrics) IncBlockReceived()      { m.blocksReceived.Add(1) }
func (m *Metrics) IncBlockExecuted()      { m.blocksExecuted.Add(1) }
func (m *Metrics) IncBlockRedirected()    { m.blocksRedirected.Add(1) }
func (m *Metrics) IncBlockDropDuplicate() { m.blocksDropDuplicate.Add(1) }
func (m *Metrics) IncBlockDropTTL()       { m.blocksDropTTL.Add(1) }
func (m *Metrics) IncBlockDropInvalid()   { m.blocksDropInvalid.Add(1) }

func (m *Metrics) IncRouterSent()         { m.routerSent.Add(1) }
func (m *Metrics) IncRouterBroadcast()    { m.routerBroadcast.Add(1) }
func (m *Metrics) IncRouterSendFailure()  { m.routerSendFailures.Add(1) }
func (m *Metrics) IncRouterUnresolved()   { m.routerUnresolved.Add(1) }
func (m *Metrics) AddSweepRemoved(n int)  { m.routerSweepRemoved.Add(uint64(n)) }
func (m *Metrics) IncRequestStarted()     { m.requestsStarted.Add(1) }
func (m *Metrics) IncRequestResolved()    { m.requestsResolved.Add(1) }
func (m *Metrics) IncRequestRejected()    { m.requestsRejected.Add(1) }
func (m *Metrics) IncRequestTimedOut()    { m.requestsTimedOut.Add(1) }
func (m *Metrics) SetCurrentSockets(n int) { m.currentSockets.Store(int64(n)) }
func (m *Metrics) SetOpenSessions(n int)   { m.openSessions.Store(int64(n)) }

func (m *Metrics) IncRecvByType(t string) {
	if t == "" {
		return
	}
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []BlockHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	recv := copyCounts(m.recvByType)
	drop := copyCounts(m.dropByReason)
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Blocks: BlockMetrics{
			Received:      m.blocksReceived.Load(),
			Executed:      m.blocksExecuted.Load(),
			Redirected:    m.blocksRedirected.Load(),
			DropDuplicate: m.blocksDropDuplicate.Load(),
			DropTTL:       m.blocksDropTTL.Load(),
			DropInvalid:   m.blocksDropInvalid.Load(),
		},
		Router: RouterMetrics{
			Sent:         m.routerSent.Load(),
			Broadcast:    m.routerBroadcast.Load(),
			SendFailures: m.routerSendFailures.Load(),
			Unresolved:   m.routerUnresolved.Load(),
			SweepRemoved: m.routerSweepRemoved.Load(),
		},
		Requests: RequestMetrics{
			Started:  m.requestsStarted.Load(),
			Resolved: m.requestsResolved.Load(),
			Rejected: m.requestsRejected.Load(),
			TimedOut: m.requestsTimedOut.Load(),
		},
		RecvByType:     recv,
		DropByReason:   drop,
		CurrentSockets: m.currentSockets.Load(),
		OpenSessions:   m.openSessions.Load(),
		Recent:         recent,
	}
}

// TopDrops lists drop reasons by count, highest first.
func (s Snapshot) TopDrops() []string {
	out := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if s.DropByReason[out[i]] != s.DropByReason[out[j]] {
			return s.DropByReason[out[i]] > s.DropByReason[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(data, &s)
	return s, err
}

type BlockRecent struct {
	mu   sync.Mutex
	cap  int
	list []BlockHeader
}

func NewBlockRecent(capacity int) *BlockRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &BlockRecent{cap: capacity}
}

func (r *BlockRecent) Add(h BlockHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *BlockRecent) List() []BlockHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BlockHeader, len(r.list))
	copy(out, r.list)
	return out
}
