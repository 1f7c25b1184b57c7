package metrics

import (
	"path/filepath"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncBlockReceived()
	m.IncBlockReceived()
	m.IncBlockExecuted()
	m.IncBlockDropDuplicate()
	m.IncBlockDropTTL()
	m.IncBlockDropInvalid()
	m.IncRouterSent()
	m.IncRouterSendFailure()
	m.AddSweepRemoved(3)
	m.IncRequestStarted()
	m.IncRequestTimedOut()
	m.IncRecvByType("REQUEST")
	m.IncRecvByType("REQUEST")
	m.IncDropByReason("ttl")
	m.IncDropByReason("duplicate")
	m.IncDropByReason("duplicate")
	m.SetCurrentSockets(3)
	m.SetOpenSessions(7)
	snap := m.Snapshot()
	if snap.Blocks.Received != 2 || snap.Blocks.Executed != 1 {
		t.Fatalf("unexpected block counts: %+v", snap.Blocks)
	}
	if snap.Blocks.DropDuplicate != 1 || snap.Blocks.DropTTL != 1 || snap.Blocks.DropInvalid != 1 {
		t.Fatalf("unexpected drop counts: %+v", snap.Blocks)
	}
	if snap.Router.Sent != 1 || snap.Router.SendFailures != 1 || snap.Router.SweepRemoved != 3 {
		t.Fatalf("unexpected router counts: %+v", snap.Router)
	}
	if snap.Requests.Started != 1 || snap.Requests.TimedOut != 1 {
		t.Fatalf("unexpected request counts: %+v", snap.Requests)
	}
	if snap.RecvByType["REQUEST"] != 2 {
		t.Fatalf("expected recv_by_type REQUEST=2, got %d", snap.RecvByType["REQUEST"])
	}
	if top := snap.TopDrops(); len(top) != 2 || top[0] != "duplicate" {
		t.Fatalf("unexpected drop order %v", top)
	}
	if snap.CurrentSockets != 3 || snap.OpenSessions != 7 {
		t.Fatalf("expected sockets/sessions 3/7, got %d/%d", snap.CurrentSockets, snap.OpenSessions)
	}
}

func TestRecentIsBounded(t *testing.T) {
	r := NewBlockRecent(2)
	r.Add(BlockHeader{SID: 1})
	r.Add(BlockHeader{SID: 2})
	r.Add(BlockHeader{SID: 3})
	got := r.List()
	if len(got) != 2 || got[0].SID != 2 || got[1].SID != 3 {
		t.Fatalf("unexpected recent list %+v", got)
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	m := New()
	m.IncBlockReceived()
	m.Recent().Add(BlockHeader{Type: "HELLO", Sender: "@alice"})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Blocks.Received != 1 || len(snap.Recent) != 1 || snap.Recent[0].Sender != "@alice" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
