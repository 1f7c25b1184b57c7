package network

import "testing"

func TestConnLimiterPerIPCap(t *testing.T) {
	lim := newConnLimiter(0, 1, 0)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected per-ip cap")
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestConnLimiterTotalCap(t *testing.T) {
	lim := newConnLimiter(2, 0, 0)
	if !lim.acquireConn("1.2.3.4") || !lim.acquireConn("2.3.4.5") {
		t.Fatalf("expected two conns")
	}
	if lim.acquireConn("3.4.5.6") {
		t.Fatalf("expected total cap")
	}
	lim.releaseConn("9.9.9.9")
	if lim.conns() != 2 {
		t.Fatalf("releasing an unknown ip must not change the total, got %d", lim.conns())
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("3.4.5.6") {
		t.Fatalf("expected acquire after release")
	}
}

func TestConnLimiterStreamCap(t *testing.T) {
	lim := newConnLimiter(0, 0, 2)
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	if !lim.acquireStream("2.3.4.5") {
		t.Fatalf("expected separate ip stream")
	}
	lim.releaseStream("1.2.3.4")
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}
