package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"dxbnet/internal/crypto"
	"dxbnet/internal/target"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestTable(capacity int) (*Table, *clock) {
	c := &clock{now: time.Unix(1000, 0)}
	return NewTable(Options{Cap: capacity, TTL: time.Minute, AddrCooldown: time.Minute, Now: c.Now}), c
}

func TestObserveKeepsKeysAndAddr(t *testing.T) {
	tbl, _ := newTestTable(0)
	bob := target.MustParse("@bob")
	keys := crypto.PeerKeys{Sign: []byte{1}, Enc: []byte{2}}
	if err := tbl.Observe(bob, keys, "10.0.0.1:4242"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := tbl.Observe(bob, crypto.PeerKeys{}, ""); err != nil {
		t.Fatalf("observe again: %v", err)
	}
	p, ok := tbl.Get(bob)
	if !ok {
		t.Fatalf("expected bob")
	}
	if string(p.Keys.Sign) != "\x01" || p.Addr != "10.0.0.1:4242" {
		t.Fatalf("unexpected peer %+v", p)
	}
	keys.Sign[0] = 9
	if p, _ := tbl.Get(bob); p.Keys.Sign[0] != 1 {
		t.Fatalf("keys must be copied")
	}
}

func TestAddrConflict(t *testing.T) {
	tbl, c := newTestTable(0)
	bob := target.MustParse("@bob")
	carol := target.MustParse("@carol")
	if err := tbl.Observe(bob, crypto.PeerKeys{}, "10.0.0.1:4242"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := tbl.Observe(carol, crypto.PeerKeys{}, "10.0.0.1:4242"); !errors.Is(err, ErrAddrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := tbl.Observe(bob, crypto.PeerKeys{}, "10.0.0.1:5000"); err != nil {
		t.Fatalf("same host port change: %v", err)
	}
	if err := tbl.Observe(bob, crypto.PeerKeys{}, "10.9.9.9:4242"); !errors.Is(err, ErrAddrConflict) {
		t.Fatalf("expected cooldown conflict, got %v", err)
	}
	c.now = c.now.Add(30 * time.Second)
	tbl.Touch(bob)
	c.now = c.now.Add(45 * time.Second)
	if err := tbl.Observe(bob, crypto.PeerKeys{}, "10.9.9.9:4242"); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
	if err := tbl.Observe(carol, crypto.PeerKeys{}, "10.0.0.1:4242"); err != nil {
		t.Fatalf("released address: %v", err)
	}
}

func TestOnlineAndExpiry(t *testing.T) {
	tbl, c := newTestTable(0)
	phone := target.MustParse("@bob/phone")
	tbl.Touch(phone)
	if !tbl.Online(context.Background(), phone) {
		t.Fatalf("expected phone online")
	}
	if !tbl.Online(context.Background(), target.MustParse("@bob")) {
		t.Fatalf("main endpoint is online through an instance")
	}
	if tbl.Online(context.Background(), target.MustParse("@bob/laptop")) {
		t.Fatalf("other instance is not online")
	}
	c.now = c.now.Add(2 * time.Minute)
	if tbl.Online(context.Background(), phone) {
		t.Fatalf("expected phone expired")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table, got %d", tbl.Len())
	}
}

func TestCapEvictsLeastRecent(t *testing.T) {
	tbl, c := newTestTable(2)
	a, b, d := target.MustParse("@a"), target.MustParse("@b"), target.MustParse("@d")
	tbl.Touch(a)
	c.now = c.now.Add(time.Second)
	tbl.Touch(b)
	c.now = c.now.Add(time.Second)
	tbl.Touch(a)
	tbl.Touch(d)
	list := tbl.List()
	if len(list) != 2 || !list[0].Endpoint.Equal(d) || !list[1].Endpoint.Equal(a) {
		t.Fatalf("unexpected order %+v", list)
	}
}

func TestForget(t *testing.T) {
	tbl, _ := newTestTable(0)
	bob := target.MustParse("@bob")
	_ = tbl.Observe(bob, crypto.PeerKeys{}, "10.0.0.1:1")
	if !tbl.Forget(bob) || tbl.Forget(bob) {
		t.Fatalf("forget should succeed once")
	}
	if err := tbl.Observe(target.MustParse("@carol"), crypto.PeerKeys{}, "10.0.0.1:1"); err != nil {
		t.Fatalf("address should be free: %v", err)
	}
}
