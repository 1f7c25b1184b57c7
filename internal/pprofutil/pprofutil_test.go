package pprofutil

import (
	"context"
	"net/http"
	"testing"

	"dxbnet/internal/config"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	addr, err := Start(context.Background(), config.PprofConfig{Addr: "0.0.0.0:0"}, nil)
	if err != nil || addr != "" {
		t.Fatalf("Start(disabled) = %q, %v", addr, err)
	}
}

func TestStartRejectsPublicAddr(t *testing.T) {
	_, err := Start(context.Background(), config.PprofConfig{Enabled: true, Addr: "0.0.0.0:0"}, nil)
	if err == nil {
		t.Fatal("expected error for public bind")
	}
}

func TestStartServesIndex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := Start(ctx, config.PprofConfig{Enabled: true, Addr: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
