// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

const (
	// MaxFuzzBytes is the largest block the 16 bit size field describes.
	MaxFuzzBytes = 1<<16 - 1
	FuzzTimeout  = 100 * time.Millisecond
	// DefaultWait bounds a test that waits on the network.
	DefaultWait = 5 * time.Second
)

func CapBytes(b []byte, limit int) []byte {
	if limit <= 0 || len(b) <= limit {
		return b
	}
	return b[:limit]
}

func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Fuzz runs fn on data capped to MaxFuzzBytes and fails when it does not
// return within FuzzTimeout.
func Fuzz(t testing.TB, data []byte, fn func(data []byte)) {
	t.Helper()
	data = CapBytes(data, MaxFuzzBytes)
	WithTimeout(t, FuzzTimeout, func() { fn(data) })
}

// Context is cancelled after DefaultWait or when the test ends.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	t.Cleanup(cancel)
	return ctx
}
