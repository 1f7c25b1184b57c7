package debuglog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dxbnet/internal/config"
)

func TestInitRejectsBadConfig(t *testing.T) {
	if err := Init(config.LogConfig{Level: "loud", Format: "text"}); err == nil {
		t.Fatalf("expected level error")
	}
	if err := Init(config.LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
	if err := Init(config.LogConfig{Level: "info", Format: "text", File: config.FileOutputConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestFileOutputAndRateLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	err := Init(config.LogConfig{
		Level:  "debug",
		Format: "json",
		File:   config.FileOutputConfig{Enabled: true, Path: path},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = Init(config.LogConfig{Level: "info", Format: "text"}) })

	Logf("hello %s", "world")
	Debugf("debug %d", 1)
	RateLimitedf("k", time.Hour, "limited")
	RateLimitedf("k", time.Hour, "limited")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"hello world"`) {
		t.Fatalf("missing info line: %s", out)
	}
	if !strings.Contains(out, `"msg":"debug 1"`) {
		t.Fatalf("missing debug line: %s", out)
	}
	if n := strings.Count(out, `"msg":"limited"`); n != 1 {
		t.Fatalf("rate limited line logged %d times", n)
	}
}
