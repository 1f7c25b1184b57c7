package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "node.yml")

	configContent := `
node:
  endpoint: "@alice"
  home: "` + tmpDir + `"
  response_timeout: "2s"
network:
  listen: "127.0.0.1:4433"
  peers:
    - "127.0.0.1:4434"
log:
  level: "debug"
  format: "json"
  file:
    enabled: true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.LocalEndpoint().String() != "@alice" {
		t.Errorf("Expected endpoint @alice, got %s", cfg.LocalEndpoint())
	}
	if cfg.Node.ResponseTimeout != 2*time.Second {
		t.Errorf("Expected response timeout 2s, got %s", cfg.Node.ResponseTimeout)
	}
	if cfg.Node.DuplicateWindow != 20*time.Second {
		t.Errorf("Expected default duplicate window 20s, got %s", cfg.Node.DuplicateWindow)
	}
	if len(cfg.Network.Peers) != 1 || cfg.Network.Peers[0] != "127.0.0.1:4434" {
		t.Errorf("Unexpected peers %v", cfg.Network.Peers)
	}
	if want := filepath.Join(tmpDir, "logs", "dxb-node.log"); cfg.Log.File.Path != want {
		t.Errorf("Expected derived log path %s, got %s", want, cfg.Log.File.Path)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"level":    "log:\n  level: loud\n",
		"format":   "log:\n  format: xml\n",
		"endpoint": "node:\n  endpoint: alice\n",
		"instance": "node:\n  endpoint: \"@alice/laptop\"\n",
		"body":     "node:\n  max_block_body: 10\n",
		"trusted":  "node:\n  trusted: [\"bob\"]\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "node.yml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DXB_LOG_LEVEL", "warn")
	t.Setenv("DXB_NODE_MAX_BLOCK_BODY", "1024")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected env level warn, got %s", cfg.Log.Level)
	}
	if cfg.Node.MaxBlockBody != 1024 {
		t.Errorf("Expected env max_block_body 1024, got %d", cfg.Node.MaxBlockBody)
	}
}

func TestDefaultRoundTripsThroughYAML(t *testing.T) {
	out, err := Default().YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node.yml")
	if err := os.WriteFile(path, out, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("reload generated config: %v\n%s", err, out)
	}
	if cfg.Node.SessionIdleTTL != 5*time.Minute {
		t.Errorf("session ttl = %s", cfg.Node.SessionIdleTTL)
	}
}
