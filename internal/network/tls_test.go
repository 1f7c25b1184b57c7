package network

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClientTLSConfigUsesEnvDevTLSCAPath(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "devtls_ca.pem")
	if err := WriteDevCA(caPath); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	t.Setenv(DevTLSCAPathEnv, caPath)
	if _, err := clientTLSConfig(false, "/nonexistent"); err != nil {
		t.Fatalf("clientTLSConfig with env override: %v", err)
	}
}

func TestClientTLSConfigUsesExplicitDevTLSCAPath(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "devtls_ca.pem")
	if err := WriteDevCA(caPath); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	conf, err := clientTLSConfig(false, caPath)
	if err != nil {
		t.Fatalf("clientTLSConfig with explicit path: %v", err)
	}
	if conf.RootCAs == nil || conf.NextProtos[0] != ALPN {
		t.Fatalf("unexpected config %+v", conf)
	}
}

func TestClientTLSConfigRejectsEmptyCA(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(caPath, []byte("nothing"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := clientTLSConfig(false, caPath); err == nil {
		t.Fatalf("expected error for a file without certificates")
	}
}
