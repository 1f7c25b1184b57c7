package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dxbnet/internal/config"
	"dxbnet/internal/dxb"
	"dxbnet/internal/metrics"
	"dxbnet/internal/target"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "dxb-node") {
		t.Fatalf("expected help output to mention dxb-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"frobnicate"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestConfigInitWritesLoadableYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "node.yaml")
	var out bytes.Buffer
	if code := run([]string{"config", "init", "-o", path}, &out, &out); code != 0 {
		t.Fatalf("config init failed: %s", out.String())
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Node.MaxBlockBody != config.Default().Node.MaxBlockBody {
		t.Fatalf("max_block_body = %d", cfg.Node.MaxBlockBody)
	}
	if code := run([]string{"config", "init", "-o", path}, &out, &out); code != 1 {
		t.Fatalf("expected init to refuse an existing file")
	}
}

func TestKeygenIsStable(t *testing.T) {
	home := t.TempDir()
	var first, second bytes.Buffer
	if code := run([]string{"--home", home, "keygen"}, &first, &first); code != 0 {
		t.Fatalf("keygen: %s", first.String())
	}
	if code := run([]string{"--home", home, "keygen"}, &second, &second); code != 0 {
		t.Fatalf("keygen: %s", second.String())
	}
	if first.String() != second.String() {
		t.Fatalf("keygen output changed:\n%s\n%s", first.String(), second.String())
	}
	if _, err := os.Stat(filepath.Join(home, "keyring.cbor")); err != nil {
		t.Fatalf("keyring not written: %v", err)
	}
}

func TestDecodePrintsHeaderAndBody(t *testing.T) {
	raw, err := dxb.Encode(&dxb.Header{
		Sender:     target.MustParse("@alice"),
		Receivers:  dxb.To(target.MustParse("@bob")),
		SID:        42,
		Type:       dxb.TypeRequest,
		Executable: true,
		EndOfScope: true,
	}, dxb.NewBuilder().Int(7).Close().MustBytes(), dxb.EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out bytes.Buffer
	code := run([]string{"--home", t.TempDir(), "decode", hex.EncodeToString(raw)}, &out, &out)
	if code != 0 {
		t.Fatalf("decode failed: %s", out.String())
	}
	var got headerJSON
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output is not JSON: %v\n%s", err, out.String())
	}
	if got.Type != "REQUEST" || got.SID != 42 || got.Sender != "@alice" || got.Body != "7" {
		t.Fatalf("unexpected header %+v", got)
	}
	if len(got.Receivers) != 1 || got.Receivers[0] != "@bob" {
		t.Fatalf("receivers = %v", got.Receivers)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"--home", t.TempDir(), "decode", "zz"}, &out, &out); code != 1 {
		t.Fatalf("expected failure for non-hex input")
	}
	if code := run([]string{"--home", t.TempDir(), "decode", "0102"}, &out, &out); code != 1 {
		t.Fatalf("expected failure for a short block")
	}
}

func TestMetricsReadsSnapshot(t *testing.T) {
	home := t.TempDir()
	m := metrics.New()
	m.IncBlockReceived()
	m.IncBlockReceived()
	m.IncDropByReason("ttl")
	if err := m.WriteSnapshot(filepath.Join(home, "metrics.json")); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	var out bytes.Buffer
	if code := run([]string{"--home", home, "metrics"}, &out, &out); code != 0 {
		t.Fatalf("metrics failed: %s", out.String())
	}
	if !strings.Contains(out.String(), "received=2") || !strings.Contains(out.String(), "top drops: ttl") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}
