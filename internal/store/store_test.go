package store

import (
	"os"
	"path/filepath"
	"testing"

	"dxbnet/internal/target"
)

func TestKeyIncludesSenderAndSID(t *testing.T) {
	k := Key(target.MustParse("@alice"), 42)
	if k != target.MustParse("@alice").Key()+"/42" {
		t.Fatalf("unexpected key %q", k)
	}
	if Key(target.MustParse("@alice"), 43) == k {
		t.Fatalf("different sids must not share a key")
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	s := NewMemory()
	vars := Vars{"x": {1, 2}}
	if err := s.Save("k", vars); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	vars["x"][0] = 9

	got, ok, err := s.Load("k")
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if got["x"][0] != 1 {
		t.Fatalf("stored value aliased the caller's slice")
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := s.Load("k"); ok {
		t.Fatalf("expected key to be gone")
	}
}

func TestFileReplaysLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars", "vars.cbor")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Save("a/1", Vars{"n": {1}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.Save("a/1", Vars{"n": {2}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.Save("b/1", Vars{"m": {3}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.Delete("b/1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	re, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok, err := re.Load("a/1")
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if len(got["n"]) != 1 || got["n"][0] != 2 {
		t.Fatalf("expected latest record, got %v", got)
	}
	if _, ok, _ := re.Load("b/1"); ok {
		t.Fatalf("deleted key came back after replay")
	}
}

func TestFileCompacts(t *testing.T) {
	saved := CompactAfter
	CompactAfter = 4
	t.Cleanup(func() { CompactAfter = saved })

	path := filepath.Join(t.TempDir(), "vars.cbor")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := s.Save("k/1", Vars{"i": {byte(i)}}); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}
	if s.appends > CompactAfter+1 {
		t.Fatalf("expected compaction, log holds %d records", s.appends)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	re, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, _, _ := re.Load("k/1")
	if got["i"][0] != 19 {
		t.Fatalf("expected last value after compaction, got %v", got)
	}
}

func TestFileToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.cbor")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Save("k/1", Vars{"x": {7}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for append failed: %v", err)
	}
	_, _ = f.Write([]byte{0xa3, 0x01})
	_ = f.Close()

	re, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got, ok, _ := re.Load("k/1"); !ok || got["x"][0] != 7 {
		t.Fatalf("expected record before the torn tail, got %v", got)
	}
}
