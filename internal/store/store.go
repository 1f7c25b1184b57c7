// Package store persists the internal variables a scope declares with
// INIT_INTERNAL_VAR, so a later scope of the same session can restore them.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"dxbnet/internal/target"
)

// Vars maps variable names to their DXB encoded values.
type Vars map[string][]byte

// VarStore is implemented by Memory and File.
type VarStore interface {
	Load(key string) (Vars, bool, error)
	Save(key string, vars Vars) error
	Delete(key string) error
}

// Key names the variables of one session.
func Key(sender target.Endpoint, sid uint32) string {
	return sender.Key() + "/" + strconv.FormatUint(uint64(sid), 10)
}

func clone(v Vars) Vars {
	out := make(Vars, len(v))
	for k, b := range v {
		out[k] = append([]byte(nil), b...)
	}
	return out
}

// Memory is a VarStore that lives as long as the process.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Vars
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]Vars)}
}

func (s *Memory) Load(key string) (Vars, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (s *Memory) Save(key string, vars Vars) error {
	s.mu.Lock()
	s.m[key] = clone(vars)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

type record struct {
	Key     string `cbor:"1,keyasint"`
	Vars    Vars   `cbor:"2,keyasint,omitempty"`
	Deleted bool   `cbor:"3,keyasint,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// CompactAfter is the number of appended records after which the log is
// rewritten with only the live entries.
var CompactAfter = 1024

// File is a VarStore backed by an append-only log of CBOR records. The log
// is replayed on open; the latest record of a key wins.
type File struct {
	mu      sync.Mutex
	path    string
	m       map[string]Vars
	appends int
}

func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	s := &File{path: path, m: make(map[string]Vars)}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := cbor.NewDecoder(bufio.NewReader(f))
	for {
		var r record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// a torn tail from a crash; keep what was read
			break
		}
		s.apply(r)
		s.appends++
	}
	return s, nil
}

func (s *File) apply(r record) {
	if r.Deleted {
		delete(s.m, r.Key)
		return
	}
	s.m[r.Key] = r.Vars
}

func (s *File) Path() string { return s.path }

func (s *File) Load(key string) (Vars, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (s *File) Save(key string, vars Vars) error {
	return s.append(record{Key: key, Vars: clone(vars)})
}

func (s *File) Delete(key string) error {
	s.mu.Lock()
	_, ok := s.m[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.append(record{Key: key, Deleted: true})
}

func (s *File) append(r record) error {
	data, err := cborEncMode.Marshal(&r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.apply(r)
	s.appends++
	if s.appends > CompactAfter && s.appends > 2*len(s.m) {
		return s.compactLocked()
	}
	return nil
}

// Compact rewrites the log with one record per live key.
func (s *File) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *File) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := cborEncMode.NewEncoder(w)
	for k, v := range s.m {
		if err := enc.Encode(&record{Key: k, Vars: v}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	syncDir(s.path)
	s.appends = len(s.m)
	return nil
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
