package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestStoreBasicCRUDAndReplay verifies basic operations and WAL replay.
func TestStoreBasicCRUDAndReplay(t *testing.T) {
	dataDir := t.TempDir()

	s, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Put("catalog:foo", []byte("bar")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok := s.Get("catalog:foo")
	if !ok || string(got) != "bar" {
		t.Fatalf("Get() = %q, %v, want %q, true", got, ok, "bar")
	}

	if err := s.Delete("catalog:foo"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := s.Get("catalog:foo"); ok {
		t.Fatalf("Get() after Delete returned value, want missing")
	}

	if err := s.Put("version:a/1", []byte("v1")); err != nil {
		t.Fatalf("Put(a/1) error = %v", err)
	}
	if err := s.Put("version:a/2", []byte("v2")); err != nil {
		t.Fatalf("Put(a/2) error = %v", err)
	}
	if err := s.Delete("version:a/1"); err != nil {
		t.Fatalf("Delete(a/1) error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() after replay error = %v", err)
	}
	defer s2.Close()

	if _, ok := s2.Get("version:a/1"); ok {
		t.Fatalf("Get(a/1) after replay = present, want missing")
	}
	v2, ok := s2.Get("version:a/2")
	if !ok || string(v2) != "v2" {
		t.Fatalf("Get(a/2) after replay = %q, %v, want %q, true", v2, ok, "v2")
	}
}

func TestStoreKeysByPrefix(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"version:b/1", "catalog:x", "version:a/1"} {
		if err := s.Put(k, []byte("1")); err != nil {
			t.Fatalf("Put(%s) error = %v", k, err)
		}
	}

	keys := s.Keys("version:")
	if len(keys) != 2 || keys[0] != "version:a/1" || keys[1] != "version:b/1" {
		t.Fatalf("Keys(version:) = %v, want sorted [version:a/1 version:b/1]", keys)
	}
	if all := s.Keys(""); len(all) != 3 {
		t.Fatalf("Keys(\"\") = %v, want 3 keys", all)
	}
}

func TestStoreJSONHelpers(t *testing.T) {
	s := newTestStore(t)

	type rec struct {
		Name string `json:"name"`
	}
	if err := s.PutJSON("catalog:m", rec{Name: "m"}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}
	var got rec
	found, err := s.GetJSON("catalog:m", &got)
	if err != nil || !found || got.Name != "m" {
		t.Fatalf("GetJSON() = %+v, %v, %v", got, found, err)
	}
	found, err = s.GetJSON("catalog:missing", &got)
	if err != nil || found {
		t.Fatalf("GetJSON(missing) = %v, %v, want false, nil", found, err)
	}
}

// TestStoreEmptyKeyErrors ensures empty keys are rejected.
func TestStoreEmptyKeyErrors(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("", []byte("x")); err == nil {
		t.Fatalf("Put(\"\") = nil error, want non-nil")
	}
	if err := s.Delete(""); err == nil {
		t.Fatalf("Delete(\"\") = nil error, want non-nil")
	}
}

func TestStoreWALCorruptRecord(t *testing.T) {
	dataDir := t.TempDir()
	walPath := filepath.Join(dataDir, "store.wal")
	wal := "not-json\n" + `{"op":"put","key":"k","value":"dg=="}` + "\n"
	if err := os.WriteFile(walPath, []byte(wal), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := New(dataDir); err == nil {
		t.Fatalf("New() with corrupt WAL error = nil, want non-nil")
	}
}

func TestStoreWALTornTailIgnored(t *testing.T) {
	dataDir := t.TempDir()
	walPath := filepath.Join(dataDir, "store.wal")
	wal := `{"op":"put","key":"k","value":"dg=="}` + "\n" + `{"op":"put","ke`
	if err := os.WriteFile(walPath, []byte(wal), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() with torn tail error = %v", err)
	}
	defer s.Close()
	if v, ok := s.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("Get(k) = %q, %v, want %q, true", v, ok, "v")
	}
}

func TestStoreWALUnknownOp(t *testing.T) {
	dataDir := t.TempDir()
	walPath := filepath.Join(dataDir, "store.wal")
	line := `{"op":"unknown","key":"k","value":"dg=="}` + "\n"
	if err := os.WriteFile(walPath, []byte(line), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := New(dataDir); err == nil {
		t.Fatalf("New() with unknown op in WAL error = nil, want non-nil")
	}
}

func TestStoreCloseTwiceAndWriteAfterClose(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := s.Put("k", []byte("v")); err == nil {
		t.Fatalf("Put() after Close = nil error, want non-nil")
	}
}

// TestStoreConcurrentAccess stresses the store with concurrent readers and
// writers to surface races or deadlocks under -race.
func TestStoreConcurrentAccess(t *testing.T) {
	s := newTestStore(t)

	const (
		numWriters    = 8
		numReaders    = 8
		numIterations = 100
	)

	var wg sync.WaitGroup
	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < numIterations; i++ {
				key := fmt.Sprintf("writer-%d-%d", id, i)
				if err := s.Put(key, []byte("value")); err != nil {
					t.Errorf("Put() error in writer %d: %v", id, err)
					return
				}
			}
		}(w)
	}

	for r := 0; r < numReaders; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(200 * time.Millisecond)
			for time.Now().Before(deadline) {
				for _, k := range s.Keys("writer-") {
					_, _ = s.Get(k)
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("concurrent access test timed out; possible deadlock")
	}
	if got := len(s.Keys("writer-")); got != numWriters*numIterations {
		t.Fatalf("Keys(writer-) = %d keys, want %d", got, numWriters*numIterations)
	}
}
