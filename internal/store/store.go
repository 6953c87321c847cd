package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type opType string

const (
	opPut    opType = "put"
	opDelete opType = "delete"
)

type walRecord struct {
	Op    opType `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Store is a single-node, disk-backed key/value store holding registry
// versions and catalog definitions. Every mutation is appended to a JSON-lines
// WAL and fsynced before it becomes visible.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte

	// txMu serializes Update callers.
	txMu sync.Mutex

	walPath string
	walFile *os.File
}

// New creates a Store under dataDir and replays any existing WAL.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	walPath := filepath.Join(dataDir, "store.wal")
	f, err := os.OpenFile(walPath, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	s := &Store{
		data:    make(map[string][]byte),
		walPath: walPath,
	}

	replayErr := s.replay(f)
	_ = f.Close()
	if replayErr != nil {
		return nil, replayErr
	}

	s.walFile, err = os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reopen wal append: %w", err)
	}
	return s, nil
}

// replay rebuilds in-memory state from the WAL. A torn final line (crash
// mid-append) is ignored; corruption anywhere else is an error.
func (s *Store) replay(f *os.File) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pending error
	line := 0
	for scanner.Scan() {
		line++
		if pending != nil {
			return pending
		}
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			pending = fmt.Errorf("decode wal record %d: %w", line, err)
			continue
		}

		switch rec.Op {
		case opPut:
			s.data[rec.Key] = append([]byte(nil), rec.Value...)
		case opDelete:
			delete(s.data, rec.Key)
		default:
			return fmt.Errorf("unknown wal op %q at record %d", rec.Op, line)
		}
	}
	return scanner.Err()
}

// Put sets a key to a value (and persists it).
func (s *Store) Put(key string, value []byte) error {
	if key == "" {
		return errors.New("empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(walRecord{Op: opPut, Key: key, Value: value}); err != nil {
		return err
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	return s.Put(key, b)
}

// Get returns a copy of the value for a key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// GetJSON unmarshals the value under key into v.
// Returns (false, nil) if the key is absent.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	raw, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Delete removes a key (and persists it). Deleting a missing key is a no-op
// that is still logged so replay stays deterministic.
func (s *Store) Delete(key string) error {
	if key == "" {
		return errors.New("empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(walRecord{Op: opDelete, Key: key}); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

// Keys returns a sorted snapshot of all keys carrying prefix.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Update runs fn with every other Update excluded, so a read followed by a
// write inside fn is not interleaved with another Update. fn uses the
// ordinary accessors. Plain Get and Put calls are not blocked.
func (s *Store) Update(fn func() error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn()
}

// Close closes the underlying WAL file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.walFile != nil {
		if err := s.walFile.Close(); err != nil {
			return err
		}
		s.walFile = nil
	}
	return nil
}

// appendRecord writes a single WAL record and fsyncs it. Callers hold s.mu.
func (s *Store) appendRecord(rec walRecord) error {
	if s.walFile == nil {
		return errors.New("store is closed")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	b = append(b, '\n')

	if _, err := s.walFile.Write(b); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}
	if err := s.walFile.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}
