package session

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

// NewMemoryStoreFrom starts from raw key/value pairs, which may hold a
// partial record.
func NewMemoryStoreFrom(values map[string]string) *MemoryStore {
	return &MemoryStore{values: maps.Clone(values)}
}

func (m *MemoryStore) Get(_ context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fromValues(m.values)
}

func (m *MemoryStore) SetAll(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = rec.values()
	return nil
}

func (m *MemoryStore) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = map[string]string{}
	return nil
}

// Values returns a copy of the stored keys.
func (m *MemoryStore) Values() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.values)
}

// FileStore keeps the record as a JSON object in one file. Writes go to a
// temp file in the same directory and are renamed into place.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Get(_ context.Context) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("read session file: %w", err)
	}
	var v map[string]string
	if err := json.Unmarshal(data, &v); err != nil {
		return Record{}, fmt.Errorf("parse session file %s: %w", f.path, err)
	}
	return fromValues(v)
}

func (f *FileStore) SetAll(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(rec.values(), "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (f *FileStore) ClearAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
