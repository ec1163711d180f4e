package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-analyze/bulk"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrClosed is returned by operations on a closed storage.
var ErrClosed = errors.New("storage closed")

// Storage is a minimal key/value backend for process-wide settings.
type Storage interface {
	// Get returns the value for key and whether it was found.
	Get(key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error
	// Delete removes key. Missing keys are not an error.
	Delete(key string) error
	// DeleteAll removes every key.
	DeleteAll() error
	// KeySet returns all keys in sorted order.
	KeySet() []string
	// Close releases resources held by the storage.
	Close() error
}

// Serialize encodes v with msgpack.
func Serialize(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Deserialize decodes msgpack data into v.
func Deserialize(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// MemStorage keeps all values in memory.
type MemStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{values: make(map[string][]byte)}
}

func (m *MemStorage) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (m *MemStorage) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[key] = slices.Clone(value)
	return nil
}

func (m *MemStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.values, key)
	return nil
}

func (m *MemStorage) DeleteAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	clear(m.values)
	return nil
}

func (m *MemStorage) KeySet() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := bulk.MapKeysSlice(m.values)
	slices.Sort(keys)
	return keys
}

func (m *MemStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FileStorage is a MemStorage that rewrites a msgpack snapshot of all values
// to disk after every mutation.
type FileStorage struct {
	*MemStorage
	path    string
	flushMu sync.Mutex
}

// OpenFileStorage loads path if it exists, otherwise starts empty.
func OpenFileStorage(path string) (*FileStorage, error) {
	fs := &FileStorage{MemStorage: NewMemStorage(), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	} else if err != nil {
		return nil, fmt.Errorf("read storage %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := Deserialize(data, &fs.values); err != nil {
			return nil, fmt.Errorf("decode storage %s: %w", path, err)
		}
	}
	if fs.values == nil {
		fs.values = make(map[string][]byte)
	}
	return fs, nil
}

func (f *FileStorage) Set(key string, value []byte) error {
	if err := f.MemStorage.Set(key, value); err != nil {
		return err
	}
	return f.flush()
}

func (f *FileStorage) Delete(key string) error {
	if err := f.MemStorage.Delete(key); err != nil {
		return err
	}
	return f.flush()
}

func (f *FileStorage) DeleteAll() error {
	if err := f.MemStorage.DeleteAll(); err != nil {
		return err
	}
	return f.flush()
}

// flush writes the current snapshot atomically (temp file then rename).
func (f *FileStorage) flush() error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.mu.RLock()
	data, err := Serialize(f.values)
	f.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, f.path)
}
