package storage

import (
	"errors"
	"sync"
)

// ErrFileNotFound is returned when a file doesn't exist in the store
var ErrFileNotFound = errors.New("file not found")

// ErrInvalidName is returned for names that are empty or would escape the
// store, such as names containing path separators
var ErrInvalidName = errors.New("invalid file name")

// Store is the byte read/write primitive of a storage node.
// All implementations must be safe for concurrent access
type Store interface {
	// Get returns the bytes stored under name
	// Returns ErrFileNotFound if the file doesn't exist
	Get(name string) ([]byte, error)

	// Put stores data under name, replacing previous contents
	Put(name string, data []byte) error

	// List returns all stored names
	// Order is not guaranteed
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Files int // Number of files
	Bytes int // Total size of all files in bytes
}

// MemoryStore implements Store in memory
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of the stored bytes
func (m *MemoryStore) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[name]
	if !exists {
		return nil, ErrFileNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of data
func (m *MemoryStore) Put(name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = stored
	return nil
}

// List returns all stored names
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.data))
	for name := range m.data {
		names = append(names, name)
	}
	return names
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Files: len(m.data),
		Bytes: totalBytes,
	}
}
