package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DiskStore keeps one regular file per name inside a single directory,
// the layout a storage node uses for its own data directory.
type DiskStore struct {
	dir string
	mu  sync.RWMutex // serializes writers against readers of the same directory
}

// NewDiskStore creates dir if needed and returns a store rooted there
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// Dir returns the root directory
func (d *DiskStore) Dir() string {
	return d.dir
}

func (d *DiskStore) Get(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(d.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Put writes to a temp file and renames it into place so readers never see
// a partially written file
func (d *DiskStore) Put(name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (d *DiskStore) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".upload-") {
			names = append(names, e.Name())
		}
	}
	return names
}

func (d *DiskStore) Stats() StoreStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var stats StoreStats
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return stats
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".upload-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.Files++
		stats.Bytes += int(info.Size())
	}
	return stats
}

// ValidateName rejects names that do not map to exactly one regular file in
// the node directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".upload-") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
