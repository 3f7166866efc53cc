package catalog

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/dirstore/internal/cluster"
)

// FileServer is the capability shared by directory servers and storage
// nodes: a file map plus response-time recording.
type FileServer interface {
	AddFile(rec cluster.FileRecord) bool
	FileExists(name string) bool
	GetFile(name string) (cluster.FileRecord, bool)
	ListFiles() []cluster.FileRecord
	RecordResponseTime(d time.Duration)
}

// Catalog is a concurrency-safe map of file name to FileRecord.
// Each call is atomic on its own; there is no larger critical section.
type Catalog struct {
	mu    sync.RWMutex
	files map[string]cluster.FileRecord
	stats ResponseStats
}

// ResponseStats accumulates request latencies.
type ResponseStats struct {
	count atomic.Int64
	total atomic.Int64 // nanoseconds
}

// ResponseSummary is a point-in-time view of ResponseStats.
type ResponseSummary struct {
	Requests int64
	Total    time.Duration
	Average  time.Duration
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		files: make(map[string]cluster.FileRecord),
	}
}

// AddFile inserts rec unless a record with the same name exists.
// The first writer wins; later duplicates are dropped silently.
// It returns true if rec was inserted.
func (c *Catalog) AddFile(rec cluster.FileRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.files[rec.Name]; exists {
		return false
	}
	c.files[rec.Name] = rec
	return true
}

// FileExists reports whether name is in the catalog.
func (c *Catalog) FileExists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.files[name]
	return ok
}

// GetFile returns the record for name.
func (c *Catalog) GetFile(name string) (cluster.FileRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.files[name]
	return rec, ok
}

// ListFiles returns a snapshot of all records ordered by name.
func (c *Catalog) ListFiles() []cluster.FileRecord {
	c.mu.RLock()
	records := make([]cluster.FileRecord, 0, len(c.files))
	for _, rec := range c.files {
		records = append(records, rec)
	}
	c.mu.RUnlock()

	slices.SortFunc(records, func(a, b cluster.FileRecord) int {
		return strings.Compare(a.Name, b.Name)
	})
	return records
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// Replace swaps the whole content for records. A backup calls it when it
// applies a state snapshot, so it overwrites rather than merges.
func (c *Catalog) Replace(records []cluster.FileRecord) {
	files := make(map[string]cluster.FileRecord, len(records))
	for _, rec := range records {
		if _, exists := files[rec.Name]; !exists {
			files[rec.Name] = rec
		}
	}

	c.mu.Lock()
	c.files = files
	c.mu.Unlock()
}

// RecordResponseTime adds one request latency.
func (c *Catalog) RecordResponseTime(d time.Duration) {
	c.stats.count.Add(1)
	c.stats.total.Add(int64(d))
}

// ResponseSummary returns the recorded latencies so far.
func (c *Catalog) ResponseSummary() ResponseSummary {
	n := c.stats.count.Load()
	total := time.Duration(c.stats.total.Load())
	s := ResponseSummary{Requests: n, Total: total}
	if n > 0 {
		s.Average = total / time.Duration(n)
	}
	return s
}

// FileListResponse answers FILELIST for any FileServer and records how long
// building the list took.
func FileListResponse(fs FileServer) cluster.Message {
	start := time.Now()
	resp := cluster.Success(fs.ListFiles())
	fs.RecordResponseTime(time.Since(start))
	return resp
}
