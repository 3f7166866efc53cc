package coordinator

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/dirstore/internal/cluster"
)

// JobKind tags the variant held by a Job.
type JobKind string

const (
	// JobSyncFile pushes a new file from its origin node to every other live node.
	JobSyncFile JobKind = "SYNCFILE"
	// JobSyncEverything copies every known file onto a freshly registered node.
	JobSyncEverything JobKind = "SYNCEVERYTHING"
)

// Job is one unit of replication work. It carries everything needed to run
// without reading the registry again, and travels inside STATE snapshots.
type Job struct {
	ID      string             `json:"id"`
	Kind    JobKind            `json:"kind"`
	Origin  string             `json:"origin,omitempty"` // SyncFile: node that received the upload
	Target  string             `json:"target,omitempty"` // SyncEverything: node to fill
	File    cluster.FileRecord `json:"file"`
	Payload []byte             `json:"payload,omitempty"`
}

// NewSyncFileJob builds a SyncFile job for a file first stored on origin.
func NewSyncFileJob(origin string, rec cluster.FileRecord, payload []byte) Job {
	return Job{
		ID:      uuid.NewString(),
		Kind:    JobSyncFile,
		Origin:  origin,
		File:    rec,
		Payload: payload,
	}
}

// NewSyncEverythingJob builds a SyncEverything job filling target.
func NewSyncEverythingJob(target string) Job {
	return Job{
		ID:     uuid.NewString(),
		Kind:   JobSyncEverything,
		Target: target,
	}
}

// JobQueue is a concurrent FIFO of jobs. Any number of handlers enqueue;
// the single replication engine dequeues, so each job leaves exactly once.
type JobQueue struct {
	mu   sync.Mutex
	jobs []Job
}

// NewJobQueue creates an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{}
}

// Enqueue appends job at the tail.
func (q *JobQueue) Enqueue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

// Dequeue removes the head. ok is false when the queue is empty.
func (q *JobQueue) Dequeue() (job Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job = q.jobs[0]
	q.jobs[0] = Job{} // drop the payload reference
	q.jobs = q.jobs[1:]
	return job, true
}

// Len returns the number of pending jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Snapshot copies the pending jobs in FIFO order without consuming them.
func (q *JobQueue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

// Replace swaps the pending jobs for jobs.
func (q *JobQueue) Replace(jobs []Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append([]Job(nil), jobs...)
}

// ServerState is the snapshot a primary pushes to its backup: node map,
// file list and pending jobs. The backup replaces its own state with it.
type ServerState struct {
	Nodes map[string]bool      `json:"nodes"`
	Files []cluster.FileRecord `json:"files"`
	Jobs  []Job                `json:"jobs"`
}
