package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/vrscpool/internal/node"
)

// DefaultRetention is the number of jobs kept when none is configured.
const DefaultRetention = 8

// SubmissionStatus is the outcome of recording a share against a job.
type SubmissionStatus int

const (
	// Accepted means the key had not been seen for the job.
	Accepted SubmissionStatus = iota
	// Duplicate means the key was already recorded.
	Duplicate
	// JobNotFound means the job was never created or has been evicted.
	JobNotFound
)

// String returns the status name
func (s SubmissionStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case JobNotFound:
		return "job_not_found"
	default:
		return "unknown"
	}
}

// Registry holds the most recently created jobs. Retention follows creation
// order, so a job looked up often is evicted exactly as early as one never
// looked up.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	order   []string
	current *Job
	retain  int
	seq     uint32
	now     func() time.Time
}

// NewRegistry creates a registry keeping retain jobs. Values below two are
// raised to two so the previous job survives the creation of its successor.
func NewRegistry(retain int) *Registry {
	if retain < 2 {
		retain = 2
	}
	return &Registry{
		jobs:   make(map[string]*Job, retain),
		order:  make([]string, 0, retain+1),
		retain: retain,
		now:    time.Now,
	}
}

// Create builds a job from tpl, makes it current and evicts the oldest jobs
// beyond the retention limit. It does not notify anyone.
func (r *Registry) Create(tpl *node.BlockTemplate, clean bool) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := fmt.Sprintf("%08x", r.seq+1)
	j, err := newJob(id, tpl, clean, r.now())
	if err != nil {
		return nil, err
	}
	r.seq++

	r.jobs[id] = j
	r.order = append(r.order, id)
	r.current = j

	for len(r.order) > r.retain {
		delete(r.jobs, r.order[0])
		r.order = r.order[1:]
	}

	return j, nil
}

// Get returns a retained job.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Current returns the most recently created job, or nil before the first one.
func (r *Registry) Current() *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Len returns the number of retained jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// RecordSubmission records key against the job. The check-and-insert is atomic
// per job and cannot interleave with the job's eviction, so of any number of
// concurrent calls with one key exactly one observes Accepted.
func (r *Registry) RecordSubmission(jobID string, key SubmissionKey) SubmissionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return JobNotFound
	}
	if !j.recordOnce(key) {
		return Duplicate
	}
	return Accepted
}
