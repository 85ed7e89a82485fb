// Package jobs tracks asynchronous extraction runs and publishes their
// lifecycle transitions.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/danhartree/stacvals/internal/engine"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one queued extraction and its outcome.
type Job struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Summary   *engine.Summary `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is an in-memory job registry. Jobs live for the process
// lifetime; restarts lose them, callers that need durability keep the
// artifact directory instead.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	clock clockwork.Clock
}

func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{jobs: make(map[string]*Job), clock: clock}
}

func (s *Store) Create() Job {
	now := s.clock.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return *job
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (s *Store) SetRunning(id string) error {
	return s.update(id, func(j *Job) {
		j.Status = StatusRunning
	})
}

// SetResult finalizes a job: a nil error records success with the
// summary, otherwise the failure message.
func (s *Store) SetResult(id string, sum *engine.Summary, err error) error {
	return s.update(id, func(j *Job) {
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = StatusSucceeded
		j.Summary = sum
	})
}

func (s *Store) update(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	fn(job)
	job.UpdatedAt = s.clock.Now().UTC()
	return nil
}
