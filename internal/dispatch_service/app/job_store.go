package app

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

type storedJob struct {
	job domain.Job
	seq uint64 // submission order
}

// JobStore is the in-memory, concurrency-safe table of jobs. Readers always
// receive copies; records are only changed through compare-and-set calls.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*storedJob
	nextSeq uint64
}

// NewJobStore creates an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*storedJob)}
}

// Insert adds a new job. The id must be unused.
func (s *JobStore) Insert(job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.nextSeq++
	s.jobs[job.ID] = &storedJob{job: job.Clone(), seq: s.nextSeq}
	return nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sj, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return sj.job.Clone(), nil
}

// Transition moves the job from -> to if it is still in state from. mutate,
// when non-nil, runs under the lock before the status is changed.
func (s *JobStore) Transition(id string, from, to domain.JobStatus, at time.Time, mutate func(*domain.Job)) (domain.Job, error) {
	if err := domain.ValidateTransition(from, to); err != nil {
		return domain.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if sj.job.Status != from {
		return sj.job.Clone(), fmt.Errorf("%w: expected %s, found %s", domain.ErrStateMismatch, from, sj.job.Status)
	}
	if mutate != nil {
		mutate(&sj.job)
	}
	sj.job.Status = to
	if to.IsTerminal(sj.job.WantsReply) && sj.job.CompletedAt == nil {
		completed := at
		sj.job.CompletedAt = &completed
	}
	return sj.job.Clone(), nil
}

// Update mutates the job in place without changing its status, provided it is
// still in state expect.
func (s *JobStore) Update(id string, expect domain.JobStatus, mutate func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if sj.job.Status != expect {
		return fmt.Errorf("%w: expected %s, found %s", domain.ErrStateMismatch, expect, sj.job.Status)
	}
	mutate(&sj.job)
	return nil
}

// Delete removes a job regardless of its state.
func (s *JobStore) Delete(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// ListByStatus returns snapshots of every job in the given status, ordered by
// sent_at (unsent jobs last) and then by submission order.
func (s *JobStore) ListByStatus(status domain.JobStatus) []domain.Job {
	s.mu.RLock()
	matched := make([]*storedJob, 0)
	for _, sj := range s.jobs {
		if sj.job.Status == status {
			matched = append(matched, sj)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch {
		case a.job.SentAt != nil && b.job.SentAt != nil && !a.job.SentAt.Equal(*b.job.SentAt):
			return a.job.SentAt.Before(*b.job.SentAt)
		case a.job.SentAt != nil && b.job.SentAt == nil:
			return true
		case a.job.SentAt == nil && b.job.SentAt != nil:
			return false
		}
		return a.seq < b.seq
	})
	out := make([]domain.Job, len(matched))
	for i, sj := range matched {
		out[i] = sj.job.Clone()
	}
	s.mu.RUnlock()
	return out
}

// CountByStatus returns how many jobs are currently in the given status.
func (s *JobStore) CountByStatus(status domain.JobStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sj := range s.jobs {
		if sj.job.Status == status {
			n++
		}
	}
	return n
}

// EvictExpired drops terminal jobs completed more than retention ago.
// A retention of zero or less disables eviction.
func (s *JobStore) EvictExpired(now time.Time, retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := now.Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, sj := range s.jobs {
		if sj.job.CompletedAt != nil && sj.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
