package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// JobStore is the job registry behind CampaignQueue.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, userID string, status *model.JobStatus) ([]*model.Job, error)
	// Update applies fn to the stored job atomically. If fn fails nothing is written.
	Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	// ClaimDue moves the earliest due pending job to running. (nil, nil) when none is due.
	ClaimDue(ctx context.Context, now time.Time) (*model.Job, error)
}

type memoryEntry struct {
	job *model.Job
	seq int64
}

// MemoryJobStore keeps jobs in a map. Reads return copies.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
	seq  int64
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*memoryEntry)}
}

func (s *MemoryJobStore) Create(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return appErrors.Wrapf(appErrors.ErrPrecondition, "job %s already exists", job.ID)
	}
	s.seq++
	s.jobs[job.ID] = &memoryEntry{job: job.Clone(), seq: s.seq}
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, appErrors.NewJobNotFound(id)
	}
	return e.job.Clone(), nil
}

func (s *MemoryJobStore) List(_ context.Context, userID string, status *model.JobStatus) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*memoryEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if userID != "" && e.job.UserID != userID {
			continue
		}
		if status != nil && e.job.Status != *status {
			continue
		}
		entries = append(entries, e)
	}
	// newest first, like the Postgres store
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })

	out := make([]*model.Job, len(entries))
	for i, e := range entries {
		out[i] = e.job.Clone()
	}
	return out, nil
}

func (s *MemoryJobStore) Update(_ context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, appErrors.NewJobNotFound(id)
	}
	draft := e.job.Clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	e.job = draft
	return draft.Clone(), nil
}

func (s *MemoryJobStore) ClaimDue(_ context.Context, now time.Time) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *memoryEntry
	for _, e := range s.jobs {
		if e.job.Status != model.JobStatusPending || e.job.ScheduledAt.After(now) {
			continue
		}
		if next == nil ||
			e.job.ScheduledAt.Before(next.job.ScheduledAt) ||
			(e.job.ScheduledAt.Equal(next.job.ScheduledAt) && e.seq < next.seq) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}

	next.job.Status = model.JobStatusRunning
	if next.job.StartedAt == nil {
		t := now
		next.job.StartedAt = &t
	}
	next.job.UpdatedAt = now
	return next.job.Clone(), nil
}
