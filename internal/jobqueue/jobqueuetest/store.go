// Package jobqueuetest provides an in-memory jobqueue.Store for tests of the
// queue and of the services that schedule work through it.
package jobqueuetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crewdesk/internal/types"
)

// MemStore mirrors the SQL semantics of db.JobRepository. Only rows with a
// nil ProcessedAt are touched by attempt and completion writes.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]*types.DelayedJob

	// ListErr and IncErr, when set, fail ListDue and IncrementAttempts.
	ListErr error
	IncErr  error
}

func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*types.DelayedJob)}
}

func notPending(id string) error {
	return types.NewAppError(types.ErrCodeConflictAlreadyProcessed, fmt.Sprintf("job %s is not pending", id), nil)
}

func (s *MemStore) pending(id string) (*types.DelayedJob, bool) {
	j, ok := s.jobs[id]
	return j, ok && j.ProcessedAt == nil
}

func (s *MemStore) Insert(_ context.Context, job *types.DelayedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemStore) ListDue(_ context.Context, now time.Time, limit int) ([]*types.DelayedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []*types.DelayedJob
	for _, j := range s.jobs {
		if j.ProcessedAt == nil && !j.ProcessAfter.After(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ProcessAfter.Before(out[b].ProcessAfter) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IncErr != nil {
		return 0, s.IncErr
	}
	j, ok := s.pending(id)
	if !ok {
		return 0, notPending(id)
	}
	j.Attempts++
	return j.Attempts, nil
}

func (s *MemStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.pending(id)
	if !ok {
		return notPending(id)
	}
	j.ProcessedAt = &at
	return nil
}

func (s *MemStore) RecordFailure(_ context.Context, id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.pending(id)
	if !ok {
		return notPending(id)
	}
	j.LastError = &msg
	return nil
}

func (s *MemStore) Cancel(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	marker := types.CanceledMarker
	j.ProcessedAt = &at
	j.LastError = &marker
	return true, nil
}

func (s *MemStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.ProcessedAt != nil && j.ProcessedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) DeletePendingByRef(_ context.Context, jobType types.JobType, ref types.JobRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Type == jobType && j.Ref == ref && j.ProcessedAt == nil {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*types.DelayedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, fmt.Sprintf("job %s not found", id), nil)
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) List(_ context.Context, f types.JobFilter) ([]*types.DelayedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.DelayedJob
	for _, j := range s.jobs {
		if f.Status != "" && j.Status() != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ProcessAfter.Before(out[b].ProcessAfter) })
	return out, nil
}

// Job returns a copy of the stored row. It panics on an unknown id.
func (s *MemStore) Job(id string) *types.DelayedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.jobs[id]
	return &cp
}

// Jobs returns copies of every stored row in schedule order.
func (s *MemStore) Jobs() []*types.DelayedJob {
	out, _ := s.List(context.Background(), types.JobFilter{})
	return out
}
