package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"telemetry-relay/internal/db"
)

var errStoreDown = errors.New("store unavailable")

// memStore mirrors the jobs table semantics in memory, including the
// conditional pending -> processing claim.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	jobs        map[int64]*db.Job
	transitions map[int64][]db.JobStatus
	listErr     error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[int64]*db.Job),
		transitions: make(map[int64][]db.JobStatus),
	}
}

func (s *memStore) record(id int64, status db.JobStatus) {
	s.jobs[id].Status = status
	s.transitions[id] = append(s.transitions[id], status)
}

func (s *memStore) InsertJob(_ context.Context, job db.Job) (db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	s.jobs[job.ID] = &job
	s.record(job.ID, db.JobPending)
	return job, nil
}

func (s *memStore) ListPending(_ context.Context, queue string, limit int) ([]db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []db.Job
	for _, job := range s.jobs {
		if job.Queue == queue && job.Status == db.JobPending {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ClaimJob(_ context.Context, id int64, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != db.JobPending {
		return false, nil
	}
	job.StartedAt = &startedAt
	s.record(id, db.JobProcessing)
	return true, nil
}

func (s *memStore) CompleteJob(_ context.Context, id int64, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != db.JobProcessing {
		return fmt.Errorf("job %d not processing", id)
	}
	job.CompletedAt = &completedAt
	s.record(id, db.JobCompleted)
	return nil
}

func (s *memStore) RetryJob(_ context.Context, id int64, attempts int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != db.JobProcessing {
		return fmt.Errorf("job %d not processing", id)
	}
	job.Attempts = attempts
	job.Error = errMsg
	job.StartedAt = nil
	s.record(id, db.JobPending)
	return nil
}

func (s *memStore) FailJob(_ context.Context, id int64, attempts int, errMsg string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != db.JobProcessing {
		return fmt.Errorf("job %d not processing", id)
	}
	job.Attempts = attempts
	job.Error = errMsg
	job.CompletedAt = &failedAt
	s.record(id, db.JobFailed)
	return nil
}

func (s *memStore) CountJobsByStatus(_ context.Context, queue string) (map[db.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[db.JobStatus]int64)
	for _, job := range s.jobs {
		if job.Queue == queue {
			counts[job.Status]++
		}
	}
	return counts, nil
}

func (s *memStore) DeleteTerminalJobs(_ context.Context, queue string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, job := range s.jobs {
		if queue != "" && job.Queue != queue {
			continue
		}
		if job.Status != db.JobCompleted && job.Status != db.JobFailed {
			continue
		}
		finished := job.CreatedAt
		if job.CompletedAt != nil {
			finished = *job.CompletedAt
		}
		if finished.Before(before) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) job(id int64) db.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) history(id int64) []db.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.JobStatus(nil), s.transitions[id]...)
}
