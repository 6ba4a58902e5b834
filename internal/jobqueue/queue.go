// Package jobqueue is a durable job queue over a single postgres table.
//
// Workers poll for pending jobs and claim them with a conditional update
// (status = 'processing' WHERE status = 'pending'); the update is the only
// coordination between pollers, in this process or any other. Claimed jobs
// run outside the poll cycle, bounded by MaxConcurrency. A failed job goes
// back to pending until it has used MaxAttempts, then stays failed.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"telemetry-relay/internal/db"
	"telemetry-relay/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPollInterval   = time.Second
	DefaultMaxConcurrency = 5
	DefaultMaxAttempts    = 3
)

var (
	ErrEnqueue      = errors.New("enqueue failed")
	ErrInvalidJob   = errors.New("invalid job")
	ErrStats        = errors.New("stats failed")
	ErrCleanup      = errors.New("cleanup failed")
	ErrHandlerPanic = errors.New("handler panicked")
	ErrNoHandler    = errors.New("no handler registered")
)

// Handler executes one job. Returning an error counts as a failed attempt.
type Handler func(ctx context.Context, job db.Job) error

type store interface {
	InsertJob(ctx context.Context, job db.Job) (db.Job, error)
	ListPending(ctx context.Context, queue string, limit int) ([]db.Job, error)
	ClaimJob(ctx context.Context, id int64, startedAt time.Time) (bool, error)
	CompleteJob(ctx context.Context, id int64, completedAt time.Time) error
	RetryJob(ctx context.Context, id int64, attempts int, errMsg string) error
	FailJob(ctx context.Context, id int64, attempts int, errMsg string, failedAt time.Time) error
	CountJobsByStatus(ctx context.Context, queue string) (map[db.JobStatus]int64, error)
	DeleteTerminalJobs(ctx context.Context, queue string, before time.Time) (int64, error)
}

type Config struct {
	Store              store
	PollInterval       time.Duration
	MaxConcurrency     int
	DefaultMaxAttempts int
	// JobTimeout bounds a single handler run. Zero means no limit, in which
	// case a hung handler holds its concurrency slot until it returns.
	JobTimeout time.Duration
	Now        func() time.Time
	Registry   prometheus.Registerer
}

type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

type Queue struct {
	store        store
	pollInterval time.Duration
	maxAttempts  int
	jobTimeout   time.Duration
	now          func() time.Time
	metrics      *metrics
	slots        chan struct{}
	mu           sync.RWMutex
	handlers     map[string]Handler
	inflight     sync.WaitGroup
}

func New(cfg Config) *Queue {
	q := &Queue{
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.DefaultMaxAttempts,
		jobTimeout:   cfg.JobTimeout,
		now:          cfg.Now,
		metrics:      newMetrics(cfg.Registry),
		handlers:     make(map[string]Handler),
	}
	if q.pollInterval <= 0 {
		q.pollInterval = DefaultPollInterval
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.now == nil {
		q.now = time.Now
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}
	q.slots = make(chan struct{}, concurrency)
	return q
}

// Enqueue persists a pending job. payload is stored as JSON; a []byte or
// json.RawMessage is stored as is.
func (q *Queue) Enqueue(ctx context.Context, queue, name string, payload any, opts EnqueueOptions) (db.Job, error) {
	const fn = "Queue:Enqueue"
	if queue == "" || name == "" {
		return db.Job{}, fmt.Errorf("%s:%w: queue and name are required", fn, ErrInvalidJob)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return db.Job{}, fmt.Errorf("%s:%w:%w", fn, ErrInvalidJob, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	job, err := q.store.InsertJob(ctx, db.Job{
		Queue:       queue,
		Name:        name,
		Payload:     raw,
		Status:      db.JobPending,
		MaxAttempts: maxAttempts,
		Priority:    opts.Priority,
		CreatedAt:   q.now(),
	})
	if err != nil {
		return db.Job{}, fmt.Errorf("%s:%w:%w", fn, ErrEnqueue, err)
	}
	q.metrics.enqueued(queue)
	return job, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// RegisterWorker attaches the handler that executes jobs of queue. Only
// queues with a handler are polled.
func (q *Queue) RegisterWorker(queue string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = handler
}

func (q *Queue) queues() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (q *Queue) handler(queue string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[queue]
	return h, ok
}

// Run polls until ctx is done, then waits for in-flight jobs to finish.
func (q *Queue) Run(ctx context.Context) {
	worker.New(worker.Config{
		Name:      "jobqueue",
		Processor: q,
		Interval:  q.pollInterval,
	}).Run(ctx)
	q.Wait()
}

// Wait blocks until every claimed job has finished executing.
func (q *Queue) Wait() {
	q.inflight.Wait()
}

// Process runs one poll cycle over every registered queue. It returns the
// first storage error so the poll loop can back off.
func (q *Queue) Process(ctx context.Context) error {
	for _, queue := range q.queues() {
		if err := q.poll(ctx, queue); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) poll(ctx context.Context, queue string) error {
	const fn = "Queue:poll"
	free := cap(q.slots) - len(q.slots)
	if free <= 0 {
		return nil
	}
	candidates, err := q.store.ListPending(ctx, queue, free)
	if err != nil {
		return fmt.Errorf("%s:%w", fn, err)
	}
	for _, job := range candidates {
		if !q.acquire() {
			return nil
		}
		claimed, err := q.claim(ctx, job)
		if err != nil {
			q.release()
			return fmt.Errorf("%s:%w", fn, err)
		}
		if !claimed {
			q.release()
			continue
		}
		q.inflight.Add(1)
		go func(job db.Job) {
			defer q.inflight.Done()
			defer q.release()
			q.execute(context.WithoutCancel(ctx), job)
		}(job)
	}
	return nil
}

func (q *Queue) acquire() bool {
	select {
	case q.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (q *Queue) release() {
	<-q.slots
}

func (q *Queue) claim(ctx context.Context, job db.Job) (bool, error) {
	claimed, err := q.store.ClaimJob(ctx, job.ID, q.now())
	if err != nil {
		return false, err
	}
	if !claimed {
		q.metrics.conflict(job.Queue)
		slog.DebugContext(ctx, "Job already claimed, skipping", "queue", job.Queue, "job_id", job.ID)
	}
	return claimed, nil
}

func (q *Queue) execute(ctx context.Context, job db.Job) {
	job.Status = db.JobProcessing
	runErr := q.run(ctx, job)
	if runErr == nil {
		if err := q.store.CompleteJob(ctx, job.ID, q.now()); err != nil {
			slog.ErrorContext(ctx, "Error marking job completed", "queue", job.Queue, "job_id", job.ID, "error", err)
		}
		q.metrics.finished(job.Queue, "completed")
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		slog.ErrorContext(ctx, "Job failed permanently",
			"queue", job.Queue,
			"job_id", job.ID,
			"name", job.Name,
			"attempts", attempts,
			"error", runErr,
		)
		if err := q.store.FailJob(ctx, job.ID, attempts, runErr.Error(), q.now()); err != nil {
			slog.ErrorContext(ctx, "Error marking job failed", "queue", job.Queue, "job_id", job.ID, "error", err)
		}
		q.metrics.finished(job.Queue, "failed")
		return
	}

	slog.InfoContext(ctx, "Job attempt failed, will retry",
		"queue", job.Queue,
		"job_id", job.ID,
		"name", job.Name,
		"attempts", attempts,
		"max_attempts", job.MaxAttempts,
		"error", runErr,
	)
	if err := q.store.RetryJob(ctx, job.ID, attempts, runErr.Error()); err != nil {
		slog.ErrorContext(ctx, "Error returning job to pending", "queue", job.Queue, "job_id", job.ID, "error", err)
	}
	q.metrics.finished(job.Queue, "retried")
}

func (q *Queue) run(ctx context.Context, job db.Job) (err error) {
	const fn = "Queue:run"
	h, ok := q.handler(job.Queue)
	if !ok {
		return fmt.Errorf("%s:%w: %s", fn, ErrNoHandler, job.Queue)
	}
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s:%w: %v", fn, ErrHandlerPanic, r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) Stats(ctx context.Context, queue string) (Stats, error) {
	const fn = "Queue:Stats"
	counts, err := q.store.CountJobsByStatus(ctx, queue)
	if err != nil {
		return Stats{}, fmt.Errorf("%s:%w:%w", fn, ErrStats, err)
	}
	return Stats{
		Pending:    counts[db.JobPending],
		Processing: counts[db.JobProcessing],
		Completed:  counts[db.JobCompleted],
		Failed:     counts[db.JobFailed],
	}, nil
}

// Cleanup deletes terminal jobs older than olderThanDays. An empty queue
// cleans every queue.
func (q *Queue) Cleanup(ctx context.Context, queue string, olderThanDays int) (int64, error) {
	const fn = "Queue:Cleanup"
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%s:%w: negative retention", fn, ErrCleanup)
	}
	cutoff := q.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	deleted, err := q.store.DeleteTerminalJobs(ctx, queue, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s:%w:%w", fn, ErrCleanup, err)
	}
	slog.InfoContext(ctx, "Cleaned up terminal jobs", "queue", queue, "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}
