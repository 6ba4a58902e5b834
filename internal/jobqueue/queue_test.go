package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telemetry-relay/internal/db"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Enqueue(t *testing.T) {
	cases := []struct {
		name            string
		queue           string
		jobName         string
		payload         any
		opts            EnqueueOptions
		expectedErr     error
		expectedPayload string
		expectedMax     int
	}{
		{
			name:            "struct payload with defaults",
			queue:           "notifications",
			jobName:         "notify",
			payload:         map[string]string{"channel": "sms"},
			expectedPayload: `{"channel":"sms"}`,
			expectedMax:     DefaultMaxAttempts,
		},
		{
			name:            "raw payload and explicit attempts",
			queue:           "notifications",
			jobName:         "notify",
			payload:         json.RawMessage(`{"channel":"email"}`),
			opts:            EnqueueOptions{Priority: 5, MaxAttempts: 7},
			expectedPayload: `{"channel":"email"}`,
			expectedMax:     7,
		},
		{
			name:            "nil payload",
			queue:           "notifications",
			jobName:         "notify",
			expectedPayload: `{}`,
			expectedMax:     DefaultMaxAttempts,
		},
		{
			name:        "missing queue",
			jobName:     "notify",
			expectedErr: ErrInvalidJob,
		},
		{
			name:        "unencodable payload",
			queue:       "notifications",
			jobName:     "notify",
			payload:     func() {},
			expectedErr: ErrInvalidJob,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			q := New(Config{Store: newMemStore()})
			job, err := q.Enqueue(context.Background(), tt.queue, tt.jobName, tt.payload, tt.opts)
			assert.ErrorIs(t, err, tt.expectedErr)
			if tt.expectedErr != nil {
				return
			}
			assert.Equal(t, db.JobPending, job.Status)
			assert.JSONEq(t, tt.expectedPayload, string(job.Payload))
			assert.Equal(t, tt.expectedMax, job.MaxAttempts)
			assert.Equal(t, tt.opts.Priority, job.Priority)
		})
	}
}

func Test_Process_Success(t *testing.T) {
	store := newMemStore()
	q := New(Config{Store: store})
	ctx := context.Background()

	var got []string
	var mu sync.Mutex
	q.RegisterWorker("notifications", func(ctx context.Context, job db.Job) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(job.Payload))
		return nil
	})

	job, err := q.Enqueue(ctx, "notifications", "notify", json.RawMessage(`{"n":1}`), EnqueueOptions{})
	require.NoError(t, err)
	// no handler for this queue, it must stay pending
	other, err := q.Enqueue(ctx, "reports", "build", nil, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, q.Process(ctx))
	q.Wait()

	assert.Equal(t, []string{`{"n":1}`}, got)
	assert.Equal(t, db.JobCompleted, store.job(job.ID).Status)
	assert.NotNil(t, store.job(job.ID).CompletedAt)
	assert.Equal(t, db.JobPending, store.job(other.ID).Status)
}

func Test_Process_RetryBound(t *testing.T) {
	store := newMemStore()
	q := New(Config{Store: store})
	ctx := context.Background()

	var calls atomic.Int64
	q.RegisterWorker("notifications", func(ctx context.Context, job db.Job) error {
		calls.Add(1)
		return errors.New("sms gateway unavailable")
	})
	job, err := q.Enqueue(ctx, "notifications", "notify", nil, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Process(ctx))
		q.Wait()
	}

	assert.Equal(t, int64(3), calls.Load())
	final := store.job(job.ID)
	assert.Equal(t, db.JobFailed, final.Status)
	assert.Equal(t, 3, final.Attempts)
	assert.Equal(t, "sms gateway unavailable", final.Error)
	assert.Equal(t, []db.JobStatus{
		db.JobPending,
		db.JobProcessing, db.JobPending,
		db.JobProcessing, db.JobPending,
		db.JobProcessing, db.JobFailed,
	}, store.history(job.ID))
}

func Test_Process_AtMostOneClaim(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	var executions atomic.Int64
	const pollers = 8
	queues := make([]*Queue, pollers)
	for i := range queues {
		queues[i] = New(Config{Store: store})
		queues[i].RegisterWorker("notifications", func(ctx context.Context, job db.Job) error {
			executions.Add(1)
			return nil
		})
	}
	job, err := queues[0].Enqueue(ctx, "notifications", "notify", nil, EnqueueOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, q := range queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			<-start
			assert.NoError(t, q.Process(ctx))
		}(q)
	}
	close(start)
	wg.Wait()
	for _, q := range queues {
		q.Wait()
	}

	assert.Equal(t, int64(1), executions.Load())
	assert.Equal(t, []db.JobStatus{db.JobPending, db.JobProcessing, db.JobCompleted}, store.history(job.ID))
}

func Test_Process_ConcurrencyBound(t *testing.T) {
	store := newMemStore()
	q := New(Config{Store: store, MaxConcurrency: 2})
	ctx := context.Background()

	release := make(chan struct{})
	var running atomic.Int64
	var peak atomic.Int64
	q.RegisterWorker("notifications", func(ctx context.Context, job db.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "notifications", "notify", nil, EnqueueOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, q.Process(ctx))
	require.NoError(t, q.Process(ctx))
	stats, err := q.Stats(ctx, "notifications")
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 3, Processing: 2}, stats)

	close(release)
	q.Wait()
	assert.Equal(t, int64(2), peak.Load())
}

func Test_Process_PriorityOrder(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	q := New(Config{Store: store, MaxConcurrency: 1, Now: func() time.Time { return clock }})
	ctx := context.Background()

	var order []string
	q.RegisterWorker("notifications", func(ctx context.Context, job db.Job) error {
		order = append(order, job.Name)
		return nil
	})
	for _, tt := range []struct {
		name     string
		priority int
	}{{"low-old", 0}, {"high", 10}, {"low-new", 0}} {
		_, err := q.Enqueue(ctx, "notifications", tt.name, nil, EnqueueOptions{Priority: tt.priority})
		require.NoError(t, err)
		clock = clock.Add(time.Second)
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Process(ctx))
		q.Wait()
	}
	assert.Equal(t, []string{"high", "low-old", "low-new"}, order)
}

func Test_Process_HandlerPanicAndTimeout(t *testing.T) {
	cases := []struct {
		name        string
		handler     Handler
		timeout     time.Duration
		expectedErr string
	}{
		{
			name: "panic counts as failure",
			handler: func(ctx context.Context, job db.Job) error {
				panic("nil recipient")
			},
			expectedErr: "handler panicked",
		},
		{
			name: "timeout counts as failure",
			handler: func(ctx context.Context, job db.Job) error {
				<-ctx.Done()
				return ctx.Err()
			},
			timeout:     20 * time.Millisecond,
			expectedErr: "context deadline exceeded",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			q := New(Config{Store: store, JobTimeout: tt.timeout})
			ctx := context.Background()
			q.RegisterWorker("notifications", tt.handler)
			job, err := q.Enqueue(ctx, "notifications", "notify", nil, EnqueueOptions{MaxAttempts: 1})
			require.NoError(t, err)

			require.NoError(t, q.Process(ctx))
			q.Wait()

			final := store.job(job.ID)
			assert.Equal(t, db.JobFailed, final.Status)
			assert.Contains(t, final.Error, tt.expectedErr)
		})
	}
}

func Test_Process_StoreError(t *testing.T) {
	store := newMemStore()
	store.listErr = errStoreDown
	q := New(Config{Store: store})
	q.RegisterWorker("notifications", func(ctx context.Context, job db.Job) error { return nil })

	err := q.Process(context.Background())
	assert.ErrorIs(t, err, errStoreDown)
}

func Test_Cleanup(t *testing.T) {
	store := newMemStore()
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	clock := now.Add(-30 * 24 * time.Hour)
	q := New(Config{Store: store, Now: func() time.Time { return clock }})
	ctx := context.Background()

	q.RegisterWorker("notifications", func(ctx context.Context, job db.Job) error {
		if job.Name == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	ok, err := q.Enqueue(ctx, "notifications", "good", nil, EnqueueOptions{})
	require.NoError(t, err)
	bad, err := q.Enqueue(ctx, "notifications", "bad", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, q.Process(ctx))
	q.Wait()

	stale, err := q.Enqueue(ctx, "reports", "pending-forever", nil, EnqueueOptions{})
	require.NoError(t, err)

	clock = now
	recent, err := q.Enqueue(ctx, "notifications", "good", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Process(ctx))
	q.Wait()

	deleted, err := q.Cleanup(ctx, "", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	store.mu.Lock()
	_, okExists := store.jobs[ok.ID]
	_, badExists := store.jobs[bad.ID]
	_, staleExists := store.jobs[stale.ID]
	_, recentExists := store.jobs[recent.ID]
	store.mu.Unlock()
	assert.False(t, okExists)
	assert.False(t, badExists)
	assert.True(t, staleExists)
	assert.True(t, recentExists)

	_, err = q.Cleanup(ctx, "", -1)
	assert.ErrorIs(t, err, ErrCleanup)
}

func Test_Run_StopsOnCancel(t *testing.T) {
	store := newMemStore()
	reg := prometheus.NewRegistry()
	q := New(Config{Store: store, PollInterval: 5 * time.Millisecond, Registry: reg})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	q.RegisterWorker("notifications", func(ctx context.Context, job db.Job) error {
		close(done)
		return nil
	})
	job, err := q.Enqueue(ctx, "notifications", "notify", nil, EnqueueOptions{})
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job was not executed by the poll loop")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, db.JobCompleted, store.job(job.ID).Status)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
