package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Run(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		backoff  time.Duration
		failing  bool
		runFor   time.Duration
		minCalls int64
		maxCalls int64
	}{
		{
			name:     "polls on interval",
			interval: 10 * time.Millisecond,
			runFor:   105 * time.Millisecond,
			minCalls: 3,
			maxCalls: 12,
		},
		{
			name:     "backs off after error",
			interval: time.Millisecond,
			backoff:  200 * time.Millisecond,
			failing:  true,
			runFor:   100 * time.Millisecond,
			minCalls: 1,
			maxCalls: 1,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			w := New(Config{
				Name:         "test-worker",
				Interval:     tt.interval,
				ErrorBackoff: tt.backoff,
				Processor: ProcessorFunc(func(ctx context.Context) error {
					calls.Add(1)
					if tt.failing {
						return errors.New("storage unavailable")
					}
					return nil
				}),
			})

			ctx, cancel := context.WithTimeout(context.Background(), tt.runFor)
			defer cancel()
			done := make(chan struct{})
			go func() {
				w.Run(ctx)
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("worker did not stop after context cancellation")
			}
			assert.GreaterOrEqual(t, calls.Load(), tt.minCalls)
			assert.LessOrEqual(t, calls.Load(), tt.maxCalls)
		})
	}
}

func Test_New_DefaultBackoff(t *testing.T) {
	w := New(Config{Name: "w"})
	assert.Equal(t, DefaultErrorBackoff, w.errorBackoff)
}
