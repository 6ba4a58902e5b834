package worker

import (
	"context"
	"log/slog"
	"time"
)

const DefaultErrorBackoff = time.Second

type Config struct {
	Name      string
	Processor Processor
	// Interval between two Process calls. Zero runs them back to back,
	// which suits processors that block on their own input (kafka readers).
	Interval time.Duration
	// ErrorBackoff is the pause after a failed Process call.
	ErrorBackoff time.Duration
}

type Processor interface {
	Process(ctx context.Context) error
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context) error

func (f ProcessorFunc) Process(ctx context.Context) error {
	return f(ctx)
}

type Worker struct {
	name         string
	processor    Processor
	interval     time.Duration
	errorBackoff time.Duration
}

func New(cfg Config) *Worker {
	backoff := cfg.ErrorBackoff
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	return &Worker{
		name:         cfg.Name,
		processor:    cfg.Processor,
		interval:     cfg.Interval,
		errorBackoff: backoff,
	}
}

func (w *Worker) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Worker started...", "worker", w.name)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Worker stopped...", "worker", w.name)
			return
		default:
		}

		wait := w.interval
		if err := w.processor.Process(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.ErrorContext(ctx, "Worker cycle failed, backing off", "worker", w.name, "error", err)
			wait = w.errorBackoff
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}
