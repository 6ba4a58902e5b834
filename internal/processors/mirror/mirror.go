package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	k "telemetry-relay/internal/kafka"
	"telemetry-relay/internal/telemetry"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultBuffer       = 1024
	DefaultBatchTimeout = 10 * time.Millisecond
)

var (
	ErrMarshal      = errors.New("error marshalling record")
	ErrWriteMessage = errors.New("error writing message")
	ErrBufferFull   = errors.New("mirror buffer full")
	ErrClosed       = errors.New("mirror closed")
)

type Config struct {
	Brokers      string
	HistoryTopic string
	// LatestTopic is compacted and rehydrates the instrument cache on start.
	LatestTopic string
	// Buffer is the number of results queued for writing before Publish
	// starts dropping them.
	Buffer int
}

// Mirror republishes accepted results as structured records, keyed by room.
// Publish only queues; a single goroutine does the kafka writes.
type Mirror struct {
	history k.Writer
	latest  k.Writer

	mu      sync.RWMutex
	closed  bool
	pending chan telemetry.Result
	drained chan struct{}
}

func New(cfg Config) *Mirror {
	var history, latest k.Writer
	if cfg.HistoryTopic != "" {
		history = newWriter(cfg.Brokers, cfg.HistoryTopic)
	}
	if cfg.LatestTopic != "" {
		latest = newWriter(cfg.Brokers, cfg.LatestTopic)
	}
	return newMirror(history, latest, cfg.Buffer)
}

func newWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: DefaultBatchTimeout,
	}
}

func newMirror(history, latest k.Writer, buffer int) *Mirror {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	m := &Mirror{
		history: history,
		latest:  latest,
		pending: make(chan telemetry.Result, buffer),
		drained: make(chan struct{}),
	}
	go m.drain()
	return m
}

func (m *Mirror) drain() {
	defer close(m.drained)
	ctx := context.Background()
	for result := range m.pending {
		if err := m.write(ctx, result); err != nil {
			slog.ErrorContext(ctx, "Error mirroring result", "error", err, "room", telemetry.KeyOf(result).String())
		}
	}
}

// Close stops accepting results, flushes what is queued and closes the
// writers.
func (m *Mirror) Close(ctx context.Context) {
	slog.InfoContext(ctx, "Closing mirror resources...")
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.pending)
	}
	m.mu.Unlock()
	<-m.drained

	for _, w := range []k.Writer{m.history, m.latest} {
		if w != nil {
			w.Close()
		}
	}
}

// Publish queues result for mirroring without waiting for kafka.
func (m *Mirror) Publish(ctx context.Context, result telemetry.Result) error {
	const fn = "Mirror:Publish"
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("%s:%w", fn, ErrClosed)
	}
	select {
	case m.pending <- result:
		return nil
	default:
		return fmt.Errorf("%s:%w", fn, ErrBufferFull)
	}
}

func (m *Mirror) write(ctx context.Context, result telemetry.Result) error {
	const fn = "Mirror:write"
	out, err := json.Marshal(k.StructuredConnectRecord{
		Schema:  k.StructuredSchema,
		Payload: k.FromResult(result),
	})
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrMarshal, err)
	}
	msg := kafka.Message{Key: []byte(telemetry.KeyOf(result).String()), Value: out}

	var errs []error
	for _, w := range []k.Writer{m.history, m.latest} {
		if w == nil {
			continue
		}
		if err := w.WriteMessages(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s:%w:%w", fn, ErrWriteMessage, errors.Join(errs...))
	}
	slog.DebugContext(ctx, "Published mirrored result", "room", string(msg.Key))
	return nil
}
