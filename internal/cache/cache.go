package cache

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

var (
	ErrReadMessage  = errors.New("error reading message")
	ErrParseMessage = errors.New("error parsing message")
)

// InstrumentState is the last accepted result of one instrument stream.
type InstrumentState struct {
	LastParentID      string
	LastTimestampSeen int64
}

type Config struct {
	Brokers       string
	ConsumerTopic string
}

// StateCache is rebuilt from the compacted latest-result topic on start and
// kept current by the ingest path afterwards.
type StateCache struct {
	brokers string
	mu      sync.RWMutex
	store   map[telemetry.RoomKey]InstrumentState
	reader  k.Reader
}

func New(cfg Config) *StateCache {
	cache := &StateCache{
		store: make(map[telemetry.RoomKey]InstrumentState),
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{cfg.Brokers},
			Topic:       cfg.ConsumerTopic,
			StartOffset: kafka.FirstOffset,
			// No consumer group for one-time read
		}),
		brokers: cfg.Brokers,
	}

	return cache
}

// NewMemory returns a cache that is never hydrated.
func NewMemory() *StateCache {
	return &StateCache{store: make(map[telemetry.RoomKey]InstrumentState)}
}

func (c *StateCache) Get(key telemetry.RoomKey) (InstrumentState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, exists := c.store[key]
	return state, exists
}

func (c *StateCache) Set(key telemetry.RoomKey, state InstrumentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = state
}

// Advance stores state unless the cached entry is newer. It reports whether
// state was stored.
func (c *StateCache) Advance(key telemetry.RoomKey, state InstrumentState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.store[key]; ok && state.LastTimestampSeen < current.LastTimestampSeen {
		return false
	}
	c.store[key] = state
	return true
}

func (c *StateCache) Delete(key telemetry.RoomKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
}

func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Dump logs every entry at debug level.
func (c *StateCache) Dump(ctx context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, state := range c.store {
		slog.DebugContext(ctx, "Cache Dump", "room", key.String(), "state", state)
	}
}

func (c *StateCache) waitForBroker(ctx context.Context, maxWait time.Duration, interval time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		dialCtx, cancel := context.WithTimeout(ctx, interval)
		conn, err := kafka.DialContext(dialCtx, "tcp", c.brokers)
		cancel()
		if err == nil {
			conn.Close()
			slog.InfoContext(ctx, "Broker is ready", "broker", c.brokers)
			return nil
		}
		slog.InfoContext(ctx, "Broker not ready", "broker", c.brokers, "error", err)
		time.Sleep(interval)
	}
	return fmt.Errorf("broker not reachable after %s", maxWait)
}

// Hydrate blocks until the latest-result topic has been read to its end.
func (c *StateCache) Hydrate(ctx context.Context) {
	if c.reader == nil {
		return
	}
	defer c.reader.Close()

	slog.InfoContext(ctx, "Pinging broker to ensure connectivity...")
	if err := c.waitForBroker(ctx, time.Second*30, time.Second*5); err != nil {
		slog.ErrorContext(ctx, "Broker failed to respond", "error", err)
		return
	}

	slog.InfoContext(ctx, "Starting cache hydration...")
	c.consume(ctx)
}

func (c *StateCache) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Cache hydrate stopped...")
			return
		default:
		}
		done, err := c.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, ErrParseMessage) {
				slog.ErrorContext(ctx, "Skipping unparseable record", "error", err)
				continue
			}
			slog.ErrorContext(ctx, "Error reading message", "error", err)
			return
		}
		if done {
			slog.InfoContext(ctx, "Cache hydration complete", "instruments", c.Len())
			return
		}
	}
}

// ReadMessage applies one record from the latest-result topic. done is true
// once the topic has been read to its end.
func (c *StateCache) ReadMessage(ctx context.Context) (bool, error) {
	const fn = "StateCache:ReadMessage"
	readCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	m, err := c.reader.ReadMessage(readCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true, nil // No more messages to read
		}
		return false, fmt.Errorf("%s:%w:%w", fn, ErrReadMessage, err)
	}

	var record k.StructuredConnectRecord
	if err := json.Unmarshal(m.Value, &record); err != nil {
		return false, fmt.Errorf("%s:%w:%w", fn, ErrParseMessage, err)
	}

	key := telemetry.RoomKey{DeviceID: record.Payload.DeviceID, SubDeviceID: record.Payload.SubDeviceID}
	c.Advance(key, InstrumentState{
		LastParentID:      record.Payload.ParentID,
		LastTimestampSeen: record.Payload.Timestamp,
	})

	return c.reader.Lag() == 0, nil
}
