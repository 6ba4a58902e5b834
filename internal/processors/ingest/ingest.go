package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"telemetry-relay/internal/cache"
	k "telemetry-relay/internal/kafka"
	"telemetry-relay/internal/telemetry"
	"telemetry-relay/internal/worker"

	"github.com/segmentio/kafka-go"
)

var (
	ErrReadMessage     = errors.New("error reading message")
	ErrJSONParse       = errors.New("error parsing JSON")
	ErrInvalidResult   = errors.New("invalid result")
	ErrUnorderedResult = errors.New("out of order result")
)

type deviceCache interface {
	// Advance stores state unless a newer one is cached, atomically.
	Advance(key telemetry.RoomKey, state cache.InstrumentState) bool
}

type resultSink interface {
	OnTelemetryResult(ctx context.Context, result telemetry.Result)
}

type publisher interface {
	Publish(ctx context.Context, result telemetry.Result) error
}

type Config struct {
	Brokers         string
	ConsumerGroupID string
	ConsumerTopic   string
	Cache           deviceCache
	Sink            resultSink
	// Mirror is optional.
	Mirror publisher
}

// Ingest feeds parsed results into the alarm pipeline. Results arrive from
// the telemetry topic or directly from agent sockets through Accept.
type Ingest struct {
	worker *worker.Worker
	reader k.Reader
	cache  deviceCache
	sink   resultSink
	mirror publisher
}

func New(cfg Config) *Ingest {
	ingest := &Ingest{
		cache:  cfg.Cache,
		sink:   cfg.Sink,
		mirror: cfg.Mirror,
	}
	if cfg.ConsumerTopic != "" {
		ingest.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{cfg.Brokers},
			GroupID: cfg.ConsumerGroupID,
			Topic:   cfg.ConsumerTopic,
		})
	}

	ingest.worker = worker.New(worker.Config{
		Name:      "ingest-worker",
		Processor: ingest,
	})
	return ingest
}

// Run consumes the telemetry topic until ctx is done. Without a topic it
// returns immediately.
func (i *Ingest) Run(ctx context.Context) {
	if i.reader == nil {
		return
	}
	i.worker.Run(ctx)
}

func (i *Ingest) Close(ctx context.Context) {
	slog.InfoContext(ctx, "Closing ingest resources...")
	if i.reader != nil {
		i.reader.Close()
	}
}

// Process handles one record. Invalid records are logged and skipped, only
// read failures are returned to the worker.
// Auto-commit active
func (i *Ingest) Process(ctx context.Context) error {
	if err := i.ProcessMessage(ctx); err != nil && errors.Is(err, ErrReadMessage) {
		return err
	}
	return nil
}

func (i *Ingest) ProcessMessage(ctx context.Context) error {
	const fn = "Ingest:ProcessMessage"
	m, err := i.reader.ReadMessage(ctx)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrReadMessage, err)
	}
	var record k.UnstructuredConnectRecord
	if err := json.Unmarshal(m.Value, &record); err != nil {
		slog.ErrorContext(ctx, "Error parsing JSON", "error", err)
		return fmt.Errorf("%s:%w:%w", fn, ErrJSONParse, err)
	}
	return i.Accept(ctx, record.Payload.ToResult())
}

// Accept validates a result, records it as the instrument's latest and hands
// it to the pipeline. Mirroring is best effort.
func (i *Ingest) Accept(ctx context.Context, result telemetry.Result) error {
	const fn = "Ingest:Accept"
	if err := i.validateResult(result); err != nil {
		slog.InfoContext(ctx, "Invalid result, skipping",
			"error", err,
			"device_id", result.DeviceID,
			"sub_device_id", result.SubDeviceID,
			"timestamp", result.Timestamp,
		)
		return fmt.Errorf("%s:%w", fn, err)
	}

	i.sink.OnTelemetryResult(ctx, result)

	if i.mirror != nil {
		if err := i.mirror.Publish(ctx, result); err != nil {
			slog.ErrorContext(ctx, "Error mirroring result", "error", err, "room", telemetry.KeyOf(result).String())
		}
	}
	return nil
}

func (i *Ingest) validateResult(result telemetry.Result) error {
	if result.DeviceID <= 0 || len(result.Items) == 0 {
		return ErrInvalidResult
	}
	advanced := i.cache.Advance(telemetry.KeyOf(result), cache.InstrumentState{
		LastParentID:      result.ParentID,
		LastTimestampSeen: result.Timestamp.UnixMilli(),
	})
	if !advanced {
		return ErrUnorderedResult
	}
	return nil
}
