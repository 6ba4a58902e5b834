package kafka

import (
	"context"
	"time"

	"telemetry-relay/internal/telemetry"

	"github.com/segmentio/kafka-go"
)

type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Lag() int64
	Close() error
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// UnstructuredConnectRecord is what the protocol gateways publish.
type UnstructuredConnectRecord struct {
	Payload TelemetryResult `json:"payload"`
}

// StructuredConnectRecord carries its schema so the history sink connector
// can map it to a table without a registry.
type StructuredConnectRecord struct {
	Schema  Schema          `json:"schema"`
	Payload TelemetryResult `json:"payload"`
}

type TelemetryItem struct {
	Name        string `json:"name"`
	RawValue    string `json:"raw_value"`
	ParsedValue any    `json:"parsed_value"`
	AlarmFlag   bool   `json:"alarm_flag"`
	Unit        string `json:"unit,omitempty"`
}

type TelemetryResult struct {
	DeviceID    int64           `json:"device_id"`
	SubDeviceID int64           `json:"sub_device_id"`
	Items       []TelemetryItem `json:"items"`
	Timestamp   int64           `json:"timestamp"`
	DurationMs  int64           `json:"duration_ms"`
	ParentID    string          `json:"parent_id,omitempty"`
}

func (r TelemetryResult) ToResult() telemetry.Result {
	items := make([]telemetry.Item, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, telemetry.Item{
			Name:        item.Name,
			RawValue:    item.RawValue,
			ParsedValue: item.ParsedValue,
			AlarmFlag:   item.AlarmFlag,
			Unit:        item.Unit,
		})
	}
	return telemetry.Result{
		DeviceID:    r.DeviceID,
		SubDeviceID: r.SubDeviceID,
		Items:       items,
		Timestamp:   time.UnixMilli(r.Timestamp).UTC(),
		DurationMs:  r.DurationMs,
		ParentID:    r.ParentID,
	}
}

func FromResult(r telemetry.Result) TelemetryResult {
	items := make([]TelemetryItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, TelemetryItem{
			Name:        item.Name,
			RawValue:    item.RawValue,
			ParsedValue: item.ParsedValue,
			AlarmFlag:   item.AlarmFlag,
			Unit:        item.Unit,
		})
	}
	return TelemetryResult{
		DeviceID:    r.DeviceID,
		SubDeviceID: r.SubDeviceID,
		Items:       items,
		Timestamp:   r.Timestamp.UnixMilli(),
		DurationMs:  r.DurationMs,
		ParentID:    r.ParentID,
	}
}

type Schema struct {
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	Fields   []Field `json:"fields"`
	Optional bool    `json:"optional"`
}

type Field struct {
	Field    string  `json:"field"`
	Type     string  `json:"type"`
	Optional bool    `json:"optional,omitempty"`
	Items    *Schema `json:"items,omitempty"`
}

var itemSchema = Schema{
	Type: "struct",
	Name: "TelemetryItem",
	Fields: []Field{
		{Field: "name", Type: "string"},
		{Field: "raw_value", Type: "string"},
		{Field: "parsed_value", Type: "string", Optional: true},
		{Field: "alarm_flag", Type: "boolean"},
		{Field: "unit", Type: "string", Optional: true},
	},
}

var StructuredSchema = Schema{
	Type:     "struct",
	Name:     "TelemetryResult",
	Optional: false,
	Fields: []Field{
		{Field: "device_id", Type: "int64"},
		{Field: "sub_device_id", Type: "int64"},
		{Field: "items", Type: "array", Items: &itemSchema},
		{Field: "timestamp", Type: "int64"},
		{Field: "duration_ms", Type: "int64"},
		{Field: "parent_id", Type: "string", Optional: true},
	},
}
