package telemetry

import (
	"fmt"
	"strings"
	"time"
)

const (
	SeverityWarning = "warning"
	TriggerData     = "data"
)

// Item is one parsed reading inside a result batch.
type Item struct {
	Name        string `json:"name"`
	RawValue    string `json:"rawValue"`
	ParsedValue any    `json:"parsedValue"`
	AlarmFlag   bool   `json:"alarmFlag"`
	Unit        string `json:"unit,omitempty"`
}

// Result is one parsed reading batch for a single instrument. It is never
// mutated once built.
type Result struct {
	DeviceID    int64     `json:"deviceId"`
	SubDeviceID int64     `json:"subDeviceId"`
	Items       []Item    `json:"items"`
	Timestamp   time.Time `json:"timestamp"`
	DurationMs  int64     `json:"durationMs"`
	ParentID    string    `json:"parentId,omitempty"`
}

// AlarmingItems returns the items carrying an alarm flag, in input order.
func (r Result) AlarmingItems() []Item {
	var alarming []Item
	for _, item := range r.Items {
		if item.AlarmFlag {
			alarming = append(alarming, item)
		}
	}
	return alarming
}

type AlarmEvent struct {
	DeviceID    int64     `json:"deviceId"`
	SubDeviceID int64     `json:"subDeviceId"`
	Trigger     string    `json:"trigger"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	Items       []Item    `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewDataAlarm builds the alarm for a result's alarming items. Data alarms
// always carry warning severity.
func NewDataAlarm(r Result, alarming []Item) AlarmEvent {
	names := make([]string, 0, len(alarming))
	for _, item := range alarming {
		names = append(names, item.Name)
	}
	return AlarmEvent{
		DeviceID:    r.DeviceID,
		SubDeviceID: r.SubDeviceID,
		Trigger:     TriggerData,
		Severity:    SeverityWarning,
		Message: fmt.Sprintf("device %d/%d alarm on %s",
			r.DeviceID, r.SubDeviceID, strings.Join(names, ", ")),
		Items:     alarming,
		Timestamp: r.Timestamp,
	}
}
