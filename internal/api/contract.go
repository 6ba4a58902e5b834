package api

import (
	"encoding/json"

	"telemetry-relay/internal/registry"
	"telemetry-relay/internal/telemetry"
)

// Browser socket request bodies.

type AuthRequest struct {
	Token string `json:"token"`
}

type RoomRequest struct {
	DeviceID    int64 `json:"deviceId"`
	SubDeviceID int64 `json:"subDeviceId"`
}

type HeartbeatResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// Device control.

type OperationRequest struct {
	Operation   string          `json:"operation"`
	SubDeviceID int64           `json:"subDeviceId"`
	Schema      string          `json:"schema,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

type OperationResponse struct {
	Allowed          bool   `json:"allowed"`
	RemainingSeconds int    `json:"remainingSeconds,omitempty"`
	CommandID        string `json:"commandId,omitempty"`
	Agent            string `json:"agent,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Command is what an agent receives for an accepted operation. Content is
// passed through untouched and decoded by the agent according to Schema.
type Command struct {
	DeviceID    int64           `json:"deviceId"`
	SubDeviceID int64           `json:"subDeviceId"`
	Operation   string          `json:"operation"`
	Schema      string          `json:"schema,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

type CommandAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Diagnostics.

type Room struct {
	Key         string `json:"key"`
	DeviceID    int64  `json:"deviceId"`
	SubDeviceID int64  `json:"subDeviceId"`
	Subscribers int    `json:"subscribers"`
}

type ListRoomsResponse struct {
	Sessions int    `json:"sessions"`
	Rooms    []Room `json:"rooms"`
}

type ListAgentsResponse struct {
	Agents []registry.AgentInfo `json:"agents"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func roomOf(key telemetry.RoomKey, subscribers int) Room {
	return Room{Key: key.String(), DeviceID: key.DeviceID, SubDeviceID: key.SubDeviceID, Subscribers: subscribers}
}
