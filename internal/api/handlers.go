package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"telemetry-relay/internal/registry"
	"telemetry-relay/internal/telemetry"
	"telemetry-relay/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (a *API) ListRooms(w http.ResponseWriter, r *http.Request) {
	keys := a.router.ActiveRooms()
	resp := ListRoomsResponse{Sessions: a.router.SessionCount(), Rooms: make([]Room, 0, len(keys))}
	for _, key := range keys {
		resp.Rooms = append(resp.Rooms, roomOf(key, a.router.SubscriberCount(key.DeviceID, key.SubDeviceID)))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) GetRoom(w http.ResponseWriter, r *http.Request) {
	deviceID, err := int64Param(r, "device_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device_id")
		return
	}
	subDeviceID, err := int64Param(r, "sub_device_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sub_device_id")
		return
	}
	key := telemetry.RoomKey{DeviceID: deviceID, SubDeviceID: subDeviceID}
	writeJSON(w, http.StatusOK, roomOf(key, a.router.SubscriberCount(deviceID, subDeviceID)))
}

func (a *API) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListAgentsResponse{Agents: a.registry.Agents()})
}

// PostOperation forwards a control command to the agent that owns the
// device, subject to the per-device operation cooldown.
func (a *API) PostOperation(w http.ResponseWriter, r *http.Request) {
	deviceID, err := int64Param(r, "device_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device_id")
		return
	}
	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operation == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agentName, ok := a.registry.AgentForDevice(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "no live agent for device")
		return
	}

	decision := a.limiter.CheckAndRecord(deviceID, req.Operation)
	if !decision.Allowed {
		writeJSON(w, http.StatusTooManyRequests, OperationResponse{
			RemainingSeconds: decision.RemainingSeconds,
			Message:          "operation is cooling down",
		})
		return
	}

	commandID := uuid.NewString()
	env, err := wire.New(wire.TypeCommand, commandID, Command{
		DeviceID:    deviceID,
		SubDeviceID: req.SubDeviceID,
		Operation:   req.Operation,
		Schema:      req.Schema,
		Content:     req.Content,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command content")
		return
	}
	if err := a.registry.Send(agentName, env); err != nil {
		slog.ErrorContext(r.Context(), "Error forwarding command", "agent", agentName, "device_id", deviceID, "error", err)
		if errors.Is(err, registry.ErrAgentNotLive) {
			writeError(w, http.StatusNotFound, "no live agent for device")
			return
		}
		writeError(w, http.StatusBadGateway, "agent unreachable")
		return
	}

	slog.InfoContext(r.Context(), "Command forwarded",
		"agent", agentName,
		"device_id", deviceID,
		"operation", req.Operation,
		"command_id", commandID,
	)
	writeJSON(w, http.StatusAccepted, OperationResponse{Allowed: true, CommandID: commandID, Agent: agentName})
}

func (a *API) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.queue.Stats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
