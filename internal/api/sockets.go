package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	k "telemetry-relay/internal/kafka"
	"telemetry-relay/internal/registry"
	"telemetry-relay/internal/router"
	"telemetry-relay/internal/telemetry"
	"telemetry-relay/internal/wire"
)

const (
	reasonInvalidToken      = "invalid_token"
	reasonBadRequest        = "bad_request"
	reasonUnknownType       = "unknown_type"
	reasonNotRegistered     = "not_registered"
	reasonAlreadyRegistered = "already_registered"
	reasonRejected          = "rejected"
	reasonNotOwned          = "device_not_owned"
)

// ServeBrowser upgrades a browser session. The session starts anonymous and
// lives until the socket closes or the heartbeat sweep drops it.
func (a *API) ServeBrowser(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return
	}
	conn := wire.NewConn(ws, wire.DefaultSendBuffer)
	go conn.WritePump()

	ctx := r.Context()
	sessionID := a.router.Connect(conn)
	slog.InfoContext(ctx, "Browser session connected", "session", sessionID, "remote_addr", conn.RemoteAddr())
	defer func() {
		a.router.Disconnect(sessionID)
		slog.InfoContext(ctx, "Browser session closed", "session", sessionID)
	}()

	if err := conn.ReadLoop(ctx, func(env wire.Envelope) {
		reply(ctx, conn, env.ID, a.handleBrowser(ctx, sessionID, env))
	}); err != nil {
		slog.InfoContext(ctx, "Browser session read failed", "session", sessionID, "error", err)
	}
}

func (a *API) handleBrowser(ctx context.Context, sessionID string, env wire.Envelope) wire.Ack {
	switch env.Type {
	case wire.TypeAuth:
		var req AuthRequest
		if err := env.Decode(&req); err != nil {
			return wire.Ack{Reason: reasonBadRequest, Message: "token is required"}
		}
		id, err := a.router.Authenticate(ctx, sessionID, req.Token)
		if err != nil {
			if errors.Is(err, router.ErrUnknownSession) {
				return wire.Ack{Reason: router.ReasonUnknownSession, Message: "session is not connected"}
			}
			return wire.Ack{Reason: reasonInvalidToken, Message: "token rejected"}
		}
		return wire.Ack{Success: true, Data: id}

	case wire.TypeJoin:
		var req RoomRequest
		if err := env.Decode(&req); err != nil {
			return wire.Ack{Reason: reasonBadRequest, Message: "deviceId and subDeviceId are required"}
		}
		res := a.router.Join(ctx, sessionID, telemetry.RoomKey{DeviceID: req.DeviceID, SubDeviceID: req.SubDeviceID})
		return wire.Ack{Success: res.Accepted, Reason: res.Reason, Message: res.Message}

	case wire.TypeLeave:
		var req RoomRequest
		if err := env.Decode(&req); err != nil {
			return wire.Ack{Reason: reasonBadRequest, Message: "deviceId and subDeviceId are required"}
		}
		a.router.Leave(sessionID, telemetry.RoomKey{DeviceID: req.DeviceID, SubDeviceID: req.SubDeviceID})
		return wire.Ack{Success: true}

	case wire.TypeHeartbeat:
		now, err := a.router.Heartbeat(sessionID)
		if err != nil {
			return wire.Ack{Reason: router.ReasonUnknownSession, Message: "session is not connected"}
		}
		return wire.Ack{Success: true, Data: HeartbeatResponse{ServerTime: now.UnixMilli()}}

	default:
		return wire.Ack{Reason: reasonUnknownType, Message: "unsupported message type " + env.Type}
	}
}

// ServeAgent upgrades a device agent connection. The first accepted
// register message binds the socket to an agent name.
func (a *API) ServeAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return
	}
	conn := wire.NewConn(ws, wire.DefaultSendBuffer)
	go conn.WritePump()

	ctx := r.Context()
	s := &agentSocket{api: a, conn: conn}
	defer func() {
		if s.agent != nil {
			a.registry.Disconnected(ctx, s.agent)
		}
		conn.Close()
	}()

	if err := conn.ReadLoop(ctx, func(env wire.Envelope) {
		if ack, ok := s.handle(ctx, env); ok {
			reply(ctx, conn, env.ID, ack)
		}
	}); err != nil {
		slog.InfoContext(ctx, "Agent read failed", "remote_addr", conn.RemoteAddr(), "error", err)
	}
}

type agentSocket struct {
	api   *API
	conn  *wire.Conn
	agent *registry.Agent
}

// handle returns the ack to send, if any. Results are acked only when the
// agent asked for it with an id.
func (s *agentSocket) handle(ctx context.Context, env wire.Envelope) (wire.Ack, bool) {
	if env.Type != wire.TypeRegister && s.agent == nil {
		return wire.Ack{Reason: reasonNotRegistered, Message: "register first"}, true
	}

	switch env.Type {
	case wire.TypeRegister:
		if s.agent != nil {
			return wire.Ack{Reason: reasonAlreadyRegistered, Message: "connection already registered as " + s.agent.Name()}, true
		}
		var md registry.Metadata
		if err := env.Decode(&md); err != nil {
			return wire.Ack{Reason: reasonBadRequest, Message: "invalid register payload"}, true
		}
		agent, res := s.api.registry.Register(ctx, s.conn, md)
		if !res.Accepted {
			return wire.Ack{Reason: res.Reason, Message: res.Message}, true
		}
		s.agent = agent
		return wire.Ack{Success: true}, true

	case wire.TypeResult:
		s.api.registry.Touch(s.agent)
		var payload k.TelemetryResult
		if err := env.Decode(&payload); err != nil {
			return wire.Ack{Reason: reasonBadRequest, Message: "invalid result payload"}, env.ID != ""
		}
		if !s.agent.Owns(payload.DeviceID) {
			return wire.Ack{Reason: reasonNotOwned, Message: fmt.Sprintf("device %d is not bound to %s", payload.DeviceID, s.agent.Name())}, env.ID != ""
		}
		if err := s.api.ingest.Accept(ctx, payload.ToResult()); err != nil {
			return wire.Ack{Reason: reasonRejected, Message: err.Error()}, env.ID != ""
		}
		return wire.Ack{Success: true}, env.ID != ""

	case wire.TypeCommandAck:
		s.api.registry.Touch(s.agent)
		var ack CommandAck
		if err := env.Decode(&ack); err != nil {
			slog.InfoContext(ctx, "Malformed command ack", "agent", s.agent.Name(), "error", err)
			return wire.Ack{}, false
		}
		slog.InfoContext(ctx, "Command acknowledged",
			"agent", s.agent.Name(),
			"command_id", env.ID,
			"success", ack.Success,
			"message", ack.Message,
		)
		return wire.Ack{}, false

	case wire.TypeHeartbeat:
		s.api.registry.Touch(s.agent)
		return wire.Ack{Success: true}, true

	default:
		return wire.Ack{Reason: reasonUnknownType, Message: "unsupported message type " + env.Type}, true
	}
}

func reply(ctx context.Context, conn *wire.Conn, id string, ack wire.Ack) {
	env, err := wire.NewAck(id, ack)
	if err != nil {
		slog.ErrorContext(ctx, "Error encoding ack", "error", err)
		return
	}
	if err := conn.Send(env); err != nil {
		slog.InfoContext(ctx, "Error sending ack", "remote_addr", conn.RemoteAddr(), "error", err)
	}
}
