// Package router fans telemetry out to browser sessions grouped in rooms,
// one room per instrument stream.
//
// Membership is kept as two indexes, room to sessions and session to rooms,
// always mutated together under one lock. Empty rooms are pruned at once so
// the index grows with active interest rather than with the device count.
// Permission is checked only at join time.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"telemetry-relay/internal/auth"
	"telemetry-relay/internal/telemetry"
	"telemetry-relay/internal/wire"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultSweepInterval    = 30 * time.Second
	DefaultHeartbeatTimeout = 60 * time.Second
)

const (
	ReasonPermissionDenied = "permission_denied"
	ReasonUnknownSession   = "unknown_session"
	ReasonLookupFailed     = "lookup_failed"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrAuthenticate   = errors.New("authentication failed")
)

// Conn is the transport of one browser session.
type Conn interface {
	Send(env wire.Envelope) error
	Close() error
}

type verifier interface {
	Verify(token string) (auth.Identity, error)
}

type bindingLookup interface {
	IsUserBoundToDevice(ctx context.Context, userID, deviceID int64) (bool, error)
}

type Config struct {
	Verifier         verifier
	Bindings         bindingLookup
	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration
	Now              func() time.Time
	Registry         prometheus.Registerer
}

// Result is the outcome of a join. A denial is not an error.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

type session struct {
	id            string
	conn          Conn
	identity      *auth.Identity
	lastHeartbeat time.Time
}

type Router struct {
	verifier         verifier
	bindings         bindingLookup
	sweepInterval    time.Duration
	heartbeatTimeout time.Duration
	now              func() time.Time
	metrics          *metrics

	mu       sync.Mutex
	sessions map[string]*session
	rooms    map[telemetry.RoomKey]map[string]*session
	joined   map[string]map[telemetry.RoomKey]struct{}
}

func New(cfg Config) *Router {
	r := &Router{
		verifier:         cfg.Verifier,
		bindings:         cfg.Bindings,
		sweepInterval:    cfg.SweepInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		now:              cfg.Now,
		metrics:          newMetrics(cfg.Registry),
		sessions:         make(map[string]*session),
		rooms:            make(map[telemetry.RoomKey]map[string]*session),
		joined:           make(map[string]map[telemetry.RoomKey]struct{}),
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.heartbeatTimeout <= 0 {
		r.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Connect registers an anonymous session and returns its id.
func (r *Router) Connect(conn Conn) string {
	s := &session{id: uuid.NewString(), conn: conn, lastHeartbeat: r.now()}
	r.mu.Lock()
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()
	r.metrics.setSessions(count)
	return s.id
}

// Authenticate attaches the identity carried by token to the session. A
// failed verification leaves the session anonymous.
func (r *Router) Authenticate(ctx context.Context, sessionID, token string) (auth.Identity, error) {
	const fn = "Router:Authenticate"
	id, verifyErr := r.verifier.Verify(token)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return auth.Identity{}, fmt.Errorf("%s:%w", fn, ErrUnknownSession)
	}
	if verifyErr != nil {
		s.identity = nil
		return auth.Identity{}, fmt.Errorf("%s:%w:%w", fn, ErrAuthenticate, verifyErr)
	}
	s.identity = &id
	slog.InfoContext(ctx, "Session authenticated", "session", sessionID, "user_id", id.UserID)
	return id, nil
}

// Join adds the session to the room of key when its user is bound to the
// device. Anonymous sessions are always denied.
func (r *Router) Join(ctx context.Context, sessionID string, key telemetry.RoomKey) Result {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	var identity *auth.Identity
	if ok {
		identity = s.identity
	}
	r.mu.Unlock()

	if !ok {
		return Result{Reason: ReasonUnknownSession, Message: "session is not connected"}
	}
	if identity == nil {
		r.metrics.denied()
		return Result{Reason: ReasonPermissionDenied, Message: "authentication required"}
	}

	bound, err := r.bindings.IsUserBoundToDevice(ctx, identity.UserID, key.DeviceID)
	if err != nil {
		slog.ErrorContext(ctx, "Binding lookup failed", "session", sessionID, "room", key.String(), "error", err)
		return Result{Reason: ReasonLookupFailed, Message: "binding lookup failed"}
	}
	if !bound {
		r.metrics.denied()
		return Result{Reason: ReasonPermissionDenied, Message: "no access to device"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The session may have gone while the lookup was in flight.
	s, ok = r.sessions[sessionID]
	if !ok {
		return Result{Reason: ReasonUnknownSession, Message: "session is not connected"}
	}
	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]*session)
		r.rooms[key] = members
	}
	members[sessionID] = s
	rooms, ok := r.joined[sessionID]
	if !ok {
		rooms = make(map[telemetry.RoomKey]struct{})
		r.joined[sessionID] = rooms
	}
	rooms[key] = struct{}{}
	r.metrics.setRooms(len(r.rooms))
	return Result{Accepted: true}
}

func (r *Router) Leave(sessionID string, key telemetry.RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, key)
	r.metrics.setRooms(len(r.rooms))
}

func (r *Router) leaveLocked(sessionID string, key telemetry.RoomKey) {
	if members, ok := r.rooms[key]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, key)
		}
	}
	if rooms, ok := r.joined[sessionID]; ok {
		delete(rooms, key)
		if len(rooms) == 0 {
			delete(r.joined, sessionID)
		}
	}
}

// Heartbeat refreshes the session's liveness and returns the server time.
func (r *Router) Heartbeat(sessionID string) (time.Time, error) {
	const fn = "Router:Heartbeat"
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return time.Time{}, fmt.Errorf("%s:%w", fn, ErrUnknownSession)
	}
	s.lastHeartbeat = now
	return now, nil
}

// Disconnect releases every membership of the session and closes its
// transport. Unknown sessions are ignored.
func (r *Router) Disconnect(sessionID string) {
	r.mu.Lock()
	s, ok := r.disconnectLocked(sessionID)
	sessions, rooms := len(r.sessions), len(r.rooms)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.metrics.setSessions(sessions)
	r.metrics.setRooms(rooms)
	s.conn.Close()
}

// DisconnectAll drops every session. Used on shutdown.
func (r *Router) DisconnectAll() int {
	r.mu.Lock()
	dropped := make([]*session, 0, len(r.sessions))
	for id := range r.sessions {
		if s, ok := r.disconnectLocked(id); ok {
			dropped = append(dropped, s)
		}
	}
	r.mu.Unlock()

	r.metrics.setSessions(0)
	r.metrics.setRooms(0)
	for _, s := range dropped {
		s.conn.Close()
	}
	return len(dropped)
}

func (r *Router) disconnectLocked(sessionID string) (*session, bool) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	for key := range r.joined[sessionID] {
		r.leaveLocked(sessionID, key)
	}
	delete(r.joined, sessionID)
	delete(r.sessions, sessionID)
	return s, true
}

// Push sends one event to every session in the room and returns how many
// accepted it. An empty room is a no-op. A session whose send fails is
// disconnected.
func (r *Router) Push(ctx context.Context, key telemetry.RoomKey, typ string, data any) int {
	env, err := wire.New(typ, "", data)
	if err != nil {
		slog.ErrorContext(ctx, "Error encoding push", "room", key.String(), "type", typ, "error", err)
		return 0
	}
	return r.pushEnvelope(ctx, key, env)
}

// PushBatch sends events to the room as a single batch message.
func (r *Router) PushBatch(ctx context.Context, key telemetry.RoomKey, events []any) int {
	if len(events) == 0 {
		return 0
	}
	return r.Push(ctx, key, wire.TypeBatch, events)
}

func (r *Router) pushEnvelope(ctx context.Context, key telemetry.RoomKey, env wire.Envelope) int {
	r.mu.Lock()
	members := make([]*session, 0, len(r.rooms[key]))
	for _, s := range r.rooms[key] {
		members = append(members, s)
	}
	r.mu.Unlock()

	delivered := 0
	for _, s := range members {
		if err := s.conn.Send(env); err != nil {
			slog.ErrorContext(ctx, "Push failed, dropping session", "session", s.id, "room", key.String(), "error", err)
			r.Disconnect(s.id)
			continue
		}
		delivered++
	}
	r.metrics.pushed(env.Type, delivered)
	return delivered
}

func (r *Router) SubscriberCount(deviceID, subDeviceID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[telemetry.RoomKey{DeviceID: deviceID, SubDeviceID: subDeviceID}])
}

// ActiveRooms lists rooms with at least one member, ordered by key.
func (r *Router) ActiveRooms() []telemetry.RoomKey {
	r.mu.Lock()
	keys := make([]telemetry.RoomKey, 0, len(r.rooms))
	for key := range r.rooms {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DeviceID != keys[j].DeviceID {
			return keys[i].DeviceID < keys[j].DeviceID
		}
		return keys[i].SubDeviceID < keys[j].SubDeviceID
	})
	return keys
}

// JoinedRooms lists the rooms a session is a member of.
func (r *Router) JoinedRooms(sessionID string) []telemetry.RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]telemetry.RoomKey, 0, len(r.joined[sessionID]))
	for key := range r.joined[sessionID] {
		keys = append(keys, key)
	}
	return keys
}

func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep disconnects every session silent for longer than the heartbeat
// timeout and returns how many it dropped.
func (r *Router) Sweep(now time.Time) int {
	r.mu.Lock()
	var stale []*session
	for id, s := range r.sessions {
		if now.Sub(s.lastHeartbeat) > r.heartbeatTimeout {
			if dropped, ok := r.disconnectLocked(id); ok {
				stale = append(stale, dropped)
			}
		}
	}
	sessions, rooms := len(r.sessions), len(r.rooms)
	r.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	r.metrics.setSessions(sessions)
	r.metrics.setRooms(rooms)
	for _, s := range stale {
		s.conn.Close()
	}
	r.metrics.swept(len(stale))
	return len(stale)
}

// RunSweeper sweeps on a fixed interval until ctx is done.
func (r *Router) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				slog.InfoContext(ctx, "Swept stale sessions", "count", n)
			}
		}
	}
}
