package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"telemetry-relay/internal/auth"
	"telemetry-relay/internal/jobqueue"
	"telemetry-relay/internal/ratelimit"
	"telemetry-relay/internal/registry"
	"telemetry-relay/internal/router"
	"telemetry-relay/internal/telemetry"
	"telemetry-relay/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type sessionRouter interface {
	Connect(conn router.Conn) string
	Authenticate(ctx context.Context, sessionID, token string) (auth.Identity, error)
	Join(ctx context.Context, sessionID string, key telemetry.RoomKey) router.Result
	Leave(sessionID string, key telemetry.RoomKey)
	Heartbeat(sessionID string) (time.Time, error)
	Disconnect(sessionID string)
	SubscriberCount(deviceID, subDeviceID int64) int
	ActiveRooms() []telemetry.RoomKey
	SessionCount() int
}

type agentRegistry interface {
	Register(ctx context.Context, conn registry.Conn, md registry.Metadata) (*registry.Agent, registry.Result)
	Disconnected(ctx context.Context, agent *registry.Agent)
	Touch(agent *registry.Agent)
	Agents() []registry.AgentInfo
	AgentForDevice(deviceID int64) (string, bool)
	Send(name string, env wire.Envelope) error
}

type operationLimiter interface {
	CheckAndRecord(deviceID int64, operation string) ratelimit.Decision
}

type resultAcceptor interface {
	Accept(ctx context.Context, result telemetry.Result) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type queueStats interface {
	Stats(ctx context.Context, queue string) (jobqueue.Stats, error)
}

type Config struct {
	Router   sessionRouter
	Registry agentRegistry
	Limiter  operationLimiter
	Ingest   resultAcceptor
	Queue    queueStats
	// DB is pinged by /health when set.
	DB pinger
	// Gatherer serves /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer
	// CheckOrigin overrides the websocket origin check.
	CheckOrigin func(r *http.Request) bool
}

type API struct {
	router   sessionRouter
	registry agentRegistry
	limiter  operationLimiter
	ingest   resultAcceptor
	queue    queueStats
	db       pinger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

func New(cfg Config) *API {
	return &API{
		router:   cfg.Router,
		registry: cfg.Registry,
		limiter:  cfg.Limiter,
		ingest:   cfg.Ingest,
		queue:    cfg.Queue,
		db:       cfg.DB,
		gatherer: cfg.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.Health)
	r.Get("/ws", a.ServeBrowser)
	r.Get("/agent", a.ServeAgent)
	r.Get("/rooms", a.ListRooms)
	r.Get("/rooms/{device_id}/{sub_device_id}", a.GetRoom)
	r.Get("/agents", a.ListAgents)
	r.Post("/devices/{device_id}/operations", a.PostOperation)
	r.Get("/queues/{queue}/stats", a.GetQueueStats)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		if err := a.db.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func int64Param(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
