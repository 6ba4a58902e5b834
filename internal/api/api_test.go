package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"telemetry-relay/internal/auth"
	"telemetry-relay/internal/jobqueue"
	k "telemetry-relay/internal/kafka"
	"telemetry-relay/internal/ratelimit"
	"telemetry-relay/internal/registry"
	"telemetry-relay/internal/router"
	"telemetry-relay/internal/telemetry"
	"telemetry-relay/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type bindings map[int64][]int64

func (b bindings) IsUserBoundToDevice(_ context.Context, userID, deviceID int64) (bool, error) {
	for _, id := range b[userID] {
		if id == deviceID {
			return true, nil
		}
	}
	return false, nil
}

type fakeIngest struct {
	mu      sync.Mutex
	results []telemetry.Result
	err     error
}

func (f *fakeIngest) Accept(_ context.Context, result telemetry.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.results = append(f.results, result)
	return nil
}

func (f *fakeIngest) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

type agentConn struct {
	mu      sync.Mutex
	sent    []wire.Envelope
	sendErr error
}

func (c *agentConn) Send(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *agentConn) Close() error       { return nil }
func (c *agentConn) RemoteAddr() string { return "10.0.0.1:5000" }

type harness struct {
	api      *API
	router   *router.Router
	registry *registry.Registry
	ingest   *fakeIngest
	stats    *MockqueueStats
	verifier *auth.Verifier
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		ingest:   &fakeIngest{},
		stats:    NewMockqueueStats(t),
		verifier: auth.New(auth.Config{Secret: "test-secret"}),
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.router = router.New(router.Config{
		Verifier: h.verifier,
		Bindings: bindings{1: {10}},
	})
	h.registry = registry.New(registry.Config{})
	h.api = New(Config{
		Router:   h.router,
		Registry: h.registry,
		Limiter:  ratelimit.New(ratelimit.Config{Now: func() time.Time { return h.now }}),
		Ingest:   h.ingest,
		Queue:    h.stats,
		Gatherer: prometheus.NewRegistry(),
	})
	return h
}

func (h *harness) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := h.verifier.Issue(auth.Identity{UserID: userID, Username: "user"})
	require.NoError(t, err)
	return token
}

func serve(h *harness, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.api.Routes().ServeHTTP(w, req)
	return w
}

func Test_PostOperation(t *testing.T) {
	cases := []struct {
		name              string
		setup             func(*harness) *agentConn
		target            string
		body              string
		expectedStatus    int
		expectedRemaining int
		expectedCommands  int
	}{
		{
			name:           "invalid device id",
			target:         "/devices/abc/operations",
			body:           `{"operation":"restart"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing operation",
			target:         "/devices/10/operations",
			body:           `{}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "no live agent",
			target:         "/devices/10/operations",
			body:           `{"operation":"restart"}`,
			expectedStatus: http.StatusNotFound,
		},
		{
			name: "forwarded",
			setup: func(h *harness) *agentConn {
				conn := &agentConn{}
				h.registry.Register(context.Background(), conn, registry.Metadata{
					Name:    "N1",
					Devices: []registry.DeviceBinding{{DeviceID: 10, SubDeviceIDs: []int64{1}}},
				})
				return conn
			},
			target:           "/devices/10/operations",
			body:             `{"operation":"restart","subDeviceId":1,"schema":"modbus.write.v1","content":{"register":40001}}`,
			expectedStatus:   http.StatusAccepted,
			expectedCommands: 1,
		},
		{
			name: "cooling down",
			setup: func(h *harness) *agentConn {
				conn := &agentConn{}
				h.registry.Register(context.Background(), conn, registry.Metadata{
					Name:    "N1",
					Devices: []registry.DeviceBinding{{DeviceID: 10}},
				})
				h.api.limiter.CheckAndRecord(10, ratelimit.OpRestart)
				h.now = h.now.Add(15 * time.Second)
				return conn
			},
			target:            "/devices/10/operations",
			body:              `{"operation":"restart"}`,
			expectedStatus:    http.StatusTooManyRequests,
			expectedRemaining: 45,
		},
		{
			name: "agent unreachable",
			setup: func(h *harness) *agentConn {
				conn := &agentConn{sendErr: wire.ErrSendBufferFull}
				h.registry.Register(context.Background(), conn, registry.Metadata{
					Name:    "N1",
					Devices: []registry.DeviceBinding{{DeviceID: 10}},
				})
				return conn
			},
			target:         "/devices/10/operations",
			body:           `{"operation":"status"}`,
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var conn *agentConn
			if tt.setup != nil {
				conn = tt.setup(h)
			}

			w := serve(h, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp OperationResponse
			json.NewDecoder(w.Body).Decode(&resp)
			assert.Equal(t, tt.expectedRemaining, resp.RemainingSeconds)

			if conn == nil {
				return
			}
			require.Len(t, conn.sent, tt.expectedCommands)
			if tt.expectedCommands > 0 {
				env := conn.sent[0]
				assert.Equal(t, wire.TypeCommand, env.Type)
				assert.Equal(t, resp.CommandID, env.ID)
				assert.Equal(t, "N1", resp.Agent)

				var cmd Command
				require.NoError(t, env.Decode(&cmd))
				assert.Equal(t, int64(10), cmd.DeviceID)
				assert.Equal(t, int64(1), cmd.SubDeviceID)
				assert.Equal(t, "modbus.write.v1", cmd.Schema)
				assert.JSONEq(t, `{"register":40001}`, string(cmd.Content))
			}
		})
	}
}

func Test_GetQueueStats(t *testing.T) {
	cases := []struct {
		name           string
		stats          jobqueue.Stats
		err            error
		expectedStatus int
	}{
		{name: "ok", stats: jobqueue.Stats{Pending: 3, Failed: 1}, expectedStatus: http.StatusOK},
		{name: "store error", err: errors.New("db down"), expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.stats.EXPECT().Stats(mock.Anything, "notifications").Return(tt.stats, tt.err)

			w := serve(h, http.MethodGet, "/queues/notifications/stats", "")
			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.err == nil {
				var got jobqueue.Stats
				require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
				assert.Equal(t, tt.stats, got)
			}
		})
	}
}

type discardConn struct{}

func (discardConn) Send(wire.Envelope) error { return nil }
func (discardConn) Close() error             { return nil }

func Test_Diagnostics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session := h.router.Connect(discardConn{})
	_, err := h.router.Authenticate(ctx, session, h.token(t, 1))
	require.NoError(t, err)
	require.True(t, h.router.Join(ctx, session, telemetry.RoomKey{DeviceID: 10, SubDeviceID: 2}).Accepted)
	h.registry.Register(ctx, &agentConn{}, registry.Metadata{Name: "N1"})

	w := serve(h, http.MethodGet, "/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rooms ListRoomsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rooms))
	assert.Equal(t, ListRoomsResponse{
		Sessions: 1,
		Rooms:    []Room{{Key: "device_10_2", DeviceID: 10, SubDeviceID: 2, Subscribers: 1}},
	}, rooms)

	w = serve(h, http.MethodGet, "/rooms/10/2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var room Room
	require.NoError(t, json.NewDecoder(w.Body).Decode(&room))
	assert.Equal(t, 1, room.Subscribers)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/rooms/x/2", "").Code)

	w = serve(h, http.MethodGet, "/agents", "")
	var agents ListAgentsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "N1", agents.Agents[0].Name)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", "").Code)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func Test_Health(t *testing.T) {
	cases := []struct {
		name           string
		db             pinger
		expectedStatus int
	}{
		{name: "no database configured", expectedStatus: http.StatusOK},
		{name: "database up", db: pingFunc(func(context.Context) error { return nil }), expectedStatus: http.StatusOK},
		{name: "database down", db: pingFunc(func(context.Context) error { return errors.New("refused") }), expectedStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.api.db = tt.db
			assert.Equal(t, tt.expectedStatus, serve(h, http.MethodGet, "/health", "").Code)
		})
	}
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func request(t *testing.T, ws *websocket.Conn, typ, id string, data any) {
	t.Helper()
	env, err := wire.New(typ, id, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func next(t *testing.T, ws *websocket.Conn) wire.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env wire.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func ack(t *testing.T, ws *websocket.Conn, id string) wire.Ack {
	t.Helper()
	env := next(t, ws)
	require.Equal(t, wire.TypeAck, env.Type)
	require.Equal(t, id, env.ID)
	var a wire.Ack
	require.NoError(t, env.Decode(&a))
	return a
}

func Test_BrowserSocket(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.api.Routes())
	defer srv.Close()
	ws := dial(t, srv, "/ws")
	room := RoomRequest{DeviceID: 10, SubDeviceID: 1}

	request(t, ws, wire.TypeJoin, "1", room)
	assert.Equal(t, router.ReasonPermissionDenied, ack(t, ws, "1").Reason)

	request(t, ws, wire.TypeAuth, "2", AuthRequest{Token: "forged"})
	assert.Equal(t, reasonInvalidToken, ack(t, ws, "2").Reason)

	request(t, ws, wire.TypeAuth, "3", AuthRequest{Token: h.token(t, 1)})
	assert.True(t, ack(t, ws, "3").Success)

	request(t, ws, wire.TypeJoin, "4", RoomRequest{DeviceID: 11})
	assert.Equal(t, router.ReasonPermissionDenied, ack(t, ws, "4").Reason)

	request(t, ws, wire.TypeJoin, "5", room)
	assert.True(t, ack(t, ws, "5").Success)
	assert.Equal(t, 1, h.router.SubscriberCount(10, 1))

	request(t, ws, wire.TypeHeartbeat, "6", nil)
	hb := ack(t, ws, "6")
	assert.True(t, hb.Success)
	assert.NotNil(t, hb.Data)

	h.router.Push(context.Background(), telemetry.RoomKey{DeviceID: 10, SubDeviceID: 1}, wire.TypeData, map[string]string{"v": "1"})
	assert.Equal(t, wire.TypeData, next(t, ws).Type)

	request(t, ws, wire.TypeLeave, "7", room)
	assert.True(t, ack(t, ws, "7").Success)
	assert.Equal(t, 0, h.router.SubscriberCount(10, 1))

	request(t, ws, "bogus", "8", nil)
	assert.Equal(t, reasonUnknownType, ack(t, ws, "8").Reason)

	ws.Close()
	assert.Eventually(t, func() bool { return h.router.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func Test_AgentSocket(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.api.Routes())
	defer srv.Close()
	meta := registry.Metadata{
		Name:          "N1",
		MaxSubDevices: 4,
		Devices:       []registry.DeviceBinding{{DeviceID: 10, SubDeviceIDs: []int64{1, 2}}},
	}
	result := k.TelemetryResult{
		DeviceID:    10,
		SubDeviceID: 1,
		Items:       []k.TelemetryItem{{Name: "temp", RawValue: "20"}},
		Timestamp:   1700000000000,
	}

	first := dial(t, srv, "/agent")
	request(t, first, wire.TypeResult, "1", result)
	assert.Equal(t, reasonNotRegistered, ack(t, first, "1").Reason)

	request(t, first, wire.TypeRegister, "2", meta)
	require.True(t, ack(t, first, "2").Success)
	assert.True(t, h.registry.IsLive("N1"))

	request(t, first, wire.TypeRegister, "3", meta)
	assert.Equal(t, reasonAlreadyRegistered, ack(t, first, "3").Reason)

	request(t, first, wire.TypeResult, "4", result)
	assert.True(t, ack(t, first, "4").Success)
	assert.Equal(t, 1, h.ingest.count())

	foreign := result
	foreign.DeviceID = 11
	request(t, first, wire.TypeResult, "6", foreign)
	assert.Equal(t, reasonNotOwned, ack(t, first, "6").Reason)
	assert.Equal(t, 1, h.ingest.count())

	h.ingest.mu.Lock()
	h.ingest.err = errors.New("out of order")
	h.ingest.mu.Unlock()
	request(t, first, wire.TypeResult, "5", result)
	assert.Equal(t, reasonRejected, ack(t, first, "5").Reason)

	// Same name from a second socket evicts the first.
	second := dial(t, srv, "/agent")
	request(t, second, wire.TypeRegister, "1", meta)
	require.True(t, ack(t, second, "1").Success)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, h.registry.IsLive("N1"))
	agents := h.registry.Agents()
	require.Len(t, agents, 1)

	second.Close()
	assert.Eventually(t, func() bool { return !h.registry.IsLive("N1") }, 5*time.Second, 10*time.Millisecond)
}
