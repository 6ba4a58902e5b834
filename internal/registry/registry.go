// Package registry tracks live device agent connections.
//
// An agent name has at most one live connection. Registering a name that is
// already live evicts the old connection first: it is removed and closed
// before the new one is inserted, so no observer ever sees two connections
// for one name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"telemetry-relay/internal/wire"
)

const (
	ReasonInvalidName       = "invalid_name"
	ReasonTooManySubDevices = "too_many_sub_devices"
)

var (
	ErrAgentNotLive = errors.New("agent not live")
	ErrSend         = errors.New("send to agent failed")
)

type Conn interface {
	Send(env wire.Envelope) error
	Close() error
	RemoteAddr() string
}

type metadataStore interface {
	MarkDevicesOnline(ctx context.Context, agentName string, deviceIDs []int64, seenAt time.Time) error
	MarkDevicesOffline(ctx context.Context, agentName string, deviceIDs []int64, seenAt time.Time) error
}

// DeviceBinding lists the sub-devices an agent multiplexes for one device.
type DeviceBinding struct {
	DeviceID     int64   `json:"deviceId"`
	SubDeviceIDs []int64 `json:"subDeviceIds"`
}

// Metadata is what an agent declares in its register message.
type Metadata struct {
	Name          string          `json:"name"`
	MaxSubDevices int             `json:"maxSubDevices"`
	Devices       []DeviceBinding `json:"devices"`
}

func (m Metadata) subDeviceCount() int {
	n := 0
	for _, d := range m.Devices {
		n += len(d.SubDeviceIDs)
	}
	return n
}

func (m Metadata) deviceIDs() []int64 {
	ids := make([]int64, 0, len(m.Devices))
	for _, d := range m.Devices {
		ids = append(ids, d.DeviceID)
	}
	return ids
}

// Agent is one accepted connection. The pointer identifies the connection,
// the name identifies the gateway.
type Agent struct {
	meta        Metadata
	conn        Conn
	addr        string
	connectedAt time.Time
	lastSeen    time.Time
}

func (a *Agent) Name() string { return a.meta.Name }

// Owns reports whether deviceID was declared at registration.
func (a *Agent) Owns(deviceID int64) bool {
	for _, d := range a.meta.Devices {
		if d.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// AgentInfo is a point in time view of a live agent.
type AgentInfo struct {
	Name           string          `json:"name"`
	Addr           string          `json:"addr"`
	MaxSubDevices  int             `json:"maxSubDevices"`
	SubDeviceCount int             `json:"subDeviceCount"`
	Devices        []DeviceBinding `json:"devices"`
	ConnectedAt    time.Time       `json:"connectedAt"`
	LastSeen       time.Time       `json:"lastSeen"`
}

type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

type Config struct {
	Metadata metadataStore
	// IdleTimeout evicts agents that send nothing for this long. Zero
	// disables it and liveness follows the transport alone.
	IdleTimeout time.Duration
	Now         func() time.Time
}

type Registry struct {
	metadata    metadataStore
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	agents  map[string]*Agent
	devices map[int64]string
}

func New(cfg Config) *Registry {
	r := &Registry{
		metadata:    cfg.Metadata,
		idleTimeout: cfg.IdleTimeout,
		now:         cfg.Now,
		agents:      make(map[string]*Agent),
		devices:     make(map[int64]string),
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Register accepts conn as the live connection for md.Name, evicting any
// connection already registered under that name.
func (r *Registry) Register(ctx context.Context, conn Conn, md Metadata) (*Agent, Result) {
	if md.Name == "" {
		return nil, Result{Reason: ReasonInvalidName, Message: "agent name is required"}
	}
	if md.MaxSubDevices > 0 && md.subDeviceCount() > md.MaxSubDevices {
		return nil, Result{
			Reason:  ReasonTooManySubDevices,
			Message: fmt.Sprintf("%d sub-devices declared, at most %d allowed", md.subDeviceCount(), md.MaxSubDevices),
		}
	}

	now := r.now()
	agent := &Agent{meta: md, conn: conn, addr: conn.RemoteAddr(), connectedAt: now, lastSeen: now}

	var evicted []*Agent
	for {
		r.mu.Lock()
		old, ok := r.agents[md.Name]
		if !ok {
			r.insertLocked(agent)
			r.mu.Unlock()
			break
		}
		r.removeLocked(old)
		r.mu.Unlock()

		slog.InfoContext(ctx, "Evicting previous agent connection", "agent", md.Name, "addr", old.addr)
		old.conn.Close()
		evicted = append(evicted, old)
	}

	for _, old := range evicted {
		r.markOffline(ctx, old, now)
	}
	r.markOnline(ctx, agent, now)
	slog.InfoContext(ctx, "Agent registered", "agent", md.Name, "addr", agent.addr, "devices", len(md.Devices))
	return agent, Result{Accepted: true}
}

func (r *Registry) insertLocked(a *Agent) {
	r.agents[a.meta.Name] = a
	for _, d := range a.meta.Devices {
		r.devices[d.DeviceID] = a.meta.Name
	}
}

func (r *Registry) removeLocked(a *Agent) {
	delete(r.agents, a.meta.Name)
	for _, d := range a.meta.Devices {
		if r.devices[d.DeviceID] == a.meta.Name {
			delete(r.devices, d.DeviceID)
		}
	}
}

// Deregister drops whatever connection is live under name.
func (r *Registry) Deregister(ctx context.Context, name string) {
	r.mu.Lock()
	agent, ok := r.agents[name]
	if ok {
		r.removeLocked(agent)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	agent.conn.Close()
	r.markOffline(ctx, agent, r.now())
	slog.InfoContext(ctx, "Agent deregistered", "agent", name)
}

// DeregisterAll drops every live agent, closing its connection and marking
// its devices offline. Used on shutdown.
func (r *Registry) DeregisterAll(ctx context.Context) int {
	r.mu.Lock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	for _, a := range agents {
		r.removeLocked(a)
	}
	r.mu.Unlock()

	now := r.now()
	for _, a := range agents {
		a.conn.Close()
		r.markOffline(ctx, a, now)
	}
	slog.InfoContext(ctx, "Deregistered all agents", "count", len(agents))
	return len(agents)
}

// Disconnected is the transport close callback. It only removes agent if it
// is still the live connection for its name, so a late callback from an
// evicted connection leaves its successor alone.
func (r *Registry) Disconnected(ctx context.Context, agent *Agent) {
	r.mu.Lock()
	current, ok := r.agents[agent.meta.Name]
	live := ok && current == agent
	if live {
		r.removeLocked(agent)
	}
	r.mu.Unlock()
	if !live {
		return
	}
	r.markOffline(ctx, agent, r.now())
	slog.InfoContext(ctx, "Agent disconnected", "agent", agent.meta.Name)
}

func (r *Registry) IsLive(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[name]
	return ok
}

// Touch records traffic from agent for the idle sweep.
func (r *Registry) Touch(agent *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent.lastSeen = r.now()
}

func (r *Registry) Agents() []AgentInfo {
	r.mu.Lock()
	infos := make([]AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, AgentInfo{
			Name:           a.meta.Name,
			Addr:           a.addr,
			MaxSubDevices:  a.meta.MaxSubDevices,
			SubDeviceCount: a.meta.subDeviceCount(),
			Devices:        a.meta.Devices,
			ConnectedAt:    a.connectedAt,
			LastSeen:       a.lastSeen,
		})
	}
	r.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// AgentForDevice returns the name of the live agent serving deviceID.
func (r *Registry) AgentForDevice(deviceID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.devices[deviceID]
	return name, ok
}

func (r *Registry) Send(name string, env wire.Envelope) error {
	const fn = "Registry:Send"
	r.mu.Lock()
	agent, ok := r.agents[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s:%w: %s", fn, ErrAgentNotLive, name)
	}
	if err := agent.conn.Send(env); err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrSend, err)
	}
	return nil
}

// SweepIdle evicts agents silent for longer than the idle timeout and
// returns how many it dropped.
func (r *Registry) SweepIdle(ctx context.Context, now time.Time) int {
	if r.idleTimeout <= 0 {
		return 0
	}
	r.mu.Lock()
	var idle []*Agent
	for _, a := range r.agents {
		if now.Sub(a.lastSeen) > r.idleTimeout {
			r.removeLocked(a)
			idle = append(idle, a)
		}
	}
	r.mu.Unlock()

	for _, a := range idle {
		slog.InfoContext(ctx, "Evicting idle agent", "agent", a.meta.Name, "last_seen", a.lastSeen)
		a.conn.Close()
		r.markOffline(ctx, a, now)
	}
	return len(idle)
}

// RunIdleSweeper sweeps every half idle timeout until ctx is done.
func (r *Registry) RunIdleSweeper(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepIdle(ctx, r.now())
		}
	}
}

func (r *Registry) markOnline(ctx context.Context, a *Agent, at time.Time) {
	if r.metadata == nil || len(a.meta.Devices) == 0 {
		return
	}
	if err := r.metadata.MarkDevicesOnline(ctx, a.meta.Name, a.meta.deviceIDs(), at); err != nil {
		slog.ErrorContext(ctx, "Error marking devices online", "agent", a.meta.Name, "error", err)
	}
}

func (r *Registry) markOffline(ctx context.Context, a *Agent, at time.Time) {
	if r.metadata == nil || len(a.meta.Devices) == 0 {
		return
	}
	if err := r.metadata.MarkDevicesOffline(ctx, a.meta.Name, a.meta.deviceIDs(), at); err != nil {
		slog.ErrorContext(ctx, "Error marking devices offline", "agent", a.meta.Name, "error", err)
	}
}
