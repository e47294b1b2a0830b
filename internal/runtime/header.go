package runtime

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// Header is the state every concrete runtime kind (server/client/proxy/
// cache) embeds: the transition-serialized lifecycle machine of state.go,
// the runtime's own Config, its live connection set, and the counters the
// control plane's `stats` verb reports (spec §3, §6).
type Header struct {
	machine machine

	Config Config

	connMu sync.RWMutex
	conns  map[uint64]*Connection
	nextID uint64

	global *rate.Limiter // nil when Config.GlobalRateLimit == 0

	StartedAt time.Time
	StoppedAt time.Time

	totalAccepted uint64
	totalErrors   uint64
}

// NewHeader builds a Header in StateCreated for the given configuration.
func NewHeader(cfg Config) *Header {
	cfg.Normalize()

	h := &Header{
		Config: cfg,
		conns:  make(map[uint64]*Connection),
	}
	if cfg.GlobalRateLimit > 0 {
		h.global = rate.NewLimiter(rate.Limit(cfg.GlobalRateLimit), cfg.GlobalRateLimit)
	}
	return h
}

func (h *Header) State() State { return h.machine.current() }

// TransitionStart enforces the created/stopped -> running edge;
// CommitRunning records StartedAt. The caller still has to actually bind
// the listener/dial/open file before calling CommitRunning; if that fails
// it must call CommitFailed instead.
func (h *Header) TransitionStart() error {
	return h.machine.beginStart()
}

func (h *Header) CommitRunning() {
	h.machine.commitRunning()
	h.StartedAt = time.Now()
}

func (h *Header) CommitFailed(cause error) {
	h.machine.commitFailed()
	h.StoppedAt = time.Now()
	if cause != nil {
		h.totalErrors++
	}
}

// TransitionStop reports whether the runtime was actually running (a
// no-op stop on an already-stopped runtime returns false so the caller
// skips the teardown work, per spec §4.2 idempotence).
func (h *Header) TransitionStop() (wasRunning bool) {
	return h.machine.beginStop()
}

func (h *Header) CommitStopped() {
	h.machine.commitStopped()
	h.StoppedAt = time.Now()
}

func (h *Header) CanRemove() bool { return h.machine.canRemove() }

// GlobalAllow consults the runtime-wide rate limiter, if configured
// (spec §5 "global_rate_limit").
func (h *Header) GlobalAllow() bool {
	if h.global == nil {
		return true
	}
	return h.global.Allow()
}

// AddConnection registers a new connection, enforcing max_connections
// (spec §5). Returns xerr.CodeBadInput if the runtime is at capacity.
func (h *Header) AddConnection(c *Connection) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	if len(h.conns) >= h.Config.MaxConnections {
		return xerr.New(xerr.CodeBadInput, "max_connections reached")
	}

	h.nextID++
	c.ID = h.nextID
	h.conns[c.ID] = c
	h.totalAccepted++
	return nil
}

func (h *Header) RemoveConnection(id uint64) {
	h.connMu.Lock()
	delete(h.conns, id)
	h.connMu.Unlock()
}

func (h *Header) ConnectionCount() int {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return len(h.conns)
}

// Connections returns a snapshot slice, safe to range over without
// holding the runtime's lock (used by idle-timeout sweeps and stats).
func (h *Header) Connections() []*Connection {
	h.connMu.RLock()
	defer h.connMu.RUnlock()

	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Stats is the subset of counters the control plane's `stats <name>`
// verb serializes (spec §6).
type Stats struct {
	Name        string
	Kind        Kind
	State       State
	Connections int
	Accepted    uint64
	Errors      uint64
	StartedAt   time.Time
	Uptime      time.Duration
}

func (h *Header) Stats() Stats {
	s := Stats{
		Name:        h.Config.Name,
		Kind:        h.Config.Kind,
		State:       h.State(),
		Connections: h.ConnectionCount(),
		Accepted:    h.totalAccepted,
		Errors:      h.totalErrors,
		StartedAt:   h.StartedAt,
	}
	if s.State == StateRunning {
		s.Uptime = time.Since(h.StartedAt)
	}
	return s
}
