package runtime

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ProtoMode tracks what a connection's bytes currently mean, since a
// single connection walks through more than one protocol phase over its
// life (spec §4.8 handshake-then-frames, §4.6 TLS-then-plaintext).
type ProtoMode uint8

const (
	ModeRawText ProtoMode = iota
	ModeFramed            // RESP-like framed protocol (cache front-end)
	ModeWSHandshake
	ModeWSOpen
	ModeHTTP
	ModeTLSHandshaking
	ModeTLSOpen
)

// Connection is the per-connection bookkeeping a runtime keeps (spec §3).
// RecvBuf is owned by the connection's single reader (the reactor's read
// submissions for this conn), so no lock guards it; Writer serializes its
// own queue with its own mutex. Meta and the limiter are the only fields
// touched from elsewhere (stats, idle sweep).
type Connection struct {
	ID      uint64
	Conn    net.Conn
	Peer    string
	Created time.Time

	lastActivity atomic.Int64

	Mode ProtoMode

	RecvBuf []byte
	Writer  *Writer

	Limiter *rate.Limiter // per-connection, nil if rate_limit == 0

	TLS bool

	Meta sync.Map
}

// NewConnection wraps an accepted net.Conn, deriving Peer from its
// RemoteAddr and seeding a per-connection limiter if rateLimit > 0.
func NewConnection(conn net.Conn, rateLimit int) *Connection {
	c := &Connection{
		Conn:    conn,
		Created: time.Now(),
		Mode:    ModeRawText,
		Writer:  &Writer{},
	}
	if conn != nil {
		c.Peer = conn.RemoteAddr().String()
	}
	c.Touch()
	if rateLimit > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(rateLimit), rateLimit)
	}
	return c
}

// Touch stamps the connection as active now, resetting the idle timer.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) IdleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// Allow consults the per-connection rate limiter, if configured.
func (c *Connection) Allow() bool {
	if c.Limiter == nil {
		return true
	}
	return c.Limiter.Allow()
}
