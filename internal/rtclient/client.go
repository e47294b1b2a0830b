// Package rtclient implements the client runtime of spec §4.5: it
// maintains an outbound connection to a target endpoint, auto-reconnects
// with exponential backoff, and exposes a send/on_message/on_tick
// surface for scripts or in-process callers.
package rtclient

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/proto/text"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/script"
)

// backoffBase/backoffMax bound the reconnect delay (spec §4.5: "base
// 500 ms, max 30 s").
const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// connState is the client's own connection state machine (spec §4.5:
// "connecting → open → closed → connecting"), distinct from the
// runtime's own created/running/stopped/failed lifecycle.
type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

// Client is the client runtime (spec §4.5).
type Client struct {
	hdr    *runtime.Header
	rx     *reactor.Reactor
	script *script.Engine

	mu      sync.Mutex
	conn    net.Conn
	st      connState
	attempt int
	recvBuf []byte

	queue    [][]byte // messages sent while closed; flushed on connect, dropped by a tick that finds the link down
	tickTok  reactor.Token
	connTok  reactor.Token
	stopping bool
}

// New builds a Client in state "created".
func New(cfg runtime.Config, rx *reactor.Reactor) *Client {
	return &Client{hdr: runtime.NewHeader(cfg), rx: rx}
}

func (c *Client) Header() *runtime.Header { return c.hdr }

// ReloadScript swaps the client's message-handling script for a freshly
// loaded one (control plane `reload-script`).
func (c *Client) ReloadScript(path string) error {
	eng, err := script.Load(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.script = eng
	c.hdr.Config.ScriptPath = path
	c.mu.Unlock()
	return nil
}

func (c *Client) Start(ctx context.Context) error {
	if err := c.hdr.TransitionStart(); err != nil {
		return err
	}

	cfg := c.hdr.Config
	if cfg.ScriptPath != "" {
		eng, err := script.Load(cfg.ScriptPath)
		if err != nil {
			c.hdr.CommitFailed(err)
			return err
		}
		c.script = eng
	}

	c.mu.Lock()
	c.st = stateConnecting
	c.attempt = 0
	c.mu.Unlock()

	c.hdr.CommitRunning()
	c.dial()
	c.scheduleTick()
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	if !c.hdr.TransitionStop() {
		return nil
	}

	c.mu.Lock()
	c.stopping = true
	conn := c.conn
	c.conn = nil
	c.st = stateClosed
	c.mu.Unlock()

	c.rx.Cancel(c.tickTok)
	c.rx.Cancel(c.connTok)
	if conn != nil {
		_ = conn.Close()
	}

	c.hdr.CommitStopped()
	return nil
}

// dial attempts one connection; on failure it schedules a retry after
// the current exponential backoff delay and doubles it for next time
// (spec §4.5 "exponential backoff, base 500ms, max 30s").
func (c *Client) dial() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	target := c.hdr.Config.Target
	c.mu.Unlock()

	c.connTok = c.rx.SubmitConnect("tcp", target, 5*time.Second, func(comp reactor.Completion) {
		if c.hdr.State() != runtime.StateRunning {
			return
		}
		if comp.Err != nil {
			c.scheduleReconnect()
			return
		}

		c.mu.Lock()
		c.conn = comp.Conn
		c.st = stateOpen
		c.attempt = 0
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		logx.New(logx.InfoLevel, "client: connected").
			Field("runtime", c.hdr.Config.Name).Field("target", target).Check(logx.InfoLevel)

		for _, msg := range pending {
			c.writeDirect(msg)
		}
		c.beginRead(comp.Conn)
	})
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.st = stateClosed
	shift := c.attempt
	if shift > 8 { // backoffBase<<9 already exceeds backoffMax; keep the shift small
		shift = 8
	}
	delay := backoffBase << uint(shift)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	if c.attempt < 1<<20 {
		c.attempt++
	}
	c.mu.Unlock()

	c.rx.SubmitTimeout(delay, func(reactor.Completion) {
		if c.hdr.State() == runtime.StateRunning {
			c.mu.Lock()
			c.st = stateConnecting
			c.mu.Unlock()
			c.dial()
		}
	})
}

func (c *Client) beginRead(conn net.Conn) {
	_, ok := c.rx.SubmitRead(conn, func(comp reactor.Completion) {
		c.onRead(conn, comp)
	})
	if !ok {
		c.rx.SubmitTimeout(50*time.Millisecond, func(reactor.Completion) {
			if c.hdr.State() == runtime.StateRunning {
				c.beginRead(conn)
			}
		})
	}
}

func (c *Client) onRead(conn net.Conn, comp reactor.Completion) {
	if comp.Err != nil || comp.N == 0 {
		c.rx.ReleaseBuffer(comp.BufIdx)
		c.handleDisconnect(conn)
		return
	}

	c.mu.Lock()
	c.recvBuf = append(c.recvBuf, comp.Buf...)
	buf := c.recvBuf
	c.mu.Unlock()
	c.rx.ReleaseBuffer(comp.BufIdx)

	for {
		line, n, ok := text.Split(buf)
		if !ok {
			break
		}
		buf = buf[n:]
		c.onMessage(line)
	}

	c.mu.Lock()
	c.recvBuf = buf
	c.mu.Unlock()

	c.beginRead(conn)
}

func (c *Client) handleDisconnect(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.recvBuf = nil
	c.mu.Unlock()
	_ = conn.Close()

	if c.hdr.State() != runtime.StateRunning {
		return
	}
	logx.New(logx.WarnLevel, "client: connection lost, reconnecting").
		Field("runtime", c.hdr.Config.Name).Check(logx.WarnLevel)
	c.scheduleReconnect()
}

// onMessage hands a line off to the configured script handler, if any.
func (c *Client) onMessage(payload []byte) {
	if c.script == nil {
		return
	}
	reply, err := c.script.OnMessage("", payload)
	if err != nil {
		logx.New(logx.WarnLevel, "client: script on_message error").
			Field("runtime", c.hdr.Config.Name).ErrorAdd(true, err).Check(logx.WarnLevel)
		return
	}
	if reply != nil {
		c.Send(reply)
	}
}

// Send queues payload for delivery. While open it is written straight
// through; while connecting/closed it is queued, written out when the
// connection opens, and dropped by the next runtime tick that still finds
// the connection not open. The queue is not kept for the length of the
// backoff delay, and its age is not tracked.
func (c *Client) Send(payload []byte) {
	c.mu.Lock()
	open := c.st == stateOpen && c.conn != nil
	if !open {
		c.queue = append(c.queue, append([]byte(nil), payload...))
	}
	c.mu.Unlock()

	if open {
		c.writeDirect(payload)
	}
}

func (c *Client) writeDirect(payload []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	out = append(out, '\n')
	if _, err := conn.Write(out); err != nil {
		c.handleDisconnect(conn)
	}
}

// scheduleTick fires on_tick hooks at the runtime's tick interval (spec
// §4.5 "runtime tick fires on_tick hooks"); it also drops the whole
// queue whenever it finds the connection not open, so a closed client
// never accumulates an unbounded backlog.
func (c *Client) scheduleTick() {
	c.tickTok = c.rx.SubmitTimeout(runtime.DefaultTick, func(reactor.Completion) {
		c.mu.Lock()
		if c.st != stateOpen {
			c.queue = nil
		}
		c.mu.Unlock()

		if c.script != nil && c.script.HasFunc("on_tick") {
			if err := c.script.OnTick(); err != nil {
				logx.New(logx.WarnLevel, "client: script on_tick error").
					Field("runtime", c.hdr.Config.Name).ErrorAdd(true, err).Check(logx.WarnLevel)
			}
		}

		if c.hdr.State() == runtime.StateRunning {
			c.scheduleTick()
		}
	})
}

// State reports the client's connection-level state (connecting/open/
// closed), distinct from the runtime's own created/running/stopped/failed.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.st {
	case stateOpen:
		return "open"
	case stateConnecting:
		return "connecting"
	default:
		return "closed"
	}
}

