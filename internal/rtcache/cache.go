package rtcache

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/HiImSmiley/socketleyd/internal/cachestore"
	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/proto/resp"
	"github.com/HiImSmiley/socketleyd/internal/proto/text"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

const protoDetectedKey = "cache.proto_detected"

// maxLineBuffer bounds an undetected/unterminated connection's receive
// buffer so a client that never sends a newline or a complete RESP frame
// cannot grow it unbounded (spec §5 general resource discipline).
const maxLineBuffer = 1 << 20

// Cache is the cache runtime of spec §4.7: a TCP listener speaking the
// text and RESP front-ends over the same port, backed by one
// cachestore.Store, with persistence, pub/sub, and best-effort
// replication to a configured target.
type Cache struct {
	hdr   *runtime.Header
	store *cachestore.Store
	rx    *reactor.Reactor
	disp  *Dispatcher

	mu        sync.Mutex
	ln        net.Listener
	acceptTok reactor.Token
	tickTok   reactor.Token

	replMu           sync.Mutex
	replConn         net.Conn
	replSnapshotting bool
	replQueue        [][]byte
}

func storeEviction(e runtime.Eviction) cachestore.Eviction {
	switch e {
	case runtime.EvictionLRU:
		return cachestore.EvictionLRU
	case runtime.EvictionRandom:
		return cachestore.EvictionRandom
	default:
		return cachestore.EvictionNone
	}
}

// New builds a Cache runtime in state "created" (spec §4.2).
func New(cfg runtime.Config, rx *reactor.Reactor) *Cache {
	store := cachestore.New(cachestore.Options{
		MaxMemory: cfg.MaxMemory,
		Eviction:  storeEviction(cfg.Eviction),
	})

	c := &Cache{
		hdr:   runtime.NewHeader(cfg),
		store: store,
		rx:    rx,
	}
	c.disp = &Dispatcher{Store: store, Mode: cfg.CacheMode, PersistentPath: cfg.PersistentPath}
	return c
}

func (c *Cache) Header() *runtime.Header { return c.hdr }

// Start binds the listener, loads any configured snapshot, and begins
// accepting connections (spec §4.2, §4.7).
func (c *Cache) Start(ctx context.Context) error {
	if err := c.hdr.TransitionStart(); err != nil {
		return err
	}

	cfg := c.hdr.Config
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		werr := xerr.Wrap(xerr.CodeTransient, "cache: listen", err)
		c.hdr.CommitFailed(werr)
		return werr
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	if cfg.PersistentPath != "" {
		if err := c.store.Load(cfg.PersistentPath); err != nil && !os.IsNotExist(err) {
			_ = ln.Close()
			werr := xerr.Wrap(xerr.CodeFatal, "cache: load snapshot", err)
			c.hdr.CommitFailed(werr)
			return werr
		}
	}

	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	c.acceptTok = c.rx.SubmitAccept(ln, c.onAccept)
	c.hdr.CommitRunning()
	c.scheduleTick()

	if cfg.ReplicateTarget != "" {
		c.startReplication(cfg.ReplicateTarget)
	}
	return nil
}

// Stop drains and closes every connection, saves a snapshot if
// persistent_path is set, and transitions to stopped (spec §4.2, §6
// "stop ... saved on runtime stop").
func (c *Cache) Stop(ctx context.Context) error {
	if !c.hdr.TransitionStop() {
		return nil
	}

	c.rx.Cancel(c.acceptTok)
	c.rx.Cancel(c.tickTok)
	c.stopReplication()

	c.mu.Lock()
	if c.ln != nil {
		_ = c.ln.Close()
	}
	c.mu.Unlock()

	for _, conn := range c.hdr.Connections() {
		c.closeConn(conn)
	}

	if path := c.hdr.Config.PersistentPath; path != "" {
		if err := c.store.Save(path); err != nil {
			logx.New(logx.ErrorLevel, "cache: snapshot save failed").
				Field("runtime", c.hdr.Config.Name).ErrorAdd(true, err).Check(logx.ErrorLevel)
		}
	}

	c.hdr.CommitStopped()
	return nil
}

func (c *Cache) scheduleTick() {
	c.tickTok = c.rx.SubmitTimeout(runtime.DefaultTick, func(reactor.Completion) {
		c.store.ExpireSweep(256, 25*time.Millisecond)
		if c.hdr.State() == runtime.StateRunning {
			c.scheduleTick()
		}
	})
}

func (c *Cache) onAccept(comp reactor.Completion) {
	if comp.Err != nil || comp.Conn == nil {
		return
	}

	conn := runtime.NewConnection(comp.Conn, c.hdr.Config.RateLimit)
	switch c.hdr.Config.Protocol {
	case "resp":
		conn.Mode = runtime.ModeFramed
		conn.Meta.Store(protoDetectedKey, true)
	case "text":
		conn.Mode = runtime.ModeRawText
		conn.Meta.Store(protoDetectedKey, true)
	}

	if err := c.hdr.AddConnection(conn); err != nil {
		_ = comp.Conn.Close()
		return
	}
	c.beginRead(conn)
}

func (c *Cache) beginRead(conn *runtime.Connection) {
	_, ok := c.rx.SubmitRead(conn.Conn, func(comp reactor.Completion) {
		c.onRead(conn, comp)
	})
	if !ok {
		// buffer ring exhausted: back off to the next tick (spec §5).
		c.rx.SubmitTimeout(50*time.Millisecond, func(reactor.Completion) {
			if c.hdr.State() == runtime.StateRunning {
				c.beginRead(conn)
			}
		})
	}
}

func (c *Cache) onRead(conn *runtime.Connection, comp reactor.Completion) {
	if comp.Err != nil || comp.N == 0 {
		if comp.BufIdx >= 0 {
			c.rx.ReleaseBuffer(comp.BufIdx)
		}
		c.closeConn(conn)
		return
	}

	conn.Touch()
	conn.RecvBuf = append(conn.RecvBuf, comp.Buf...)
	c.rx.ReleaseBuffer(comp.BufIdx)

	c.processBuffer(conn)

	if len(conn.RecvBuf) > maxLineBuffer {
		c.closeConn(conn)
		return
	}

	c.beginRead(conn)
}

func protoDetected(conn *runtime.Connection) bool {
	v, _ := conn.Meta.Load(protoDetectedKey)
	b, _ := v.(bool)
	return b
}

func (c *Cache) processBuffer(conn *runtime.Connection) {
	for {
		if len(conn.RecvBuf) == 0 {
			return
		}
		if !protoDetected(conn) {
			if resp.Sniff(conn.RecvBuf[0]) {
				conn.Mode = runtime.ModeFramed
			} else {
				conn.Mode = runtime.ModeRawText
			}
			conn.Meta.Store(protoDetectedKey, true)
		}

		if conn.Mode == runtime.ModeFramed {
			consumed, args, ok := tryParseRESP(conn.RecvBuf)
			if !ok {
				return
			}
			conn.RecvBuf = conn.RecvBuf[consumed:]
			if len(args) == 0 {
				continue
			}
			c.handleCommand(conn, string(args[0]), args[1:], true)
			continue
		}

		line, n, ok := text.Split(conn.RecvBuf)
		if !ok {
			return
		}
		conn.RecvBuf = conn.RecvBuf[n:]
		toks := text.Tokenize(string(line))
		if len(toks) == 0 {
			continue
		}
		args := make([][]byte, len(toks)-1)
		for i, t := range toks[1:] {
			args[i] = []byte(t)
		}
		c.handleCommand(conn, toks[0], args, false)
	}
}

// tryParseRESP attempts to decode exactly one RESP command from the
// front of buf without discarding anything on failure, so the caller
// can retry once more bytes arrive. Sizing the bufio.Reader to the full
// buffer length guarantees bytes.Reader hands over everything in one
// fill, so Buffered() after the attempt equals the unconsumed tail.
func tryParseRESP(buf []byte) (consumed int, args [][]byte, ok bool) {
	br := bufio.NewReaderSize(bytes.NewReader(buf), len(buf))
	parsed, err := resp.ParseCommand(br)
	if err != nil {
		return 0, nil, false
	}
	return len(buf) - br.Buffered(), parsed, true
}

func (c *Cache) handleCommand(conn *runtime.Connection, verb string, args [][]byte, framed bool) {
	reply := c.disp.Dispatch(verb, args, &connPubSub{cache: c, conn: conn})

	var out []byte
	if framed {
		out = EncodeRESP(reply)
	} else {
		out = EncodeText(reply)
	}
	conn.Writer.Enqueue(c.rx, conn, out, func(error) { c.closeConn(conn) })
}

func (c *Cache) closeConn(conn *runtime.Connection) {
	_ = conn.Conn.Close()
	c.store.UnsubscribeAll(conn.ID)
	c.hdr.RemoveConnection(conn.ID)
}

// Action runs one cache operation outside any wire connection, for the
// control plane's `action <cache> <op> [args]` verb (spec §6). It is
// subject to the same access-mode gate as the wire front-ends.
func (c *Cache) Action(op string, args [][]byte) Reply {
	return c.disp.Dispatch(op, args, nil)
}

// connPubSub adapts one connection to cachestore.Subscriber/PubSub,
// re-encoding a delivered publish for that connection's own current
// protocol mode (spec SUPPLEMENT "Pub/sub re-encoding across protocol
// modes").
type connPubSub struct {
	cache *Cache
	conn  *runtime.Connection
}

func (p *connPubSub) Subscribe(channel string) {
	p.cache.store.Subscribe(channel, p.conn.ID, p)
}

func (p *connPubSub) Unsubscribe(channel string) {
	p.cache.store.Unsubscribe(channel, p.conn.ID)
}

func (p *connPubSub) Publish(channel string, payload []byte) int {
	return p.cache.store.Publish(channel, payload)
}

func (p *connPubSub) Deliver(channel string, payload []byte) {
	var out []byte
	if p.conn.Mode == runtime.ModeFramed {
		out = resp.Array([][]byte{
			resp.BulkString([]byte("message")),
			resp.BulkString([]byte(channel)),
			resp.BulkString(payload),
		})
	} else {
		out = text.Encode([]byte("message " + channel + " " + string(payload)))
	}
	p.conn.Writer.Enqueue(p.cache.rx, p.conn, out, func(error) {})
}

// respCommand renders a RESP request (array of bulk strings), the
// client-side framing the replication link issues over (distinct from
// the reply encoders in internal/proto/resp, which only render
// responses).
func respCommand(parts ...[]byte) []byte {
	out := []byte("*" + strconv.Itoa(len(parts)) + "\r\n")
	for _, p := range parts {
		out = append(out, []byte("$"+strconv.Itoa(len(p))+"\r\n")...)
		out = append(out, p...)
		out = append(out, '\r', '\n')
	}
	return out
}

// startReplication opens a long-lived client connection to target and
// forwards every successful mutating command, re-encoded, as it happens
// (spec §4.7 "Replication": best-effort, asynchronous, unordered).
func (c *Cache) startReplication(target string) {
	c.store.OnMutate(func(cmd string, args [][]byte) {
		parts := append([][]byte{[]byte(cmd)}, args...)
		c.replSend(respCommand(parts...))
	})
	c.dialReplication(target)
}

// replSend writes line to the live replication connection, or queues it
// if a snapshot push is still in flight. replMu is held across every
// write to replConn from both this path and pushSnapshot, making the
// connection effectively single-writer: a mutation's bytes can never
// land in the middle of a still-loading snapshot's bytes on the wire
// (spec SUPPLEMENT "Replication reconnect semantics").
func (c *Cache) replSend(line []byte) {
	c.replMu.Lock()
	defer c.replMu.Unlock()

	if c.replConn == nil {
		return
	}
	if c.replSnapshotting {
		c.replQueue = append(c.replQueue, line)
		return
	}
	_, _ = c.replConn.Write(line)
}

// replWrite writes one snapshot line to conn, serialized against
// replSend and against the rest of pushSnapshot via replMu.
func (c *Cache) replWrite(conn net.Conn, line []byte) {
	c.replMu.Lock()
	_, _ = conn.Write(line)
	c.replMu.Unlock()
}

func (c *Cache) dialReplication(target string) {
	c.rx.SubmitConnect("tcp", target, 5*time.Second, func(comp reactor.Completion) {
		if c.hdr.State() != runtime.StateRunning {
			return
		}
		if comp.Err != nil {
			c.rx.SubmitTimeout(2*time.Second, func(reactor.Completion) {
				if c.hdr.State() == runtime.StateRunning {
					c.dialReplication(target)
				}
			})
			return
		}

		c.replMu.Lock()
		c.replConn = comp.Conn
		c.replSnapshotting = true
		c.replMu.Unlock()

		// Push one full snapshot before steady-state forwarding resumes
		// (spec SUPPLEMENT "Replication reconnect semantics"). Mutations
		// that land while the snapshot is still being written are queued
		// by replSend and flushed, in order, once the snapshot finishes.
		go c.pushSnapshot(comp.Conn)
	})
}

func (c *Cache) pushSnapshot(conn net.Conn) {
	for _, key := range c.store.Keys("*") {
		kind, ok := c.store.Type(key)
		if !ok {
			continue
		}
		switch kind {
		case "string":
			if v, found, _ := c.store.Get(key); found {
				c.replWrite(conn, respCommand([]byte("set"), []byte(key), v))
			}
		case "list":
			vals, _ := c.store.LRange(key, 0, -1)
			for _, v := range vals {
				c.replWrite(conn, respCommand([]byte("rpush"), []byte(key), v))
			}
		case "set":
			vals, _ := c.store.SMembers(key)
			for _, v := range vals {
				c.replWrite(conn, respCommand([]byte("sadd"), []byte(key), v))
			}
		case "hash":
			fields, _ := c.store.HGetAll(key)
			for f, v := range fields {
				c.replWrite(conn, respCommand([]byte("hset"), []byte(key), []byte(f), v))
			}
		}
	}

	c.replMu.Lock()
	queued := c.replQueue
	c.replQueue = nil
	for _, line := range queued {
		_, _ = conn.Write(line)
	}
	c.replSnapshotting = false
	c.replMu.Unlock()
}

func (c *Cache) stopReplication() {
	c.replMu.Lock()
	defer c.replMu.Unlock()
	if c.replConn != nil {
		_ = c.replConn.Close()
		c.replConn = nil
	}
	c.replSnapshotting = false
	c.replQueue = nil
}
