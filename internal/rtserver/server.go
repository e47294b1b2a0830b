// Package rtserver implements the server runtime of spec §4.4: accepts
// inbound connections, auto-detects each connection's protocol (raw
// text, static-file HTTP, or WebSocket upgrade), and dispatches received
// messages to a builtin handler (echo/broadcast), a user script, or an
// upstream relay target.
package rtserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/proto/httpmode"
	"github.com/HiImSmiley/socketleyd/internal/proto/text"
	"github.com/HiImSmiley/socketleyd/internal/proto/ws"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/script"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

const maxLineBuffer = 1 << 20

// detectedKey/reasmKey/relayKey are per-connection Meta keys, keeping the
// protocol sniff state, frame reassembler and relay connection out of the
// exported Connection type
// (only this runtime needs them).
const (
	detectedKey = "server.proto_detected"
	reasmKey    = "server.ws_reassembler"
	relayKey    = "server.relay_conn"
)

// Server is the server runtime (spec §4.4).
type Server struct {
	hdr    *runtime.Header
	rx     *reactor.Reactor
	script *script.Engine

	mu        sync.Mutex
	ln        net.Listener
	acceptTok reactor.Token
	idleTok   reactor.Token

	statics *staticCache
}

// New builds a Server in state "created".
func New(cfg runtime.Config, rx *reactor.Reactor) *Server {
	s := &Server{hdr: runtime.NewHeader(cfg), rx: rx}
	if cfg.StaticDir != "" {
		s.statics = newStaticCache(cfg.StaticDir)
	}
	return s
}

func (s *Server) Header() *runtime.Header { return s.hdr }

// ReloadScript swaps the server's message-handling script for a freshly
// loaded one (control plane `reload-script`).
func (s *Server) ReloadScript(path string) error {
	eng, err := script.Load(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.script = eng
	s.hdr.Config.ScriptPath = path
	s.mu.Unlock()
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.hdr.TransitionStart(); err != nil {
		return err
	}

	cfg := s.hdr.Config

	if cfg.ScriptPath != "" {
		eng, err := script.Load(cfg.ScriptPath)
		if err != nil {
			s.hdr.CommitFailed(err)
			return err
		}
		s.script = eng
	}

	network := "tcp"
	if cfg.UDP {
		network = "udp" // UDP servers still accept via net.Listen on a PacketConn wrapper in this model's scope is out of reach without a connection-oriented abstraction; fail fast rather than silently behave like TCP.
	}
	if network == "udp" {
		werr := xerr.New(xerr.CodeBadInput, "server: udp mode is not implemented by this runtime")
		s.hdr.CommitFailed(werr)
		return werr
	}

	ln, err := net.Listen(network, fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		werr := xerr.Wrap(xerr.CodeTransient, "server: listen", err)
		s.hdr.CommitFailed(werr)
		return werr
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.acceptTok = s.rx.SubmitAccept(ln, s.onAccept)
	s.hdr.CommitRunning()
	s.scheduleIdleSweep()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if !s.hdr.TransitionStop() {
		return nil
	}

	s.rx.Cancel(s.acceptTok)
	s.rx.Cancel(s.idleTok)

	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	for _, conn := range s.hdr.Connections() {
		s.teardown(conn)
	}

	s.hdr.CommitStopped()
	return nil
}

// scheduleIdleSweep enforces per-connection idle_timeout (spec §5).
func (s *Server) scheduleIdleSweep() {
	s.idleTok = s.rx.SubmitTimeout(runtime.DefaultTick, func(reactor.Completion) {
		idle := s.hdr.Config.IdleTimeout
		for _, conn := range s.hdr.Connections() {
			if conn.IdleSince() > idle {
				s.Disconnect(conn)
			}
		}
		if s.hdr.State() == runtime.StateRunning {
			s.scheduleIdleSweep()
		}
	})
}

func (s *Server) onAccept(comp reactor.Completion) {
	if comp.Err != nil || comp.Conn == nil {
		return
	}
	conn := runtime.NewConnection(comp.Conn, s.hdr.Config.RateLimit)
	if err := s.hdr.AddConnection(conn); err != nil {
		_ = comp.Conn.Close()
		return
	}
	s.beginRead(conn)
}

func (s *Server) beginRead(conn *runtime.Connection) {
	_, ok := s.rx.SubmitRead(conn.Conn, func(comp reactor.Completion) {
		s.onRead(conn, comp)
	})
	if !ok {
		s.rx.SubmitTimeout(50*time.Millisecond, func(reactor.Completion) {
			if s.hdr.State() == runtime.StateRunning {
				s.beginRead(conn)
			}
		})
	}
}

func (s *Server) onRead(conn *runtime.Connection, comp reactor.Completion) {
	if comp.Err != nil || comp.N == 0 {
		s.rx.ReleaseBuffer(comp.BufIdx)
		s.teardown(conn)
		return
	}

	conn.Touch()
	conn.RecvBuf = append(conn.RecvBuf, comp.Buf...)
	s.rx.ReleaseBuffer(comp.BufIdx)

	if !conn.Allow() {
		conn.RecvBuf = conn.RecvBuf[:0]
		s.beginRead(conn)
		return
	}
	if !s.hdr.GlobalAllow() {
		conn.RecvBuf = conn.RecvBuf[:0]
		s.beginRead(conn)
		return
	}

	s.processBuffer(conn)

	if len(conn.RecvBuf) > maxLineBuffer {
		s.teardown(conn)
		return
	}

	s.beginRead(conn)
}

func detected(conn *runtime.Connection) bool {
	v, _ := conn.Meta.Load(detectedKey)
	b, _ := v.(bool)
	return b
}

// processBuffer drains complete protocol units off conn.RecvBuf,
// dispatching the per-connection protocol sniff on the first bytes
// (spec §4.4 "Per-connection protocol detection").
func (s *Server) processBuffer(conn *runtime.Connection) {
	for {
		if len(conn.RecvBuf) == 0 {
			return
		}

		switch conn.Mode {
		case runtime.ModeRawText:
			if !detected(conn) {
				if httpmode.Sniff(conn.RecvBuf) {
					if !s.tryHTTP(conn) {
						return // need more bytes for the full request
					}
					continue
				}
				conn.Meta.Store(detectedKey, true)
			}
			if !s.consumeLine(conn) {
				return
			}

		case runtime.ModeWSOpen:
			if !s.consumeWSFrame(conn) {
				return
			}

		default:
			return
		}
	}
}

func (s *Server) consumeLine(conn *runtime.Connection) bool {
	line, n, ok := text.Split(conn.RecvBuf)
	if !ok {
		return false
	}
	conn.RecvBuf = conn.RecvBuf[n:]
	s.onMessage(conn, line)
	return true
}

// tryHTTP attempts to parse one HTTP request off the front of
// conn.RecvBuf. It returns false (no bytes consumed) if the request is
// not yet complete.
func (s *Server) tryHTTP(conn *runtime.Connection) bool {
	buf := conn.RecvBuf
	br := bufio.NewReaderSize(bytes.NewReader(buf), len(buf))
	req, err := httpmode.ParseRequest(br)
	if err != nil {
		return false
	}
	consumed := len(buf) - br.Buffered()
	conn.RecvBuf = conn.RecvBuf[consumed:]

	if ws.IsUpgradeRequest(req) {
		s.upgradeWebSocket(conn, req)
		return true
	}
	if s.statics != nil && req.Method == "GET" {
		s.serveStatic(conn, req)
		return true
	}

	conn.Writer.Enqueue(s.rx, conn, []byte(
		"HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
	), func(error) { s.teardown(conn) })
	return true
}

func (s *Server) upgradeWebSocket(conn *runtime.Connection, req *http.Request) {
	accept, err := ws.Accept(req)
	if err != nil {
		conn.Writer.Enqueue(s.rx, conn, []byte(
			"HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		), func(error) { s.teardown(conn) })
		return
	}
	conn.Mode = runtime.ModeWSOpen
	conn.Meta.Store(reasmKey, &ws.Reassembler{})
	conn.Writer.Enqueue(s.rx, conn, ws.HandshakeResponse(accept), nil)

	logx.New(logx.DebugLevel, "server: websocket upgrade").
		Field("runtime", s.hdr.Config.Name).Field("peer", conn.Peer).Check(logx.DebugLevel)
}

func (s *Server) consumeWSFrame(conn *runtime.Connection) bool {
	buf := conn.RecvBuf
	br := bufio.NewReaderSize(bytes.NewReader(buf), len(buf))
	frame, err := ws.ReadFrame(br, true)
	if err != nil {
		if err == ws.ErrOversize || err == ws.ErrMaskViolation || err == ws.ErrReservedBits {
			s.closeWS(conn, ws.CloseProtocolError)
			return true
		}
		return false
	}
	consumed := len(buf) - br.Buffered()
	conn.RecvBuf = conn.RecvBuf[consumed:]

	switch frame.Opcode {
	case ws.OpPing:
		conn.Writer.Enqueue(s.rx, conn, wsFrame(ws.OpPong, frame.Payload), nil)
		return true
	case ws.OpPong:
		return true
	case ws.OpClose:
		s.closeWS(conn, ws.CloseNormal)
		return true
	}

	v, _ := conn.Meta.Load(reasmKey)
	reasm, _ := v.(*ws.Reassembler)
	if reasm == nil {
		reasm = &ws.Reassembler{}
		conn.Meta.Store(reasmKey, reasm)
	}
	msg, _, complete, err := reasm.Add(frame)
	if err != nil {
		s.closeWS(conn, ws.CloseMessageTooBig)
		return true
	}
	if complete {
		s.onMessage(conn, msg)
	}
	return true
}

func wsFrame(op ws.Opcode, payload []byte) []byte {
	var buf bytes.Buffer
	_ = ws.WriteFrame(&buf, op, payload)
	return buf.Bytes()
}

func (s *Server) closeWS(conn *runtime.Connection, code uint16) {
	conn.Writer.Enqueue(s.rx, conn, ws.CloseFrame(code, ""), func(error) {})
	s.teardown(conn)
}

// onMessage is the per-message entry point shared by raw-text and
// WebSocket payloads (spec §4.4 "read messages, invoke handler").
func (s *Server) onMessage(conn *runtime.Connection, payload []byte) {
	cfg := s.hdr.Config

	if cfg.Target != "" {
		s.relay(conn, payload)
		return
	}

	if cfg.ServerMode == runtime.ServerOut {
		return // ignores incoming content
	}

	var reply []byte
	switch cfg.Handler {
	case "broadcast":
		s.Broadcast(payload)
		return
	case "script":
		if s.script == nil {
			return
		}
		out, err := s.script.OnMessage(conn.Peer, payload)
		if err != nil {
			logx.New(logx.WarnLevel, "server: script on_message error").
				Field("runtime", cfg.Name).ErrorAdd(true, err).Check(logx.WarnLevel)
			return
		}
		reply = out
	default: // "echo"
		reply = payload
	}

	if reply == nil || cfg.ServerMode == runtime.ServerIn {
		return
	}
	s.Send(conn, reply)
}

// teardown closes conn and removes it from the runtime's connection set.
func (s *Server) teardown(conn *runtime.Connection) {
	if v, ok := conn.Meta.Load(relayKey); ok {
		if rc, ok := v.(net.Conn); ok {
			_ = rc.Close()
		}
	}
	_ = conn.Conn.Close()
	s.hdr.RemoveConnection(conn.ID)
}
