// Package rtproxy implements the proxy runtime of spec §4.6: it accepts
// inbound connections and relays them to a backend chosen per connection
// (TCP/WebSocket) or per request (HTTP), selected by round-robin,
// random, or scripted strategy, with transparent half-close handling in
// TCP mode and path-prefix rewriting in HTTP mode.
package rtproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/manager"
	"github.com/HiImSmiley/socketleyd/internal/proto/httpmode"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/script"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

var errNoBackend = errors.New("proxy: no live backend")

// PeerSource resolves @group backends visible on sibling daemons'
// persisted state (SPEC_FULL "Directory-based peer discovery"),
// satisfied by *persist.PeerWatcher. Declared here, not imported from
// persist, so rtproxy does not have to depend on the persistence
// package just to accept an optional collaborator.
type PeerSource interface {
	GroupAddrs(group string) []string
}

// Proxy is the proxy runtime (spec §4.6).
type Proxy struct {
	hdr    *runtime.Header
	rx     *reactor.Reactor
	mgr    *manager.Manager
	script *script.Engine
	peers  PeerSource

	rr uint64 // round-robin cursor, advanced with atomic.AddUint64

	mu   sync.Mutex
	ln   net.Listener
	tok  reactor.Token

	httpMode bool
}

// New builds a Proxy in state "created". mgr resolves runtime-name and
// @group backends to live listening ports (spec §4.6).
func New(cfg runtime.Config, rx *reactor.Reactor, mgr *manager.Manager) *Proxy {
	return &Proxy{hdr: runtime.NewHeader(cfg), rx: rx, mgr: mgr, httpMode: cfg.Protocol == "http"}
}

func (p *Proxy) Header() *runtime.Header { return p.hdr }

// SetPeers wires an optional peer-discovery source in after construction
// (the daemon only builds one when started with --peer-dir).
func (p *Proxy) SetPeers(ps PeerSource) { p.peers = ps }

// ReloadScript swaps the proxy's scripted-routing engine for a freshly
// loaded one (control plane `reload-script`).
func (p *Proxy) ReloadScript(path string) error {
	eng, err := script.Load(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.script = eng
	p.hdr.Config.ScriptPath = path
	p.mu.Unlock()
	return nil
}

func (p *Proxy) Start(ctx context.Context) error {
	if err := p.hdr.TransitionStart(); err != nil {
		return err
	}

	cfg := p.hdr.Config
	if cfg.ScriptPath != "" {
		eng, err := script.Load(cfg.ScriptPath)
		if err != nil {
			p.hdr.CommitFailed(err)
			return err
		}
		p.script = eng
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		werr := xerr.Wrap(xerr.CodeTransient, "proxy: listen", err)
		p.hdr.CommitFailed(werr)
		return werr
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	p.mu.Lock()
	p.ln = ln
	p.mu.Unlock()

	p.tok = p.rx.SubmitAccept(ln, p.onAccept)
	p.hdr.CommitRunning()
	return nil
}

func (p *Proxy) Stop(ctx context.Context) error {
	if !p.hdr.TransitionStop() {
		return nil
	}

	p.rx.Cancel(p.tok)

	p.mu.Lock()
	if p.ln != nil {
		_ = p.ln.Close()
	}
	p.mu.Unlock()

	for _, conn := range p.hdr.Connections() {
		_ = conn.Conn.Close()
		p.hdr.RemoveConnection(conn.ID)
	}

	p.hdr.CommitStopped()
	return nil
}

func (p *Proxy) onAccept(comp reactor.Completion) {
	if comp.Err != nil || comp.Conn == nil {
		return
	}
	conn := runtime.NewConnection(comp.Conn, p.hdr.Config.RateLimit)
	if err := p.hdr.AddConnection(conn); err != nil {
		_ = comp.Conn.Close()
		return
	}

	if p.httpMode {
		go p.serveHTTP(conn)
		return
	}
	p.relayTCP(conn)
}

// relayTCP implements transparent byte relay with half-close handling
// (spec §4.6 "TCP mode ... half-close policy"): EOF from either side
// shuts the write side of the other down, and the connection closes
// once both sides have EOF'd.
func (p *Proxy) relayTCP(conn *runtime.Connection) {
	candidates := p.order(p.liveBackends(), -1)
	p.dialFirstReachable(candidates, func(upstream net.Conn, err error) {
		if err != nil {
			logx.New(logx.WarnLevel, "proxy: no backend reachable").
				Field("runtime", p.hdr.Config.Name).ErrorAdd(true, err).Check(logx.WarnLevel)
			_ = conn.Conn.Close()
			p.hdr.RemoveConnection(conn.ID)
			return
		}
		go p.pump(conn, upstream)
	})
}

// pump runs the two directions of a raw TCP relay on plain goroutines:
// io.Copy already blocks only on syscalls, never on the reactor's own
// lock, so this does not violate the reactor's single-threaded-callback
// contract (spec §5) — these goroutines never call back into Proxy.
func (p *Proxy) pump(client *runtime.Connection, upstream net.Conn) {
	defer p.hdr.RemoveConnection(client.ID)
	defer client.Conn.Close()
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, client.Conn)
		if hc, ok := upstream.(*net.TCPConn); ok {
			_ = hc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client.Conn, upstream)
		if hc, ok := client.Conn.(*net.TCPConn); ok {
			_ = hc.CloseWrite()
		}
	}()

	wg.Wait()
}

// serveHTTP implements spec §4.6's HTTP mode: parse the request line,
// strip the proxy's own name as a leading path segment, rewrite, and
// forward — opening a fresh upstream connection per request unless the
// request asks to keep the connection alive, in which case the same
// upstream is reused for subsequent pipelined requests.
func (p *Proxy) serveHTTP(conn *runtime.Connection) {
	defer p.hdr.RemoveConnection(conn.ID)
	defer conn.Conn.Close()

	br := bufio.NewReader(conn.Conn)
	var upstream net.Conn
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
	}()

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		newPath := httpmode.StripLeadingSegment(req.URL.Path, p.hdr.Config.Name)
		if newPath == req.URL.Path && req.URL.Path != "/"+p.hdr.Config.Name {
			p.writeStatus(conn.Conn, 404, "Not Found")
			return
		}

		routeHint := -1
		if p.hdr.Config.Strategy == runtime.StrategyScripted && p.script != nil {
			if idx, ok, serr := p.script.OnRoute(req.Method, newPath); serr == nil && ok {
				routeHint = idx
			}
		}

		backends := p.liveBackends()
		candidates := p.order(backends, routeHint)

		if upstream == nil {
			var derr error
			upstream, derr = p.dialSync(candidates)
			if derr != nil {
				p.writeStatus(conn.Conn, 502, "Bad Gateway")
				return
			}
		}

		if err := p.forward(conn.Conn, upstream, req, newPath); err != nil {
			return
		}

		if !httpmode.KeepAlive(req) {
			return
		}
	}
}

// dialSync is the synchronous counterpart of dialFirstReachable, used
// from serveHTTP's own goroutine (which is not the reactor dispatch
// goroutine, so blocking here is safe).
func (p *Proxy) dialSync(candidates []string) (net.Conn, error) {
	done := make(chan struct {
		conn net.Conn
		err  error
	}, 1)
	p.dialFirstReachable(candidates, func(conn net.Conn, err error) {
		done <- struct {
			conn net.Conn
			err  error
		}{conn, err}
	})
	r := <-done
	return r.conn, r.err
}

// forward writes req (rewritten to newPath) to upstream, reads back its
// response, and relays the response verbatim to client.
func (p *Proxy) forward(client, upstream net.Conn, req *http.Request, newPath string) error {
	var buf bytes.Buffer
	buf.WriteString(httpmode.RewriteRequestLine(req.Method, newPath, "HTTP/1.1", req.Host))
	for k, vs := range req.Header {
		if k == "Host" {
			continue
		}
		for _, v := range vs {
			buf.WriteString(k + ": " + v + "\r\n")
		}
	}
	buf.WriteString("\r\n")
	if _, err := upstream.Write(buf.Bytes()); err != nil {
		return err
	}
	if req.Body != nil {
		_, _ = io.Copy(upstream, req.Body)
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return resp.Write(client)
}

func (p *Proxy) writeStatus(conn net.Conn, code int, text string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, text)
}
