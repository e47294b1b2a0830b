package rtserver

import (
	"time"

	"github.com/HiImSmiley/socketleyd/internal/proto/ws"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

// frame encodes payload for conn's current protocol mode: WebSocket
// connections get a text frame, everything else gets a newline-framed
// line (spec §4.4 public contract "send").
func frame(conn *runtime.Connection, payload []byte) []byte {
	if conn.Mode == runtime.ModeWSOpen {
		return wsFrame(ws.OpText, payload)
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	out = append(out, '\n')
	return out
}

// Send enqueues payload for one connection; never blocks (spec §4.4).
func (s *Server) Send(conn *runtime.Connection, payload []byte) {
	conn.Writer.Enqueue(s.rx, conn, frame(conn, payload), func(error) { s.teardown(conn) })
}

// Broadcast enqueues payload for every live connection, subject to the
// runtime's mode (spec §4.4: "in" mode never writes back, "out"/"inout"
// accept broadcast on demand).
func (s *Server) Broadcast(payload []byte) {
	if s.hdr.Config.ServerMode == runtime.ServerIn {
		return
	}
	for _, conn := range s.hdr.Connections() {
		s.Send(conn, payload)
	}
}

// Multicast enqueues payload for exactly the given connection ids.
func (s *Server) Multicast(ids []uint64, payload []byte) {
	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, conn := range s.hdr.Connections() {
		if _, ok := want[conn.ID]; ok {
			s.Send(conn, payload)
		}
	}
}

// Disconnect gracefully shuts down then closes a connection (spec §4.4).
func (s *Server) Disconnect(conn *runtime.Connection) {
	if conn.Mode == runtime.ModeWSOpen {
		s.closeWS(conn, ws.CloseNormal)
		return
	}
	if tcp, ok := conn.Conn.(interface{ CloseWrite() error }); ok {
		_ = tcp.CloseWrite()
	}
	s.teardown(conn)
}

// PeerIP returns the connection's remote address string.
func (s *Server) PeerIP(conn *runtime.Connection) string {
	return conn.Peer
}

// SetMeta/GetMeta expose the per-connection key/value store scripts use
// to stash arbitrary state across messages (spec §3 "per-connection
// arbitrary key/value metadata map (used by scripts)").
func (s *Server) SetMeta(conn *runtime.Connection, key string, val interface{}) {
	conn.Meta.Store(key, val)
}

func (s *Server) GetMeta(conn *runtime.Connection, key string) (interface{}, bool) {
	return conn.Meta.Load(key)
}

// relay forwards payload to the configured upstream target, dialing it
// lazily on the connection's first message and streaming the backend's
// responses back as they arrive (spec §4.4 "optionally relay to a
// configured upstream target").
func (s *Server) relay(conn *runtime.Connection, payload []byte) {
	v, ok := conn.Meta.Load(relayKey)
	if !ok {
		s.rx.SubmitConnect("tcp", s.hdr.Config.Target, 5*time.Second, func(comp reactor.Completion) {
			if comp.Err != nil {
				s.teardown(conn)
				return
			}
			conn.Meta.Store(relayKey, comp.Conn)
			s.pumpRelay(conn, comp.Conn)
			_, _ = comp.Conn.Write(payload)
		})
		return
	}

	backend := v.(interface {
		Write([]byte) (int, error)
	})
	_, _ = backend.Write(payload)
}

// pumpRelay reads the backend's responses on a dedicated goroutine and
// forwards each chunk back to the client connection; this is the one
// place a concrete runtime reads synchronously rather than through the
// reactor; because it is a single dedicated goroutine per relayed
// connection it never blocks the reactor's own dispatch goroutine.
func (s *Server) pumpRelay(conn *runtime.Connection, backend interface {
	Read([]byte) (int, error)
	Close() error
}) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := backend.Read(buf)
			if n > 0 {
				s.Send(conn, append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				s.teardown(conn)
				return
			}
		}
	}()
}
