package control

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/HiImSmiley/socketleyd/internal/logx"
)

const productName = "socketleyd"

// SocketPath resolves the control socket location in the order of spec
// §6: SOCKETLEY_SOCKET env override, /run/<product>/<product>.sock
// (system mode), /tmp/<product>.sock (dev fallback).
func SocketPath() string {
	if p := os.Getenv("SOCKETLEY_SOCKET"); p != "" {
		return p
	}
	runPath := filepath.Join("/run", productName, productName+".sock")
	if dir := filepath.Dir(runPath); dirWritable(dir) {
		return runPath
	}
	return filepath.Join(os.TempDir(), productName+".sock")
}

func dirWritable(dir string) bool {
	if _, err := os.Stat(dir); err == nil {
		return true
	}
	return os.MkdirAll(dir, 0o755) == nil
}

// Server accepts control-plane connections on a unix domain socket and
// runs each line through a Dispatcher (spec §4.9).
type Server struct {
	Dispatcher *Dispatcher
	Path       string

	mu sync.Mutex
	ln net.Listener
}

// Listen binds the unix socket, removing any stale socket file left
// behind by an unclean shutdown first.
func (s *Server) Listen() error {
	if s.Path == "" {
		s.Path = SocketPath()
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("control: mkdir socket dir: %w", err)
	}
	if _, err := os.Stat(s.Path); err == nil {
		_ = os.Remove(s.Path)
	}

	ln, err := net.Listen("unix", s.Path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.Path, err)
	}
	if err := os.Chmod(s.Path, 0o660); err != nil {
		logx.New(logx.WarnLevel, "control: chmod socket failed").
			Field("path", s.Path).ErrorAdd(true, err).Check(logx.WarnLevel)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until the listener closes, handling each on
// its own goroutine (the control plane is off the reactor's single
// dispatch thread by design — Dispatcher's own collaborators, manager
// and persist.Store, guard themselves with their own mutexes).
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), 1<<20)
	for sc.Scan() {
		status, body := s.Dispatcher.Handle(sc.Text())

		out := make([]byte, 0, len(body)+2)
		out = append(out, status)
		out = append(out, body...)
		out = append(out, 0)

		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// Close shuts down the listener (and, since it's a unix socket, removes
// the backing file so a stale socket never blocks the next Listen).
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	_ = os.Remove(s.Path)
	return err
}
