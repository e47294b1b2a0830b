// Package reactor implements the daemon's single-threaded completion-based
// event loop (spec §4.1). A real io_uring submission/completion ring is
// Linux/cgo-specific; this is the idiomatic-Go re-expression described in
// spec §9: worker goroutines perform the one blocking syscall each
// operation needs (accept/read/write/connect/sleep) and post a Completion
// on a single channel. Exactly one goroutine — Run's caller — drains that
// channel and invokes callbacks, so every callback still runs to
// completion on "the reactor thread" and the ordering guarantees of §5
// hold: reads on a connection are delivered in arrival order and writes
// complete in submission order, because each connection's read/write
// loop is itself single-goroutine and sequential.
package reactor

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// OpKind identifies what a pending operation was submitted for.
type OpKind uint8

const (
	OpAccept OpKind = iota
	OpRead
	OpWrite
	OpConnect
	OpTimeout
	OpSignal
)

// Token is the opaque correlation token handed back by every Submit*
// call; completions and cancellations are addressed by Token.
type Token uint64

// Completion is what a worker goroutine hands to the dispatch loop.
type Completion struct {
	Token  Token
	Kind   OpKind
	Err    error
	N      int
	BufIdx int      // valid for OpRead; release with Reactor.ReleaseBuffer
	Buf    []byte   // the filled slice of the provided buffer, for OpRead
	Conn   net.Conn // valid for OpAccept/OpConnect
	Signal os.Signal
}

// CompletionFunc is invoked, exactly once, by the single dispatch
// goroutine when a submitted operation completes (or is discarded because
// its token was cancelled first).
type CompletionFunc func(Completion)

type pendingOp struct {
	kind OpKind
	void bool
	cb   CompletionFunc
	// cancel stops the worker goroutine backing this op, where possible
	// (closing a listener unblocks Accept, closing a conn unblocks Read).
	cancel func()
}

// Reactor is the process-wide event loop. One Reactor is created per
// daemon instance (spec §9: "process-wide state ... a single root object
// assembled at startup").
type Reactor struct {
	completions chan Completion
	stop        chan struct{}
	stopped     atomic.Bool

	mu      sync.Mutex
	pending map[Token]*pendingOp
	nextTok uint64

	timers *timers

	ring *bufRing

	sigCh  chan os.Signal
	sigTok Token
}

// Options configures the provided-buffer ring sizing (spec §5: "a
// provided-buffer ring of, for example, 4096 buffers of 4 KiB").
type Options struct {
	BufferCount int
	BufferSize  int
}

func DefaultOptions() Options {
	return Options{BufferCount: 4096, BufferSize: 4096}
}

func New(opt Options) *Reactor {
	if opt.BufferCount <= 0 {
		opt.BufferCount = 4096
	}
	if opt.BufferSize <= 0 {
		opt.BufferSize = 4096
	}

	r := &Reactor{
		completions: make(chan Completion, 1024),
		stop:        make(chan struct{}),
		pending:     make(map[Token]*pendingOp),
		timers:      newTimers(),
		ring:        newBufRing(opt.BufferCount, opt.BufferSize),
		sigCh:       make(chan os.Signal, 8),
	}

	signal.Notify(r.sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	return r
}

func (r *Reactor) newToken() Token {
	return Token(atomic.AddUint64(&r.nextTok, 1))
}

// register stores the pending op under a fresh token and returns it. Must
// be called before the worker goroutine can possibly post a completion,
// so Cancel always has something to mark void.
func (r *Reactor) register(kind OpKind, cb CompletionFunc, cancel func()) Token {
	tok := r.newToken()
	r.mu.Lock()
	r.pending[tok] = &pendingOp{kind: kind, cb: cb, cancel: cancel}
	r.mu.Unlock()
	return tok
}

// Cancel voids a pending operation. A completion that later arrives for
// this token is looked up, found void (or absent), and discarded — this
// is how connection/runtime teardown cancels in-flight operations
// (spec §4.1 "Cancellation").
func (r *Reactor) Cancel(tok Token) {
	r.mu.Lock()
	op, ok := r.pending[tok]
	if ok {
		op.void = true
		if op.cancel != nil {
			op.cancel()
		}
	}
	r.mu.Unlock()
}

// BufferAvailable reports the provided-buffer ring's current free count.
func (r *Reactor) BufferAvailable() int {
	return r.ring.available()
}

// ReleaseBuffer returns a buffer borrowed by a read completion to the
// ring. The callback must call this after it has finished with Buf.
func (r *Reactor) ReleaseBuffer(idx int) {
	r.ring.put(idx)
}

func (r *Reactor) post(c Completion) {
	select {
	case r.completions <- c:
	case <-r.stop:
	}
}

// SubmitAccept is a multishot accept: it yields one completion per
// incoming connection until Cancel is called on the returned token.
func (r *Reactor) SubmitAccept(ln net.Listener, cb CompletionFunc) Token {
	tok := r.register(OpAccept, cb, func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			r.mu.Lock()
			op, ok := r.pending[tok]
			void := !ok || op.void
			r.mu.Unlock()

			if void {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}

			r.post(Completion{Token: tok, Kind: OpAccept, Conn: conn, Err: err})

			if err != nil {
				return
			}
		}
	}()

	return tok
}

// SubmitRead borrows a provided buffer and reads once from conn. The
// caller's callback receives the filled slice and must ReleaseBuffer
// when done; resubmitting SubmitRead is how a connection keeps reading.
func (r *Reactor) SubmitRead(conn net.Conn, cb CompletionFunc) (Token, bool) {
	idx, buf, ok := r.ring.get()
	if !ok {
		return 0, false
	}

	tok := r.register(OpRead, cb, nil)

	go func() {
		n, err := conn.Read(buf)

		r.mu.Lock()
		op, ok := r.pending[tok]
		void := !ok || op.void
		r.mu.Unlock()

		if void {
			r.ring.put(idx)
			return
		}

		r.post(Completion{Token: tok, Kind: OpRead, N: n, Err: err, BufIdx: idx, Buf: buf[:n]})
	}()

	return tok, true
}

// SubmitWrite writes segments to conn. Contiguous segments are coalesced
// into a single vectored net.Buffers write (spec §4.1 "vectored when
// multiple enqueued segments are contiguous in time").
func (r *Reactor) SubmitWrite(conn net.Conn, segments [][]byte, cb CompletionFunc) Token {
	tok := r.register(OpWrite, cb, nil)

	go func() {
		var n int
		var err error

		if len(segments) == 1 {
			n, err = conn.Write(segments[0])
		} else {
			bufs := net.Buffers(segments)
			var n64 int64
			n64, err = bufs.WriteTo(conn)
			n = int(n64)
		}

		r.mu.Lock()
		op, ok := r.pending[tok]
		void := !ok || op.void
		r.mu.Unlock()

		if void {
			return
		}

		r.post(Completion{Token: tok, Kind: OpWrite, N: n, Err: err})
	}()

	return tok
}

// SubmitConnect dials an outbound endpoint with the given timeout.
func (r *Reactor) SubmitConnect(network, addr string, timeout time.Duration, cb CompletionFunc) Token {
	tok := r.register(OpConnect, cb, nil)

	go func() {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.Dial(network, addr)

		r.mu.Lock()
		op, ok := r.pending[tok]
		void := !ok || op.void
		r.mu.Unlock()

		if void {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		r.post(Completion{Token: tok, Kind: OpConnect, Conn: conn, Err: err})
	}()

	return tok
}

// SubmitTimeout fires cb once after d has elapsed, unless cancelled first.
func (r *Reactor) SubmitTimeout(d time.Duration, cb CompletionFunc) Token {
	tok := r.register(OpTimeout, cb, nil)
	r.mu.Lock()
	r.timers.add(time.Now().Add(d).UnixNano(), tok)
	r.mu.Unlock()
	return tok
}

// SubmitSignal registers cb to receive the process's OS signals
// (interrupt, terminate, hang-up, user-defined-1) as repeating
// completions: the reactor itself submits the signal operation and
// dispatches each delivery to the registered callback, the way it does
// for every other operation kind (spec §4.1/§9). Only one registration
// is meaningful at a time — os/signal already funnels every signal of
// interest onto a single channel — so a later SubmitSignal call
// replaces the earlier token's subscription. The token stays live
// across deliveries like SubmitAccept's, until Cancel is called.
func (r *Reactor) SubmitSignal(cb CompletionFunc) Token {
	tok := r.register(OpSignal, cb, nil)
	r.mu.Lock()
	r.sigTok = tok
	r.mu.Unlock()
	return tok
}

// NewCorrelationID mints an id for logging/diagnostics correlation
// (connections, operations) independent of the Token address space.
func NewCorrelationID() string {
	return uuid.NewString()
}

// RequestStop asks the dispatch loop to wind down: listening descriptors
// are closed via Cancel of their accept tokens by the caller first, then
// Run drains remaining connection teardown up to its own deadline.
func (r *Reactor) RequestStop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
}

func (r *Reactor) deliver(c Completion) {
	// OpAccept and OpSignal are multishot: the registration stays live
	// across repeated deliveries until Cancel (or, for OpAccept, a
	// terminal Accept error) retires it.
	recurring := c.Kind == OpAccept || c.Kind == OpSignal

	r.mu.Lock()
	op, ok := r.pending[c.Token]
	if ok && (!recurring || c.Err != nil) {
		delete(r.pending, c.Token)
	}
	r.mu.Unlock()

	if !ok || op.void || op.cb == nil {
		if c.Kind == OpRead && c.BufIdx >= 0 && c.Err == nil {
			// token was void by the time the read landed: still release
			// the buffer, there is no callback left to do it.
			r.ring.put(c.BufIdx)
		}
		return
	}

	op.cb(c)
}

// Run drains completions (I/O, timers, signals) until ctx is done or
// RequestStop is called, invoking exactly one callback at a time — this
// is the reactor's single suspension point besides script callouts
// (spec §5).
func (r *Reactor) Run(ctx context.Context) error {
	for {
		var timerC <-chan time.Time
		var tm *time.Timer

		r.mu.Lock()
		if deadline, ok := r.timers.next(); ok {
			d := time.Until(time.Unix(0, deadline))
			if d < 0 {
				d = 0
			}
			tm = time.NewTimer(d)
			timerC = tm.C
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			return ctx.Err()

		case <-r.stop:
			if tm != nil {
				tm.Stop()
			}
			return nil

		case c := <-r.completions:
			if tm != nil {
				tm.Stop()
			}
			r.deliver(c)

		case sig := <-r.sigCh:
			if tm != nil {
				tm.Stop()
			}
			r.mu.Lock()
			tok := r.sigTok
			r.mu.Unlock()
			r.deliver(Completion{Token: tok, Kind: OpSignal, Signal: sig})

		case <-timerC:
			r.mu.Lock()
			fired := r.timers.popExpired(time.Now().UnixNano())
			r.mu.Unlock()
			for _, tok := range fired {
				r.deliver(Completion{Token: tok, Kind: OpTimeout})
			}
		}
	}
}
