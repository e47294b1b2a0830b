package runtime

import (
	"sync"

	"github.com/HiImSmiley/socketleyd/internal/reactor"
)

// Writer serializes writes to one connection so they appear on the wire
// in enqueue order (spec §5 "writes on a connection appear on the wire
// in enqueue order") while still giving the reactor's vectored-write
// coalescing (spec §4.1) a chance to batch whatever queued up while a
// write was already in flight.
type Writer struct {
	mu    sync.Mutex
	queue [][]byte
	busy  bool
}

// Enqueue appends data to the write queue and, if nothing is currently
// in flight, submits it (and anything else queued concurrently) as one
// vectored write. onError, if non-nil, is called with any write error —
// callers use it to tear the connection down (spec §7: "I/O errors on
// one connection never tear down the runtime" — just that connection).
func (w *Writer) Enqueue(rx *reactor.Reactor, conn *Connection, data []byte, onError func(error)) {
	var onErrorOnly func(error)
	if onError != nil {
		onErrorOnly = func(err error) {
			if err != nil {
				onError(err)
			}
		}
	}
	w.enqueue(rx, conn, data, onErrorOnly)
}

// EnqueueThen is Enqueue, but the callback runs unconditionally once the
// batch containing this write settles (error or not) — for callers that
// tear a connection down right after a single reply regardless of
// outcome (e.g. the server runtime's one-shot static-file responses).
func (w *Writer) EnqueueThen(rx *reactor.Reactor, conn *Connection, data []byte, onDone func(error)) {
	w.enqueue(rx, conn, data, onDone)
}

func (w *Writer) enqueue(rx *reactor.Reactor, conn *Connection, data []byte, onDone func(error)) {
	w.mu.Lock()
	w.queue = append(w.queue, data)
	if w.busy {
		w.mu.Unlock()
		return
	}
	w.busy = true
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	w.flush(rx, conn, batch, onDone)
}

func (w *Writer) flush(rx *reactor.Reactor, conn *Connection, batch [][]byte, onDone func(error)) {
	rx.SubmitWrite(conn.Conn, batch, func(c reactor.Completion) {
		if onDone != nil {
			onDone(c.Err)
		}

		w.mu.Lock()
		if len(w.queue) == 0 {
			w.busy = false
			w.mu.Unlock()
			return
		}
		next := w.queue
		w.queue = nil
		w.mu.Unlock()

		w.flush(rx, conn, next, onDone)
	})
}

// Pending reports whether a write is currently in flight or queued.
func (w *Writer) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy || len(w.queue) > 0
}
