package session

import (
	"context"
	"sync"

	"github.com/localrivet/livegate/upstream"
)

// handle is one upstream connection and everything scoped to it: the handling
// loop, the queue timers and in-flight tool calls.
type handle struct {
	conn   upstream.Conn
	ctx    context.Context // done once the handle is shut down
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed

	stopTimers chan struct{}
	timers     sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc

	closeOnce sync.Once
}

func newHandle(conn upstream.Conn, ctx context.Context, cancel context.CancelFunc) *handle {
	return &handle{
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		stopTimers: make(chan struct{}),
		inflight:   make(map[string]context.CancelCauseFunc),
	}
}

func (h *handle) markReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *handle) track(id string, cancel context.CancelCauseFunc) {
	h.inflightMu.Lock()
	h.inflight[id] = cancel
	h.inflightMu.Unlock()
}

func (h *handle) untrack(id string) {
	h.inflightMu.Lock()
	delete(h.inflight, id)
	h.inflightMu.Unlock()
}

// cancelCalls cancels the in-flight tool calls with the given ids and
// reports how many were found.
func (h *handle) cancelCalls(ids []string) int {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	n := 0
	for _, id := range ids {
		if cancel, ok := h.inflight[id]; ok {
			cancel(errCallCancelled)
			delete(h.inflight, id)
			n++
		}
	}
	return n
}

// shutdown stops the timers, cancels the loop and every in-flight call and
// closes the connection, then waits for the timers to exit. A timer blocked
// in Send is released by the close. Safe to call more than once and from the
// handling loop itself, but never from a timer.
func (h *handle) shutdown() {
	h.closeOnce.Do(func() {
		close(h.stopTimers)
		h.cancel()
		_ = h.conn.Close()
		h.timers.Wait()
	})
}
