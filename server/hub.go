package server

import "sync"

// Hub tracks the live bridges so they can be closed together on shutdown.
type Hub struct {
	mu      sync.Mutex
	bridges map[*Bridge]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{bridges: make(map[*Bridge]struct{})}
}

// Add registers b. It returns false once CloseAll has run; the caller then
// owns closing b.
func (h *Hub) Add(b *Bridge) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.bridges[b] = struct{}{}
	return true
}

// Remove unregisters b. Removing an unknown bridge is a no-op.
func (h *Hub) Remove(b *Bridge) {
	h.mu.Lock()
	delete(h.bridges, b)
	h.mu.Unlock()
}

// Len returns the number of live bridges.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

// CloseAll closes every registered bridge and refuses new ones. Bridges are
// closed outside the lock, so a bridge removing itself while closing does
// not deadlock. It returns the number of bridges closed.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	h.closed = true
	snapshot := make([]*Bridge, 0, len(h.bridges))
	for b := range h.bridges {
		snapshot = append(snapshot, b)
	}
	h.mu.Unlock()

	for _, b := range snapshot {
		b.Close()
	}
	return len(snapshot)
}
