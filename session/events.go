package session

import (
	"github.com/localrivet/livegate/protocol"
)

// EventType discriminates session events.
type EventType int

const (
	// EventReady is published once the upstream acknowledged setup.
	EventReady EventType = iota
	// EventMessage carries one upstream message, in arrival order.
	EventMessage
	// EventClosed is published when the session's handle is released, either by
	// Disconnect (Err nil) or by the upstream going away (Err set).
	EventClosed
	// EventError reports a non-fatal failure worth surfacing to observers.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one notification from a session to its observers.
type Event struct {
	Type    EventType
	Message *protocol.ServerMessage
	Err     error
}

// DefaultEventBuffer is the per-subscriber channel capacity used when Subscribe
// is given a non-positive size.
const DefaultEventBuffer = 256

// Subscribe registers an observer. Events are delivered in publication order;
// if the subscriber falls behind by more than buffer events, further events are
// dropped for it and a warning is logged. The returned func unsubscribes and
// closes the channel.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once bool
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if once {
			return
		}
		once = true
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Session) publish(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("subscriber is not keeping up, dropping event", "subscriber", id, "event", ev.Type.String())
		}
	}
}
