package session

import (
	"fmt"
	"regexp"
	"time"

	"github.com/localrivet/livegate/protocol"
)

// Tags that mark locally injected input. They address the gateway, not the
// model, and are removed before input goes upstream.
const (
	TagNotification = "[notification]"
	TagSystem        = "[system]"
	TagScheduled     = "[scheduled]"
	TagReminder      = "[reminder]"
)

var leadingTags = regexp.MustCompile(`(?i)^\s*(?:\[(?:notification|system|scheduled|reminder)\]\s*)+`)

// StripTags removes any run of recognised leading tags from text. Unrecognised
// bracketed prefixes are left untouched.
func StripTags(text string) string {
	loc := leadingTags.FindStringIndex(text)
	if loc == nil {
		return text
	}
	return text[loc[1]:]
}

// Enqueue appends a notification to the turn-gated queue.
func (s *Session) Enqueue(text string) {
	s.mu.Lock()
	s.queue = append(s.queue, text)
	n := len(s.queue)
	s.mu.Unlock()
	s.logger.Debug("notification queued", "pending", n)
}

// QueueLen returns the number of queued notifications.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// DrainOnce forwards the oldest queued notification when the session is
// Active at a turn boundary. It reports whether an entry was sent. An entry
// that fails to send goes back to the head of the queue.
func (s *Session) DrainOnce() bool {
	s.mu.Lock()
	h := s.handle
	if h == nil || s.state != StateActive || len(s.queue) == 0 || !s.turnComplete {
		s.mu.Unlock()
		return false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if err := s.sendOn(h.ctx, h, &protocol.ClientMessage{
		RealtimeInput: &protocol.RealtimeInput{Text: StripTags(item)},
	}); err != nil {
		s.logger.Warn("failed to deliver queued notification", "error", err)
		s.mu.Lock()
		s.queue = append([]string{item}, s.queue...)
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Session) heartbeatText() string {
	return fmt.Sprintf("%s Current time: %s", TagNotification, s.now().Format(time.RFC1123Z))
}

// startTimers runs the heartbeat producer and the queue drainer for h until
// h is shut down. Callers hold s.mu.
func (s *Session) startTimers(h *handle) {
	h.timers.Add(1)
	go func() {
		defer h.timers.Done()

		heartbeat := time.NewTicker(s.heartbeatInterval)
		defer heartbeat.Stop()
		drain := time.NewTicker(s.drainInterval)
		defer drain.Stop()

		for {
			select {
			case <-h.stopTimers:
				return
			case <-heartbeat.C:
				s.Enqueue(s.heartbeatText())
			case <-drain.C:
				s.DrainOnce()
			}
		}
	}()
}
