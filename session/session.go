// Package session owns one upstream live connection on behalf of one client.
// It runs the connect/ready/active/closed state machine, routes upstream
// messages to observers, dispatches tool calls to an Executor and injects
// queued notifications only at turn boundaries.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/upstream"
)

const (
	// DefaultHeartbeatInterval is how often a current-time notification is queued.
	DefaultHeartbeatInterval = time.Minute
	// DefaultDrainInterval is how often the notification queue is checked.
	DefaultDrainInterval = time.Second
	// DefaultModel is the upstream model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	tracerName = "github.com/localrivet/livegate/session"
)

// State is the externally observable session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Executor runs tools on behalf of the upstream model.
type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	FunctionDeclarations() []protocol.FunctionDeclaration
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithModel sets the upstream model.
func WithModel(model string) Option {
	return func(s *Session) {
		if model != "" {
			s.model = model
		}
	}
}

// WithSystemInstruction sets the system instruction sent with setup.
func WithSystemInstruction(text string) Option {
	return func(s *Session) {
		s.systemInstruction = text
	}
}

// WithHeartbeatInterval sets how often a current-time notification is queued.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithDrainInterval sets how often the notification queue is drained.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.drainInterval = d
		}
	}
}

// WithClock overrides time.Now for heartbeat notifications.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracer sets the tracer for connect and tool-call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Session is one client's conversation with the upstream service.
type Session struct {
	id                string
	dialer            upstream.Dialer
	tools             Executor
	logger            *slog.Logger
	tracer            trace.Tracer
	model             string
	systemInstruction string
	heartbeatInterval time.Duration
	drainInterval     time.Duration
	now               func() time.Time

	// sendMu serialises upstream sends. It is always taken before mu.
	sendMu sync.Mutex

	mu           sync.Mutex
	state        State
	handle       *handle
	gen          uint64 // bumped by every Connect and Disconnect
	turnComplete bool
	queue        []string

	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a disconnected session.
func New(dialer upstream.Dialer, tools Executor, opts ...Option) *Session {
	s := &Session{
		id:                uuid.NewString(),
		dialer:            dialer,
		tools:             tools,
		logger:            slog.Default(),
		tracer:            otel.Tracer(tracerName),
		model:             DefaultModel,
		heartbeatInterval: DefaultHeartbeatInterval,
		drainInterval:     DefaultDrainInterval,
		now:               time.Now,
		state:             StateDisconnected,
		turnComplete:      true,
		subs:              make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// ID returns the session identifier used in logs and transcripts.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is Active and accepting input.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.state == StateActive
}

// TurnComplete reports whether the upstream is at a turn boundary.
func (s *Session) TurnComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnComplete
}

func (s *Session) buildSetup() protocol.Setup {
	setup := protocol.Setup{
		Model:                    s.model,
		GenerationConfig:         &protocol.GenerationConfig{ResponseModalities: []string{"AUDIO"}},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if s.systemInstruction != "" {
		setup.SystemInstruction = &protocol.LiveContent{Parts: []protocol.Part{{Text: s.systemInstruction}}}
	}
	if s.tools != nil {
		if decls := s.tools.FunctionDeclarations(); len(decls) > 0 {
			setup.Tools = []protocol.ToolSet{{FunctionDeclarations: decls}}
		}
	}
	return setup
}

// Connect opens a fresh upstream handle, tearing down any existing one, and
// blocks until the upstream signals setup completion, ctx is done, or the
// upstream closes first.
func (s *Session) Connect(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "session.connect", trace.WithAttributes(attribute.String("session.id", s.id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	old := s.handle
	s.handle = nil
	s.state = StateConnecting
	s.mu.Unlock()
	if old != nil {
		s.logger.Debug("replacing existing upstream handle")
		old.shutdown()
	}

	conn, err := s.dialer.Dial(ctx, s.buildSetup())
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return fmt.Errorf("connect upstream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h := newHandle(conn, loopCtx, cancel)

	s.mu.Lock()
	if s.gen != gen {
		// Disconnect or a newer Connect ran while dialing.
		s.mu.Unlock()
		h.shutdown()
		return ErrNotConnected
	}
	s.handle = h
	s.turnComplete = true
	s.mu.Unlock()

	go s.loop(loopCtx, h)

	select {
	case <-h.ready:
	case <-h.done:
		s.mu.Lock()
		if s.handle == h {
			s.handle = nil
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		h.shutdown()
		return fmt.Errorf("%w: %v", ErrClosedBeforeReady, h.err)
	case <-ctx.Done():
		s.mu.Lock()
		if s.handle == h {
			s.handle = nil
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		h.shutdown()
		return ctx.Err()
	}

	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		select {
		case <-h.done:
			return fmt.Errorf("%w: %v", ErrClosedBeforeReady, h.err)
		default:
			return ErrNotConnected
		}
	}
	s.state = StateReady
	// Timers start under mu so a concurrent Disconnect either sees them or
	// finds the handle already gone.
	s.startTimers(h)
	s.state = StateActive
	// Published under mu so EventReady always precedes a concurrent EventClosed.
	s.publish(Event{Type: EventReady})
	s.mu.Unlock()

	s.logger.Info("session ready", "model", s.model)
	return nil
}

// Disconnect releases the upstream handle and stops both queue timers before
// returning. It is idempotent; EventClosed is published on the first call.
func (s *Session) Disconnect() {
	s.mu.Lock()
	h := s.handle
	prev := s.state
	s.gen++
	s.handle = nil
	s.state = StateClosed
	s.mu.Unlock()

	if h != nil {
		h.shutdown()
	}
	if prev != StateClosed {
		s.logger.Info("session disconnected")
		s.publish(Event{Type: EventClosed})
	}
}

// SendRealtimeInput forwards user input upstream. It fails with
// ErrNotConnected unless the session is Active. Leading notification tags
// are stripped from text; input that is empty after stripping is not sent.
func (s *Session) SendRealtimeInput(ctx context.Context, in protocol.RealtimeInput) error {
	s.mu.Lock()
	h := s.handle
	active := s.state == StateActive
	s.mu.Unlock()
	if h == nil || !active {
		return ErrNotConnected
	}

	if in.Text != "" {
		in.Text = StripTags(in.Text)
	}
	if in.Text == "" && in.Audio == nil {
		return nil
	}
	return s.sendOn(ctx, h, &protocol.ClientMessage{RealtimeInput: &in})
}

// sendOn writes msg on h if h is still the session's live handle. The write
// is abandoned when ctx is done or h is shut down.
func (s *Session) sendOn(ctx context.Context, h *handle, msg *protocol.ClientMessage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	live := s.handle == h
	s.mu.Unlock()
	if !live {
		return ErrNotConnected
	}
	return h.conn.Send(ctx, msg)
}
