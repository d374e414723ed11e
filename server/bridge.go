package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	gws "github.com/gobwas/ws"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/session"
)

// Session is the part of a live session a bridge drives.
type Session interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	SendRealtimeInput(ctx context.Context, in protocol.RealtimeInput) error
	Subscribe(buffer int) (<-chan session.Event, func())
}

// FrameConn is a message-oriented client connection. Writes must be safe
// for concurrent use.
type FrameConn interface {
	ReadMessage() ([]byte, gws.OpCode, error)
	WriteJSON(v interface{}) error
	Close() error
}

var _ Session = (*session.Session)(nil)

// Bridge connects one client connection to one session.
type Bridge struct {
	id      string
	conn    FrameConn
	sess    Session
	logger  *slog.Logger
	limiter *rate.Limiter

	closeOnce sync.Once
}

// NewBridge creates a bridge. A nil limiter admits every frame.
func NewBridge(conn FrameConn, sess Session, logger *slog.Logger, limiter *rate.Limiter) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	id := uuid.NewString()
	return &Bridge{
		id:      id,
		conn:    conn,
		sess:    sess,
		logger:  logger.With("bridge", id, "session", sess.ID()),
		limiter: limiter,
	}
}

// ID returns the bridge identifier.
func (b *Bridge) ID() string {
	return b.id
}

// Run connects the session and pumps frames both ways until the client
// connection ends. The session is disconnected before Run returns.
func (b *Bridge) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before connecting so EventReady cannot be missed.
	events, unsubscribe := b.sess.Subscribe(session.DefaultEventBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		b.forward(events)
	}()

	connected := make(chan struct{})
	go func() {
		defer close(connected)
		b.connect(ctx)
	}()

	b.readLoop(ctx)

	cancel()
	<-connected
	b.sess.Disconnect()
	unsubscribe()
	<-forwarded
	_ = b.conn.Close()
	b.logger.Info("client bridge closed")
}

// Close ends the client connection and disconnects the session.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		_ = b.conn.Close()
		b.sess.Disconnect()
	})
}

func (b *Bridge) connect(ctx context.Context) {
	if err := b.sess.Connect(ctx); err != nil {
		// The bridge closed the session itself.
		if ctx.Err() != nil || errors.Is(err, session.ErrNotConnected) {
			return
		}
		b.logger.Error("failed to connect upstream session", "error", err)
		b.send(protocol.ErrorFrame(protocol.FrameCodeUpstream, "Failed to connect to the model service."))
		_ = b.conn.Close()
	}
}

// forward encodes session events as client frames until events is closed.
func (b *Bridge) forward(events <-chan session.Event) {
	for ev := range events {
		switch ev.Type {
		case session.EventReady:
			b.send(protocol.StatusFrame("ready"))
		case session.EventMessage:
			if ev.Message == nil {
				continue
			}
			for _, frame := range framesFor(ev.Message) {
				b.send(frame)
			}
		case session.EventClosed:
			if ev.Err != nil {
				b.send(protocol.ErrorFrame(protocol.FrameCodeUpstream, "Model service connection closed."))
				_ = b.conn.Close()
			}
		case session.EventError:
			b.logger.Debug("session reported an error", "error", ev.Err)
		}
	}
}

func (b *Bridge) send(frame protocol.Frame) {
	if err := b.conn.WriteJSON(frame); err != nil {
		b.logger.Debug("failed to write client frame", "type", frame.Type, "error", err)
	}
}

func (b *Bridge) readLoop(ctx context.Context) {
	for {
		data, _, err := b.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				b.logger.Debug("client connection closed")
			} else {
				b.logger.Warn("client read failed", "error", err)
			}
			return
		}
		b.handleFrame(ctx, data)
	}
}

func (b *Bridge) handleFrame(ctx context.Context, data []byte) {
	if !b.sess.IsConnected() {
		b.logger.Debug("dropping client frame, session not ready")
		return
	}
	if !b.limiter.Allow() {
		b.logger.Warn("client frame rate exceeded, dropping frame")
		b.send(protocol.ErrorFrame(protocol.FrameCodeTooManyRequests, "Too many frames, slow down."))
		return
	}

	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownFrameType) {
			b.logger.Warn("ignoring client frame of unknown type", "type", frame.Type)
			return
		}
		b.logger.Warn("failed to decode client frame", "error", err)
		b.send(protocol.ErrorFrame(protocol.FrameCodeBadRequest, "Invalid message format received. "+err.Error()))
		return
	}

	var in protocol.RealtimeInput
	switch frame.Type {
	case protocol.FrameText:
		in.Text = frame.Text
	case protocol.FrameAudio:
		in.Audio = frame.Audio
	}
	if err := b.sess.SendRealtimeInput(ctx, in); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			b.logger.Debug("dropping client frame, session went away", "type", frame.Type)
			return
		}
		b.logger.Warn("failed to forward client frame", "type", frame.Type, "error", err)
	}
}
