// Package upstream connects to the streaming conversational service. A Conn
// carries one live session; a Dialer opens it and sends the setup message.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/transport/ws"
)

// DefaultURL is the live-session WebSocket endpoint.
const DefaultURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// Conn is one live upstream session.
type Conn interface {
	// Send writes one client message.
	Send(ctx context.Context, msg *protocol.ClientMessage) error
	// Recv blocks for the next server message. A *ProtocolError means the
	// message was dropped and the connection is still usable; any other
	// error means the connection is gone.
	Recv(ctx context.Context) (*protocol.ServerMessage, error)
	// Close ends the session. It is safe to call more than once.
	Close() error
}

// Dialer opens upstream sessions.
type Dialer interface {
	Dial(ctx context.Context, setup protocol.Setup) (Conn, error)
}

// WSDialer dials the upstream over WebSocket, retrying with backoff.
type WSDialer struct {
	endpoint string
	apiKey   string
	header   http.Header
	backoff  BackoffStrategy
	logger   *slog.Logger
}

// DialerOption configures a WSDialer.
type DialerOption func(*WSDialer)

// WithEndpoint overrides DefaultURL.
func WithEndpoint(endpoint string) DialerOption {
	return func(d *WSDialer) {
		if endpoint != "" {
			d.endpoint = endpoint
		}
	}
}

// WithBackoff sets the retry strategy for dialing.
func WithBackoff(b BackoffStrategy) DialerOption {
	return func(d *WSDialer) {
		if b != nil {
			d.backoff = b
		}
	}
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) DialerOption {
	return func(d *WSDialer) {
		d.header = h.Clone()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *WSDialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewWSDialer creates a dialer authenticating with apiKey.
func NewWSDialer(apiKey string, opts ...DialerOption) *WSDialer {
	d := &WSDialer{
		endpoint: DefaultURL,
		apiKey:   apiKey,
		backoff:  NewExponentialBackoff(time.Second, 10*time.Second, 3),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *WSDialer) url() (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse upstream endpoint: %w", err)
	}
	if d.apiKey != "" {
		q := u.Query()
		q.Set("key", d.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects and sends setup as the first message. It does not wait for
// setupComplete; the caller observes that through Recv.
func (d *WSDialer) Dial(ctx context.Context, setup protocol.Setup) (Conn, error) {
	target, err := d.url()
	if err != nil {
		return nil, &HandshakeError{Endpoint: d.endpoint, Cause: err}
	}
	setup.Model = ModelResource(setup.Model)

	attempts := d.backoff.MaxAttempts()
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := d.dialOnce(ctx, target, setup)
		if err == nil {
			d.logger.Info("upstream connected", "model", setup.Model, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == attempts {
			break
		}

		delay := d.backoff.NextDelay(attempt)
		d.logger.Warn("upstream dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &HandshakeError{Endpoint: d.endpoint, Attempts: attempts, Cause: lastErr}
}

func (d *WSDialer) dialOnce(ctx context.Context, target string, setup protocol.Setup) (*wsConn, error) {
	raw, err := ws.Dial(ctx, target, d.header)
	if err != nil {
		return nil, redact(err, d.apiKey)
	}
	conn := newWSConn(raw)
	if err := conn.Send(ctx, &protocol.ClientMessage{Setup: &setup}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}
	return conn, nil
}

// ModelResource returns the model name in "models/<name>" form.
func ModelResource(model string) string {
	if model == "" || strings.HasPrefix(model, "models/") || strings.HasPrefix(model, "tunedModels/") {
		return model
	}
	return "models/" + model
}

// redact strips the credential from dial errors, which echo the URL.
func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), secret, "REDACTED"))
}

type wsConn struct {
	conn      *ws.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *ws.Conn) *wsConn {
	return &wsConn{conn: conn, closed: make(chan struct{})}
}

func (c *wsConn) Send(ctx context.Context, msg *protocol.ClientMessage) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if err := c.conn.WriteJSONContext(ctx, msg); err != nil {
		if errors.Is(err, ws.ErrClosed) {
			return ErrConnClosed
		}
		select {
		case <-c.closed:
			return ErrConnClosed
		default:
		}
		return err
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) (*protocol.ServerMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, _, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-c.closed:
			return nil, ErrConnClosed
		default:
		}
		return nil, err
	}

	var msg protocol.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Raw: data, Cause: err}
	}
	return &msg, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
