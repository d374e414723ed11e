package provider

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/localrivet/livegate/protocol"
)

const (
	// DefaultCallTimeout bounds a tools/call request.
	DefaultCallTimeout = 30 * time.Second
	// DefaultMetadataTimeout bounds initialize and tools/list requests.
	DefaultMetadataTimeout = 5 * time.Second
	// DefaultShutdownGrace is how long a provider gets to exit after an interrupt before it is killed.
	DefaultShutdownGrace = 2 * time.Second
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger. The provider name is attached to every record.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCallTimeout sets the deadline for tool invocations.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithMetadataTimeout sets the deadline for initialize and tool discovery.
func WithMetadataTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.metadataTimeout = d
		}
	}
}

// WithShutdownGrace sets how long Shutdown waits after interrupting the process.
func WithShutdownGrace(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.shutdownGrace = d
		}
	}
}

// WithClientInfo sets the implementation advertised during initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.clientInfo = protocol.Implementation{Name: name, Version: version}
	}
}

// WithToolsChangedHandler registers a callback run after the provider's
// declared tools are re-discovered.
func WithToolsChangedHandler(fn func(*Client)) ClientOption {
	return func(c *Client) {
		c.onToolsChanged = fn
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger. It is also handed to every client.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClientOptions appends options applied to every provider client.
func WithClientOptions(opts ...ClientOption) RegistryOption {
	return func(r *Registry) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

// WithTracer sets the tracer used to span tool executions.
func WithTracer(tracer trace.Tracer) RegistryOption {
	return func(r *Registry) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}
