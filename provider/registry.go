package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/localrivet/livegate/protocol"
)

const tracerName = "github.com/localrivet/livegate/provider"

type toolEntry struct {
	client *Client
	tool   protocol.Tool
	schema *gojsonschema.Schema
}

// Registry aggregates the tools of every running provider and routes
// invocations by tool name. When two providers declare the same tool, the one
// listed first keeps it and the later declaration is not indexed.
type Registry struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	clientOpts []ClientOption

	mu        sync.RWMutex
	providers []*Client
	order     []string // tool names in provider order
	index     map[string]*toolEntry
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		index:  make(map[string]*toolEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize starts every provider concurrently and rebuilds the tool index.
// A provider that fails to start is logged and left out. Providers from a
// previous Initialize are shut down once the new set is indexed.
func (r *Registry) Initialize(ctx context.Context, specs []LaunchSpec) {
	clients := make([]*Client, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			r.logger.Error("skipping provider", "error", err)
			continue
		}
		wg.Add(1)
		go func(i int, spec LaunchSpec) {
			defer wg.Done()
			opts := append([]ClientOption{WithLogger(r.logger)}, r.clientOpts...)
			opts = append(opts, WithToolsChangedHandler(r.toolsChanged))
			c := NewClient(spec, opts...)
			if err := c.Start(ctx); err != nil {
				r.logger.Error("provider failed to start", "provider", spec.Name, "error", err)
				return
			}
			clients[i] = c
		}(i, spec)
	}
	wg.Wait()

	started := make([]*Client, 0, len(clients))
	for _, c := range clients {
		if c != nil {
			started = append(started, c)
		}
	}

	r.mu.Lock()
	previous := r.providers
	r.providers = started
	r.reindexLocked()
	toolCount := len(r.order)
	r.mu.Unlock()

	r.logger.Info("capability registry initialized",
		"providers", len(started),
		"failed", len(specs)-len(started),
		"tools", toolCount)

	if len(previous) > 0 {
		if err := shutdownAll(previous); err != nil {
			r.logger.Warn("previous providers did not shut down cleanly", "error", err)
		}
	}
}

func (r *Registry) toolsChanged(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		if p == c {
			r.reindexLocked()
			return
		}
	}
}

// reindexLocked rebuilds the tool index from r.providers in order. Callers hold r.mu.
func (r *Registry) reindexLocked() {
	index := make(map[string]*toolEntry)
	order := make([]string, 0, len(r.index))

	for _, c := range r.providers {
		for _, tool := range c.Tools() {
			if owner, exists := index[tool.Name]; exists {
				r.logger.Warn("tool name conflict, keeping first declaration",
					"tool", tool.Name,
					"kept", owner.client.Name(),
					"rejected", c.Name())
				continue
			}
			schema, err := compileSchema(tool.InputSchema)
			if err != nil {
				r.logger.Warn("tool input schema does not compile, arguments will not be validated",
					"tool", tool.Name, "provider", c.Name(), "error", err)
			}
			index[tool.Name] = &toolEntry{client: c, tool: tool, schema: schema}
			order = append(order, tool.Name)
		}
	}

	r.index = index
	r.order = order
}

// Resolve returns the provider that owns the named tool.
func (r *Registry) Resolve(name string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.index[name]
	if !ok {
		return nil, &NotFoundError{Tool: name}
	}
	return entry.client, nil
}

// Execute validates args against the tool's input schema and invokes the tool
// on its provider. Every failure, including a panic while invoking, comes back
// as an error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (result json.RawMessage, err error) {
	ctx, span := r.tracer.Start(ctx, "provider.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool execution panicked", "tool", name, "panic", rec)
			result = nil
			err = &ProviderError{Provider: "unknown", Message: fmt.Sprintf("panic during %s", name), Cause: fmt.Errorf("%v", rec)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r.mu.RLock()
	entry, ok := r.index[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Tool: name}
	}
	span.SetAttributes(attribute.String("provider.name", entry.client.Name()))

	if isEmptyJSON(args) {
		args = json.RawMessage(`{}`)
	}
	if err := validateArguments(entry.schema, name, args); err != nil {
		return nil, err
	}
	return entry.client.CallTool(ctx, name, args)
}

// DescribeAll returns every indexed tool in provider order.
func (r *Registry) DescribeAll() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]protocol.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.index[name].tool)
	}
	return tools
}

// FunctionDeclarations returns the indexed tools in the form advertised upstream.
func (r *Registry) FunctionDeclarations() []protocol.FunctionDeclaration {
	tools := r.DescribeAll()
	decls := make([]protocol.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, protocol.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  declarationSchema(t.InputSchema),
		})
	}
	return decls
}

// Providers returns the names of the running providers in order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for _, c := range r.providers {
		names = append(names, c.Name())
	}
	return names
}

// Shutdown stops every provider. Failures are joined and returned; every
// provider is attempted regardless.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	providers := r.providers
	r.providers = nil
	r.index = make(map[string]*toolEntry)
	r.order = nil
	r.mu.Unlock()

	err := shutdownAll(providers)
	if err != nil {
		r.logger.Warn("provider shutdown reported errors", "error", err)
	}
	return err
}

func shutdownAll(clients []*Client) error {
	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			errs[i] = c.Shutdown()
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}
