// Package provider launches capability providers as subprocesses and speaks
// line-delimited JSON-RPC with them over stdio. A Registry aggregates the tools
// declared by every provider and routes invocations to the owner.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/transport/stdio"
)

const maxToolPages = 100

// Client owns one provider subprocess and correlates requests with responses.
type Client struct {
	spec            LaunchSpec
	logger          *slog.Logger
	callTimeout     time.Duration
	metadataTimeout time.Duration
	shutdownGrace   time.Duration
	clientInfo      protocol.Implementation
	onToolsChanged  func(*Client)

	mu        sync.Mutex
	cmd       *exec.Cmd
	transport *stdio.Transport
	done      chan struct{}
	started   bool
	closed    bool

	nextID  atomic.Int64
	pending sync.Map // correlation key -> chan *protocol.JSONRPCMessage

	toolsMu sync.RWMutex
	tools   []protocol.Tool
}

// NewClient creates a client for the given spec. The process is not started
// until Start is called.
func NewClient(spec LaunchSpec, opts ...ClientOption) *Client {
	c := &Client{
		spec:            spec,
		logger:          slog.Default(),
		callTimeout:     DefaultCallTimeout,
		metadataTimeout: DefaultMetadataTimeout,
		shutdownGrace:   DefaultShutdownGrace,
		clientInfo:      protocol.Implementation{Name: "livegate", Version: "dev"},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("provider", spec.Name)
	return c
}

// Name returns the provider name from its launch spec.
func (c *Client) Name() string {
	return c.spec.Name
}

// Tools returns a copy of the tools declared by the provider at the last discovery.
func (c *Client) Tools() []protocol.Tool {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	out := make([]protocol.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	n := 0
	c.pending.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Start spawns the subprocess, performs the initialize handshake and discovers
// the provider's tools. Only a spawn failure is returned; a provider that fails
// the handshake or discovery stays running with no tools.
func (c *Client) Start(ctx context.Context) error {
	if err := c.spec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	cmd.Env = c.spec.Environ()
	cmd.Dir = c.spec.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return NewLaunchError(c.spec.Name, c.spec.Command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return NewLaunchError(c.spec.Name, c.spec.Command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return NewLaunchError(c.spec.Name, c.spec.Command, err)
	}

	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return NewLaunchError(c.spec.Name, c.spec.Command, err)
	}

	transport := stdio.New(stdout, stdin, c.logger)
	done := make(chan struct{})
	c.cmd = cmd
	c.transport = transport
	c.done = done
	c.started = true
	c.mu.Unlock()

	c.logger.Info("provider started", "command", c.spec.Command, "pid", cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go c.logStderr(stderr, stderrDone)
	go c.receiveLoop(transport, cmd, stderrDone, done)

	if err := c.initialize(ctx); err != nil {
		c.logger.Warn("provider initialize failed", "error", err)
	}
	if _, err := c.refreshTools(ctx); err != nil {
		c.logger.Warn("tool discovery failed, provider exposes no tools", "error", err)
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := protocol.InitializeRequestParams{
		ProtocolVersion: protocol.ProviderProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      c.clientInfo,
	}
	raw, err := c.request(ctx, protocol.MethodInitialize, params, c.metadataTimeout)
	if err != nil {
		var invErr *InvocationError
		if errors.As(err, &invErr) && invErr.Code == protocol.CodeMethodNotFound {
			c.logger.Debug("provider does not implement initialize")
			return nil
		}
		return err
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err == nil {
		if _, err := protocol.CheckProviderVersion(result.ProtocolVersion); err != nil {
			// Tool calls usually still work across revisions.
			c.logger.Warn("provider negotiated an unknown protocol revision", "error", err)
		}
		c.logger.Debug("provider initialized",
			"server", result.ServerInfo.Name,
			"version", result.ServerInfo.Version,
			"protocol", result.ProtocolVersion)
	}
	return c.notify(protocol.MethodInitialized, nil)
}

// ListTools asks the provider for its declared tools, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	var (
		tools  []protocol.Tool
		cursor string
		seen   = map[string]bool{}
	)
	for page := 0; page < maxToolPages; page++ {
		raw, err := c.request(ctx, protocol.MethodListTools, protocol.ListToolsRequestParams{Cursor: cursor}, c.metadataTimeout)
		if err != nil {
			return nil, err
		}
		var result protocol.ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", protocol.MethodListTools, err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" || seen[result.NextCursor] {
			break
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}
	return tools, nil
}

func (c *Client) refreshTools(ctx context.Context) ([]protocol.Tool, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	c.toolsMu.Lock()
	c.tools = tools
	c.toolsMu.Unlock()

	c.logger.Info("tools discovered", "count", len(tools))
	if c.onToolsChanged != nil {
		c.onToolsChanged(c)
	}
	return tools, nil
}

// CallTool invokes a tool and returns the raw tools/call result. A result
// flagged isError is returned as an *InvocationError carrying its text.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	params := protocol.CallToolRequestParams{Name: name, Arguments: args}
	raw, err := c.request(ctx, protocol.MethodCallTool, params, c.callTimeout)
	if err != nil {
		var invErr *InvocationError
		if errors.As(err, &invErr) && invErr.Tool == "" {
			invErr.Tool = name
		}
		return nil, err
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(raw, &result); err == nil && result.IsError {
		msg := result.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, NewInvocationError(c.spec.Name, name, 0, msg)
	}
	return raw, nil
}

// request sends one JSON-RPC request and waits for its response, the deadline,
// ctx cancellation, or provider exit. The pending entry for the id is removed
// exactly once: by dispatch when the response arrives, or here when waiting
// gives up first.
func (c *Client) request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	transport, done, started, closed := c.transport, c.done, c.started, c.closed
	c.mu.Unlock()

	if !started {
		return nil, ErrNotStarted
	}
	if closed {
		return nil, ErrProviderClosed
	}
	select {
	case <-done:
		return nil, ErrProviderClosed
	default:
	}

	id := c.nextID.Add(1)
	key := protocol.FormatID(id)
	data, err := json.Marshal(protocol.NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan *protocol.JSONRPCMessage, 1)
	c.pending.Store(key, ch)

	if err := transport.Send(data); err != nil {
		c.pending.Delete(key)
		if errors.Is(err, stdio.ErrClosed) {
			return nil, ErrProviderClosed
		}
		return nil, &ProviderError{Provider: c.spec.Name, Message: "send " + method, Cause: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case msg, ok := <-ch:
		return c.resolve(method, msg, ok)
	case <-timer.C:
		waitErr = NewTimeoutError(c.spec.Name, method, timeout, nil)
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-done:
		waitErr = ErrProviderClosed
	}

	if _, loaded := c.pending.LoadAndDelete(key); !loaded {
		// The response path claimed the id first; its value is already buffered.
		msg, ok := <-ch
		return c.resolve(method, msg, ok)
	}
	if IsTimeoutError(waitErr) {
		c.logger.Warn("request timed out", "method", method, "id", id, "timeout", timeout)
	}
	return nil, waitErr
}

func (c *Client) resolve(method string, msg *protocol.JSONRPCMessage, ok bool) (json.RawMessage, error) {
	if !ok || msg == nil {
		return nil, ErrProviderClosed
	}
	if msg.Error != nil {
		return nil, NewInvocationError(c.spec.Name, "", msg.Error.Code, msg.Error.Message)
	}
	if len(msg.Result) == 0 {
		return json.RawMessage(`null`), nil
	}
	return msg.Result, nil
}

func (c *Client) notify(method string, params interface{}) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		return err
	}
	return transport.Send(data)
}

func (c *Client) reply(resp *protocol.JSONRPCResponse) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal reply", "error", err)
		return
	}
	if err := transport.Send(data); err != nil && !errors.Is(err, stdio.ErrClosed) {
		c.logger.Warn("failed to reply to provider", "error", err)
	}
}

// receiveLoop reads stdout until EOF, then reaps the process.
func (c *Client) receiveLoop(transport *stdio.Transport, cmd *exec.Cmd, stderrDone <-chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		line, err := transport.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, stdio.ErrClosed) {
				c.logger.Warn("provider stdout read failed", "error", err)
			}
			break
		}
		c.dispatch(line)
	}

	<-stderrDone
	err := cmd.Wait()

	c.mu.Lock()
	closing := c.closed
	c.closed = true
	c.mu.Unlock()

	if !closing {
		c.logger.Warn("provider exited", "error", err)
	} else {
		c.logger.Debug("provider process reaped", "error", err)
	}
	c.rejectPending()
}

// dispatch routes one line read from the provider. Malformed lines are logged
// and skipped.
func (c *Client) dispatch(line []byte) {
	var msg protocol.JSONRPCMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("malformed provider message", "error", err, "line", truncate(line, 256))
		return
	}

	switch {
	case msg.IsResponse():
		key := protocol.IDKey(msg.ID)
		value, ok := c.pending.LoadAndDelete(key)
		if !ok {
			c.logger.Debug("dropping response with no pending request", "id", key)
			return
		}
		value.(chan *protocol.JSONRPCMessage) <- &msg

	case msg.HasID():
		c.answerRequest(&msg)

	case msg.Method != "":
		c.handleNotification(&msg)

	default:
		c.logger.Warn("unrecognised provider message", "line", truncate(line, 256))
	}
}

// answerRequest replies to a request initiated by the provider. Only ping is
// supported; everything else is answered with method-not-found.
func (c *Client) answerRequest(msg *protocol.JSONRPCMessage) {
	if msg.Method == protocol.MethodPing {
		c.reply(protocol.NewSuccessResponse(msg.ID, struct{}{}))
		return
	}
	c.logger.Debug("rejecting provider request", "method", msg.Method)
	c.reply(protocol.NewErrorResponse(msg.ID, protocol.CodeMethodNotFound, "method not supported: "+msg.Method))
}

func (c *Client) handleNotification(msg *protocol.JSONRPCMessage) {
	switch msg.Method {
	case protocol.MethodNotifyToolsListChanged:
		c.logger.Info("provider tools changed, re-discovering")
		go func() {
			if _, err := c.refreshTools(context.Background()); err != nil {
				c.logger.Warn("tool re-discovery failed", "error", err)
			}
		}()
	case protocol.MethodNotifyMessage:
		c.logger.Debug("provider log", "params", string(msg.Params))
	default:
		c.logger.Debug("ignoring provider notification", "method", msg.Method)
	}
}

func (c *Client) logStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Info("provider stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Debug("provider stderr closed", "error", err)
	}
}

// rejectPending fails every outstanding request with ErrProviderClosed.
func (c *Client) rejectPending() {
	c.pending.Range(func(key, value interface{}) bool {
		if _, loaded := c.pending.LoadAndDelete(key); loaded {
			close(value.(chan *protocol.JSONRPCMessage))
		}
		return true
	})
}

// Shutdown closes the provider's stdio, interrupts the process and kills it
// if it has not exited within the grace period. Outstanding requests are
// rejected with ErrProviderClosed.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	alreadyClosed := c.closed
	c.closed = true
	cmd, transport, done := c.cmd, c.transport, c.done
	c.mu.Unlock()

	var errs []error
	if !alreadyClosed {
		if err := transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdio: %w", err))
		}
		if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Debug("interrupt failed", "error", err)
		}
	}

	select {
	case <-done:
	case <-time.After(c.shutdownGrace):
		c.logger.Warn("provider did not exit after interrupt, killing")
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill: %w", err))
		}
		select {
		case <-done:
		case <-time.After(c.shutdownGrace):
			errs = append(errs, fmt.Errorf("provider %s did not exit after kill", c.spec.Name))
		}
	}

	c.rejectPending()
	if !alreadyClosed {
		c.logger.Info("provider stopped")
	}
	return errors.Join(errs...)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
