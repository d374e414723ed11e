package session

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/upstream"
)

// loop processes upstream messages for h in arrival order until the
// connection ends.
func (s *Session) loop(ctx context.Context, h *handle) {
	defer close(h.done)

	for {
		msg, err := h.conn.Recv(ctx)
		if err != nil {
			if upstream.IsProtocolError(err) {
				s.logger.Warn("dropping malformed upstream message", "error", err)
				s.publish(Event{Type: EventError, Err: err})
				continue
			}
			h.err = err
			s.upstreamClosed(ctx, h, err)
			return
		}
		s.handleMessage(ctx, h, msg)
	}
}

func (s *Session) handleMessage(ctx context.Context, h *handle, msg *protocol.ServerMessage) {
	s.publish(Event{Type: EventMessage, Message: msg})

	if msg.CarriesTurnState() {
		s.mu.Lock()
		if s.handle == h {
			s.turnComplete = msg.TurnBoundary()
		}
		s.mu.Unlock()
	}

	if msg.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			s.dispatchTool(ctx, h, call)
		}
	}

	if msg.ToolCallCancellation != nil {
		n := h.cancelCalls(msg.ToolCallCancellation.IDs)
		s.logger.Debug("tool calls cancelled by upstream", "ids", msg.ToolCallCancellation.IDs, "in_flight", n)
	}

	if msg.GoAway != nil {
		s.logger.Warn("upstream will close soon", "time_left", msg.GoAway.TimeLeft)
	}

	if msg.SetupComplete != nil {
		h.markReady()
	}
}

// upstreamClosed handles the end of the handling loop. When the handle was
// released locally the loop context is already cancelled and nothing is left
// to do. A handle that never became Active leaves the session Disconnected;
// the pending Connect reports the failure and no EventClosed is published.
func (s *Session) upstreamClosed(ctx context.Context, h *handle, err error) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	current := s.handle == h
	active := current && s.state == StateActive
	if current {
		s.handle = nil
		if active {
			s.state = StateClosed
		} else {
			s.state = StateDisconnected
		}
	}
	s.mu.Unlock()

	h.shutdown()
	switch {
	case active:
		s.logger.Warn("upstream connection closed", "error", err)
		s.publish(Event{Type: EventClosed, Err: err})
	case current:
		s.logger.Debug("upstream closed during setup", "error", err)
	}
}

// dispatchTool runs one function call concurrently with its siblings and
// answers it upstream with the same id. A call withdrawn by the upstream is
// not answered.
func (s *Session) dispatchTool(ctx context.Context, h *handle, call protocol.FunctionCall) {
	if s.tools == nil {
		s.logger.Warn("tool call received but no executor is configured", "tool", call.Name)
		return
	}
	callCtx, cancel := context.WithCancelCause(ctx)
	h.track(call.ID, cancel)

	go func() {
		defer cancel(nil)
		defer h.untrack(call.ID)

		callCtx, span := s.tracer.Start(callCtx, "session.tool_call",
			trace.WithAttributes(
				attribute.String("session.id", s.id),
				attribute.String("tool.name", call.Name),
				attribute.String("tool.call_id", call.ID),
			))
		defer span.End()

		result, err := s.tools.Execute(callCtx, call.Name, call.Args)
		if errors.Is(context.Cause(callCtx), errCallCancelled) {
			s.logger.Debug("dropping response for cancelled tool call", "tool", call.Name, "id", call.ID)
			span.SetStatus(codes.Error, "cancelled")
			return
		}

		resp := protocol.FunctionResponse{ID: call.ID, Name: call.Name}
		if err != nil {
			s.logger.Warn("tool call failed", "tool", call.Name, "id", call.ID, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			resp.Response = map[string]interface{}{"error": err.Error()}
		} else {
			resp.Response = map[string]interface{}{"output": decodeResult(result)}
		}

		msg := &protocol.ClientMessage{ToolResponse: &protocol.ToolResponse{
			FunctionResponses: []protocol.FunctionResponse{resp},
		}}
		if err := s.sendOn(ctx, h, msg); err != nil {
			s.logger.Debug("tool response not sent", "tool", call.Name, "id", call.ID, "error", err)
		}
	}()
}

func decodeResult(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
