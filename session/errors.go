package session

import "errors"

var (
	// ErrNotConnected is returned when input is sent without a live upstream handle.
	ErrNotConnected = errors.New("session is not connected")
	// ErrClosedBeforeReady is returned by Connect when the upstream closes
	// before signalling setup completion.
	ErrClosedBeforeReady = errors.New("upstream closed before setup completed")
	// errCallCancelled is the cancellation cause for tool calls withdrawn by the upstream.
	errCallCancelled = errors.New("tool call cancelled by upstream")
)
