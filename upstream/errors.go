package upstream

import (
	"errors"
	"fmt"
)

// ErrConnClosed is returned by Send and Recv once the connection is closed.
var ErrConnClosed = errors.New("upstream connection closed")

// HandshakeError indicates the upstream could not be reached or refused the
// connection after every dial attempt.
type HandshakeError struct {
	Endpoint string
	Attempts int
	Cause    error
}

// Error implements the error interface
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("upstream handshake with %s failed after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause
func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// ProtocolError reports an upstream message that could not be decoded.
// The connection remains usable.
type ProtocolError struct {
	Raw   []byte
	Cause error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed upstream message: %v", e.Cause)
}

// Unwrap returns the underlying cause
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Fatal reports whether the error ends the connection.
func (e *ProtocolError) Fatal() bool {
	return false
}

// IsHandshakeError checks if an error is an upstream handshake failure
func IsHandshakeError(err error) bool {
	var hsErr *HandshakeError
	return errors.As(err, &hsErr)
}

// IsProtocolError checks if an error is a non-fatal upstream decode failure
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
