package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownFrameType is returned for a well-formed client frame whose type
// is not one of the recognised inbound types.
var ErrUnknownFrameType = errors.New("unknown frame type")

// DecodeError reports a client frame that could not be decoded.
type DecodeError struct {
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// IsDecodeError checks if an error is a client frame decode error.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}
