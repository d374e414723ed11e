package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/localrivet/livegate/protocol"
)

// Standard error values that can be used with errors.Is()
var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrProviderClosed = errors.New("provider closed")
	ErrNotStarted     = errors.New("provider not started")
	ErrAlreadyStarted = errors.New("provider already started")
	ErrCallTimeout    = errors.New("provider call timed out")
	ErrInvalidSpec    = errors.New("invalid launch spec")
)

// ProviderError is the base error type for failures attributed to one provider.
type ProviderError struct {
	Provider string
	Message  string
	Cause    error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying cause
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// LaunchError indicates the provider executable could not be spawned.
type LaunchError struct {
	ProviderError
	Command string
}

// Error implements the error interface
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q failed: %s", e.Command, e.ProviderError.Error())
}

// InvocationError is a failure reported by the provider for a request,
// either as a JSON-RPC error or as a tool result flagged isError.
type InvocationError struct {
	ProviderError
	Tool string
	Code protocol.ErrorCode
}

// Error implements the error interface
func (e *InvocationError) Error() string {
	if e.Tool == "" {
		return e.ProviderError.Error()
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.ProviderError.Error())
}

// TimeoutError indicates a request received no response within its deadline.
type TimeoutError struct {
	ProviderError
	Method  string
	Timeout time.Duration
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v: %s", e.Method, e.Timeout, e.ProviderError.Error())
}

// Unwrap returns ErrCallTimeout so callers can match on the sentinel.
func (e *TimeoutError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrCallTimeout
}

// NotFoundError indicates no live provider declares the requested tool.
type NotFoundError struct {
	Tool string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Tool)
}

// Unwrap returns ErrToolNotFound
func (e *NotFoundError) Unwrap() error {
	return ErrToolNotFound
}

// ValidationError indicates the call arguments do not satisfy the tool's input schema.
type ValidationError struct {
	Tool     string
	Problems []string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Problems)
}

// NewLaunchError creates a new LaunchError
func NewLaunchError(provider, command string, cause error) error {
	return &LaunchError{
		ProviderError: ProviderError{Provider: provider, Message: "failed to start process", Cause: cause},
		Command:       command,
	}
}

// NewInvocationError creates a new InvocationError
func NewInvocationError(provider, tool string, code protocol.ErrorCode, message string) error {
	return &InvocationError{
		ProviderError: ProviderError{Provider: provider, Message: message},
		Tool:          tool,
		Code:          code,
	}
}

// NewTimeoutError creates a new TimeoutError
func NewTimeoutError(provider, method string, timeout time.Duration, cause error) error {
	return &TimeoutError{
		ProviderError: ProviderError{
			Provider: provider,
			Message:  fmt.Sprintf("no response after %v", timeout),
			Cause:    cause,
		},
		Method:  method,
		Timeout: timeout,
	}
}

// IsNotFound checks if an error reports an unknown tool
func IsNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound)
}

// IsTimeoutError checks if an error is a provider timeout
func IsTimeoutError(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr) || errors.Is(err, ErrCallTimeout)
}

// IsInvocationError checks if an error was reported by the provider
func IsInvocationError(err error) bool {
	var invErr *InvocationError
	return errors.As(err, &invErr)
}

// IsLaunchError checks if an error is a provider launch failure
func IsLaunchError(err error) bool {
	var launchErr *LaunchError
	return errors.As(err, &launchErr)
}

// IsValidationError checks if an error is an argument validation failure
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
