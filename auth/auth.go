// Package auth validates the credential a client presents when it opens a
// connection and carries the resulting Principal through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidCredential is wrapped by every validation failure.
var ErrInvalidCredential = errors.New("invalid credential")

// ErrMissingCredential is returned when no credential was presented.
var ErrMissingCredential = fmt.Errorf("%w: missing", ErrInvalidCredential)

// Principal represents the authenticated entity after successful validation.
type Principal interface {
	// GetClaims returns the claims associated with the principal.
	// For JWT credentials this is jwt.MapClaims.
	GetClaims() interface{}
	// GetSubject returns a unique identifier for the principal.
	GetSubject() string
}

// Validator checks a credential string.
type Validator interface {
	// Validate returns the authenticated Principal, or an error wrapping
	// ErrInvalidCredential.
	Validate(ctx context.Context, credential string) (Principal, error)
}

// CredentialError describes why a credential was rejected.
type CredentialError struct {
	Reason string
	Cause  error
}

// Error implements the error interface
func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid credential: %s: %v", e.Reason, e.Cause)
	}
	return "invalid credential: " + e.Reason
}

// Unwrap lets errors.Is match ErrInvalidCredential.
func (e *CredentialError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidCredential, e.Cause}
	}
	return []error{ErrInvalidCredential}
}

// IsCredentialError checks if an error is a credential rejection
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrInvalidCredential)
}

// --- Context Handling ---

type principalKeyType struct{}

var principalKey = principalKeyType{}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the Principal from the context, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}
