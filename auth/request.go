package auth

import (
	"context"
	"net/http"
	"strings"
)

// DefaultCredentialHeader is the header clients put their credential in.
const DefaultCredentialHeader = "api_key"

// Authenticator validates the credential carried by an HTTP upgrade request.
type Authenticator struct {
	Validator Validator
	// Header names the request header holding the credential.
	Header string
}

// Credential extracts the credential from r. A "Bearer " prefix is accepted
// and removed.
func (a *Authenticator) Credential(r *http.Request) string {
	header := a.Header
	if header == "" {
		header = DefaultCredentialHeader
	}
	value := strings.TrimSpace(r.Header.Get(header))
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		value = strings.TrimSpace(value[7:])
	}
	return value
}

// Authenticate validates the request credential and returns a context
// carrying the Principal.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (context.Context, error) {
	credential := a.Credential(r)
	if credential == "" {
		return ctx, ErrMissingCredential
	}
	principal, err := a.Validator.Validate(ctx, credential)
	if err != nil {
		return ctx, err
	}
	return ContextWithPrincipal(ctx, principal), nil
}
