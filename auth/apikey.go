package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// keyPrincipal is the Principal for opaque API keys. The subject is a short
// fingerprint so the key itself never reaches logs.
type keyPrincipal struct {
	fingerprint string
}

func (p *keyPrincipal) GetClaims() interface{} { return nil }
func (p *keyPrincipal) GetSubject() string     { return "key:" + p.fingerprint }

// APIKeyValidator accepts any non-blank credential, or, when an allow-list is
// configured, only the listed keys.
type APIKeyValidator struct {
	allowed [][sha256.Size]byte
}

// NewAPIKeyValidator creates a validator. With no keys every non-blank
// credential is accepted.
func NewAPIKeyValidator(keys ...string) *APIKeyValidator {
	v := &APIKeyValidator{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			v.allowed = append(v.allowed, sha256.Sum256([]byte(k)))
		}
	}
	return v
}

// Validate implements Validator.
func (v *APIKeyValidator) Validate(_ context.Context, credential string) (Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrMissingCredential
	}
	sum := sha256.Sum256([]byte(credential))
	if len(v.allowed) > 0 {
		match := 0
		for _, allowed := range v.allowed {
			match |= subtle.ConstantTimeCompare(sum[:], allowed[:])
		}
		if match == 0 {
			return nil, &CredentialError{Reason: "unknown key"}
		}
	}
	return &keyPrincipal{fingerprint: hex.EncodeToString(sum[:4])}, nil
}

var _ Validator = (*APIKeyValidator)(nil)
