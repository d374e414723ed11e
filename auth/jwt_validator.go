package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ClaimsConfig holds the standard-claim checks shared by the JWT validators.
type ClaimsConfig struct {
	// ExpectedIssuer is the required value for the 'iss' claim. (Optional)
	ExpectedIssuer string
	// ExpectedAudience is the required value for the 'aud' claim. (Optional)
	ExpectedAudience string
	// ClockSkew is the acceptable difference when checking 'exp' and 'nbf'.
	ClockSkew time.Duration
}

func (c ClaimsConfig) parserOptions(methods ...string) []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if c.ExpectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(c.ExpectedIssuer))
	}
	if c.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(c.ExpectedAudience))
	}
	if c.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(c.ClockSkew))
	}
	return opts
}

// jwtPrincipal implements the Principal interface for JWT claims.
type jwtPrincipal struct {
	claims jwt.MapClaims
}

func (p *jwtPrincipal) GetClaims() interface{} {
	return p.claims
}

func (p *jwtPrincipal) GetSubject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

func parseJWT(credential string, keyFunc jwt.Keyfunc, opts []jwt.ParserOption) (Principal, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, keyFunc, opts...)
	if err != nil {
		return nil, &CredentialError{Reason: "token rejected", Cause: err}
	}
	if !token.Valid {
		return nil, &CredentialError{Reason: "token is not valid"}
	}
	return &jwtPrincipal{claims: claims}, nil
}

// HMACValidator accepts HS256 tokens signed with a shared secret.
type HMACValidator struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewHMACValidator creates a validator for tokens signed with secret.
func NewHMACValidator(secret string, claims ClaimsConfig) (*HMACValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("HMAC secret is required")
	}
	return &HMACValidator{
		secret: []byte(secret),
		opts:   claims.parserOptions(jwt.SigningMethodHS256.Alg()),
	}, nil
}

// Validate implements Validator.
func (v *HMACValidator) Validate(_ context.Context, credential string) (Principal, error) {
	return parseJWT(credential, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts)
}

// JWKSConfig holds configuration for the JWKS-based validator.
type JWKSConfig struct {
	ClaimsConfig
	// JWKSURL is the URL of the JSON Web Key Set endpoint. (Required)
	JWKSURL string
	// RefreshInterval defines how often to refresh the JWK set. Defaults to 1 hour.
	RefreshInterval time.Duration
}

// JWKSValidator accepts RSA or ECDSA signed tokens whose key is published at a JWKS URL.
type JWKSValidator struct {
	config   JWKSConfig
	jwkCache *jwk.Cache
	opts     []jwt.ParserOption
}

// NewJWKSValidator registers the JWKS URL with a refreshing cache and fetches it once.
func NewJWKSValidator(ctx context.Context, config JWKSConfig, client *http.Client) (*JWKSValidator, error) {
	if config.JWKSURL == "" {
		return nil, fmt.Errorf("JWKSURL is required in JWKSConfig")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(config.JWKSURL, jwk.WithMinRefreshInterval(config.RefreshInterval), jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL %s with cache: %w", config.JWKSURL, err)
	}
	if _, err := cache.Refresh(ctx, config.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch from %s: %w", config.JWKSURL, err)
	}

	return &JWKSValidator{
		config:   config,
		jwkCache: cache,
		opts:     config.parserOptions("RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256"),
	}, nil
}

// Validate implements Validator.
func (v *JWKSValidator) Validate(ctx context.Context, credential string) (Principal, error) {
	return parseJWT(credential, func(token *jwt.Token) (interface{}, error) {
		return v.keyFor(ctx, token)
	}, v.opts)
}

// keyFor looks up the token's 'kid' in the cached key set, refreshing once
// when the key is unknown.
func (v *JWKSValidator) keyFor(ctx context.Context, token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("JWT header missing 'kid' field")
	}

	keySet, err := v.jwkCache.Get(ctx, v.config.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWK set for %s: %w", v.config.JWKSURL, err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		keySet, err = v.jwkCache.Refresh(ctx, v.config.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("key %q not found and JWKS refresh failed: %w", kid, err)
		}
		if key, found = keySet.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key %q not found in JWKS at %s", kid, v.config.JWKSURL)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("failed to get raw public key material for kid %q: %w", kid, err)
	}
	return rawKey, nil
}

var (
	_ Validator = (*HMACValidator)(nil)
	_ Validator = (*JWKSValidator)(nil)
)
