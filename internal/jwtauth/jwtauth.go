package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the bearer token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation of inbound bearer tokens.
type Config struct {
	Issuer string
	// Audiences lists accepted "aud" values; a token must carry at least one.
	Audiences      []string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" header type.
	RequireAccessTokenType bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("at least one audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return errors.New(`alg "none" is never allowed`)
	}
	return nil
}

// Principal is the validated caller.
type Principal struct {
	Subject string
	claims  jwt.MapClaims
}

// Claims unmarshals the token claims into ref.
func (p *Principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates bearer tokens against one issuer's signing keys.
type Verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery resolves the issuer's jwks_uri through OpenID Connect
// discovery and returns a Verifier whose keys refresh in the background
// until ctx is done.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newVerifier(ctx, cfg, meta.JwksURI)
}

// NewStatic returns a Verifier that reads keys from a fixed JWKS URL and
// skips discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURL string) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURL == "" {
		return nil, errors.New("jwks url required")
	}
	return newVerifier(ctx, cfg, jwksURL)
}

func newVerifier(ctx context.Context, cfg *Config, jwksURL string) (*Verifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

// Verify checks signature, issuer, audience, expiry and scopes, and returns
// the token's subject.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if v.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if len(v.cfg.RequiredScopes) > 0 {
		scope, _ := claims["scope"].(string)
		have := strings.Fields(scope)
		for _, want := range v.cfg.RequiredScopes {
			if !slices.Contains(have, want) {
				return nil, fmt.Errorf("%w: missing %q", ErrInsufficientScope, want)
			}
		}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Principal{Subject: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
