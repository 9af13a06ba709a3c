package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/agent-broker/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of token validation.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAccessTokenType requires the RFC 9068 "at+jwt" header type.
func WithAccessTokenType() AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = true }
}

// NewFromDiscovery returns an Authenticator whose signing keys come from the
// issuer's OpenID Connect discovery document.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewFromJWKS returns an Authenticator that reads signing keys from jwksURL
// directly, for issuers without a discovery document.
func NewFromJWKS(ctx context.Context, issuer, audience, jwksURL string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewStatic(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

func buildConfig(issuer, audience string, opts []AccessTokenAuthOption) (*jwtauth.Config, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	p, err := ad.v.Verify(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfo{p: p}, nil
}

type userInfo struct{ p *jwtauth.Principal }

func (u userInfo) UserID() string       { return u.p.Subject }
func (u userInfo) Claims(ref any) error { return u.p.Claims(ref) }
