// Package tokens issues and caches the short-lived key-pair JWTs the broker
// presents to the remote platform.
package tokens

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/keypair"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultLifetime is how long an issued token stays valid.
const DefaultLifetime = time.Hour

// Token is one signed credential. Tokens are values; reissue produces a new
// Token rather than mutating an old one.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Issuer    string
	Subject   string
}

// Issuer produces signed tokens. *Signer is the production implementation.
type Issuer interface {
	Sign() (Token, error)
}

// Signer builds and signs RS256 JWTs for a single credential.
type Signer struct {
	cred     *keypair.Credential
	lifetime time.Duration
	now      func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithLifetime overrides DefaultLifetime.
func WithLifetime(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

// WithSignerClock overrides the time source.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner returns a Signer for cred.
func NewSigner(cred *keypair.Credential, opts ...SignerOption) (*Signer, error) {
	if cred == nil {
		return nil, errors.New("credential is required")
	}
	s := &Signer{cred: cred, lifetime: DefaultLifetime, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lifetime reports the configured token lifetime.
func (s *Signer) Lifetime() time.Duration { return s.lifetime }

// Sign issues a new token valid from now until now+lifetime.
func (s *Signer) Sign() (Token, error) {
	return signToken(s.cred.PrivateKey(), s.cred.QualifiedSubject(), s.cred.Issuer(), s.now(), s.lifetime)
}

func signToken(key *rsa.PrivateKey, subject, issuer string, now time.Time, lifetime time.Duration) (Token, error) {
	if key == nil {
		return Token{}, brokererr.Signing("no private key", nil)
	}
	// JWT times are whole seconds; truncate so ExpiresAt matches the claim.
	iat := now.Truncate(time.Second)
	exp := iat.Add(lifetime)

	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return Token{}, brokererr.Signing("sign token", err)
	}
	return Token{Value: signed, ExpiresAt: exp, Issuer: issuer, Subject: subject}, nil
}
