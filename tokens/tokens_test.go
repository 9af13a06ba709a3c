package tokens

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/keypair"
	"github.com/golang-jwt/jwt/v5"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCred(t *testing.T) (*keypair.Credential, *rsa.PrivateKey) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	cred, err := keypair.NewCredential("myorg-acct", "svc", pk)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	return cred, pk
}

type countingIssuer struct {
	inner Issuer
	n     atomic.Int32
}

func (c *countingIssuer) Sign() (Token, error) {
	c.n.Add(1)
	return c.inner.Sign()
}

func (c *countingIssuer) Lifetime() time.Duration { return time.Hour }

func TestSignerProducesVerifiableRS256(t *testing.T) {
	cred, pk := newCred(t)
	clock := &fakeClock{now: time.Now()}
	s, err := NewSigner(cred, WithSignerClock(clock.Now))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	tok, err := s.Sign()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parts := strings.Split(tok.Value, ".")
	if len(parts) != 3 {
		t.Fatalf("want 3 segments, got %d", len(parts))
	}
	for _, p := range parts {
		if strings.ContainsAny(p, "=+/") {
			t.Fatalf("segment is not unpadded base64url: %q", p)
		}
	}

	parsed, err := jwt.ParseWithClaims(tok.Value, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return &pk.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(clock.Now))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if typ, _ := parsed.Header["typ"].(string); typ != "JWT" {
		t.Fatalf("want typ JWT, got %q", typ)
	}

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	if claims.Subject != "MYORG-ACCT.SVC" {
		t.Fatalf("unexpected sub %q", claims.Subject)
	}
	if claims.Issuer != cred.Issuer() || !strings.HasPrefix(claims.Issuer, "MYORG-ACCT.SVC.SHA256:") {
		t.Fatalf("unexpected iss %q", claims.Issuer)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultLifetime {
		t.Fatalf("want lifetime %s got %s", DefaultLifetime, got)
	}
	if !claims.ExpiresAt.Time.Equal(tok.ExpiresAt) {
		t.Fatalf("token expiry %s does not match claim %s", tok.ExpiresAt, claims.ExpiresAt.Time)
	}
}

func TestSignerRejectsTamperedSignature(t *testing.T) {
	cred, pk := newCred(t)
	s, _ := NewSigner(cred)
	tok, err := s.Sign()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(tok.Value, ".")
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"SOMEONE.ELSE","exp":4102444800}`))
	_, err = jwt.Parse(strings.Join(parts, "."), func(t *jwt.Token) (any, error) {
		return &pk.PublicKey, nil
	})
	if err == nil {
		t.Fatalf("expected verification failure for tampered payload")
	}
}

func TestSignTokenWithoutKeyIsSigningError(t *testing.T) {
	_, err := signToken(nil, "A.B", "A.B.SHA256:x", time.Now(), time.Hour)
	if !errors.Is(err, brokererr.ErrSigning) {
		t.Fatalf("want SigningError, got %v", err)
	}
}

func TestCacheReusesTokenWithinWindow(t *testing.T) {
	cred, _ := newCred(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _ := NewSigner(cred, WithSignerClock(clock.Now))
	issuer := &countingIssuer{inner: s}
	c, err := NewCache(issuer, WithCacheClock(clock.Now))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	ctx := context.Background()
	first, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	clock.Advance(DefaultLifetime - DefaultSkew - time.Second)
	second, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical token inside the validity window")
	}
	if n := issuer.n.Load(); n != 1 {
		t.Fatalf("want 1 signing, got %d", n)
	}
}

func TestCacheReissuesAfterSkewBoundary(t *testing.T) {
	cred, _ := newCred(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _ := NewSigner(cred, WithSignerClock(clock.Now))
	c, _ := NewCache(s, WithCacheClock(clock.Now))

	ctx := context.Background()
	if _, err := c.Token(ctx); err != nil {
		t.Fatalf("token: %v", err)
	}
	prev, _ := c.Current()

	clock.Advance(DefaultLifetime - DefaultSkew)
	next, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	cur, _ := c.Current()
	if next == prev.Value {
		t.Fatalf("expected a new token at the skew boundary")
	}
	if !cur.ExpiresAt.After(prev.ExpiresAt) {
		t.Fatalf("new exp %s not after previous %s", cur.ExpiresAt, prev.ExpiresAt)
	}
}

func TestCacheConcurrentCallersSignOnce(t *testing.T) {
	cred, _ := newCred(t)
	s, _ := NewSigner(cred)
	issuer := &countingIssuer{inner: s}
	c, _ := NewCache(issuer)

	var wg sync.WaitGroup
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.Token(context.Background())
			if err != nil {
				t.Errorf("token: %v", err)
				return
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		if r != results[0] {
			t.Fatalf("concurrent callers received different tokens")
		}
	}
	if n := issuer.n.Load(); n != 1 {
		t.Fatalf("want exactly one signing, got %d", n)
	}
}

type failingIssuer struct{}

func (failingIssuer) Sign() (Token, error) {
	return Token{}, brokererr.Signing("sign token", errors.New("hsm offline"))
}

func TestCachePropagatesSigningError(t *testing.T) {
	c, err := NewCache(failingIssuer{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if _, err := c.Token(context.Background()); !errors.Is(err, brokererr.ErrSigning) {
		t.Fatalf("want SigningError, got %v", err)
	}
	if _, ok := c.Current(); ok {
		t.Fatalf("failed signing must not populate the cache")
	}
}

func TestNewCacheRejectsSkewNotShorterThanLifetime(t *testing.T) {
	cred, _ := newCred(t)
	s, _ := NewSigner(cred, WithLifetime(10*time.Minute))
	if _, err := NewCache(s, WithSkew(10*time.Minute)); err == nil {
		t.Fatalf("expected error when skew equals lifetime")
	}
	if _, err := NewCache(s, WithSkew(-time.Second)); err == nil {
		t.Fatalf("expected error for negative skew")
	}
	if _, err := NewCache(s, WithSkew(9*time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
