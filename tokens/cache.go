package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSkew is how long before expiry a cached token is replaced.
const DefaultSkew = 5 * time.Minute

// Source hands out a currently valid bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Cache holds at most one token and reissues it once now is within the skew
// buffer of its expiry. It is safe for concurrent use; the check-then-sign
// sequence runs under a single mutex so concurrent callers never both
// reissue.
type Cache struct {
	issuer Issuer
	skew   time.Duration
	now    func() time.Time
	log    *slog.Logger

	mu  sync.Mutex
	cur *Token
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithSkew overrides DefaultSkew.
func WithSkew(d time.Duration) CacheOption {
	return func(c *Cache) { c.skew = d }
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCache wraps issuer. When issuer is a *Signer the skew buffer must be
// strictly shorter than the token lifetime, otherwise every call would
// reissue.
func NewCache(issuer Issuer, opts ...CacheOption) (*Cache, error) {
	if issuer == nil {
		return nil, errors.New("token issuer is required")
	}
	c := &Cache{
		issuer: issuer,
		skew:   DefaultSkew,
		now:    time.Now,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.skew < 0 {
		return nil, fmt.Errorf("skew buffer must not be negative, got %s", c.skew)
	}
	if s, ok := issuer.(interface{ Lifetime() time.Duration }); ok && c.skew >= s.Lifetime() {
		return nil, fmt.Errorf("skew buffer %s must be shorter than token lifetime %s", c.skew, s.Lifetime())
	}
	return c, nil
}

// Token returns the cached token if it is still fresh, otherwise signs,
// stores and returns a new one.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil && c.now().Before(c.cur.ExpiresAt.Add(-c.skew)) {
		return c.cur.Value, nil
	}

	tok, err := c.issuer.Sign()
	if err != nil {
		c.log.ErrorContext(ctx, "token.issue.fail", slog.String("err", err.Error()))
		return "", err
	}
	c.cur = &tok
	c.log.InfoContext(ctx, "token.issue.ok", slog.Time("exp", tok.ExpiresAt))
	return tok.Value, nil
}

// Current returns a copy of the cached token, if any, without reissuing.
func (c *Cache) Current() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Token{}, false
	}
	return *c.cur, true
}
