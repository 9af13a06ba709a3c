package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated caller of the broker.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the token subject.
	UserID() string
	// Claims unmarshals the caller's token claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, tok string) (UserInfo, error)

func (f AuthenticatorFunc) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return f(ctx, tok)
}

type userIDKey struct{}

// WithUserInfo attaches the authenticated caller to ctx.
func WithUserInfo(ctx context.Context, ui UserInfo) context.Context {
	return context.WithValue(ctx, userIDKey{}, ui)
}

// UserInfoFromContext returns the caller attached by WithUserInfo.
func UserInfoFromContext(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userIDKey{}).(UserInfo)
	return ui, ok
}
