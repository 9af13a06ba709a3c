// Package auth guards the broker's HTTP surface with bearer tokens issued by
// an external OAuth 2.0 / OIDC authorization server.
//
// Inbound authentication is optional. It exists for deployments where the
// broker listens beyond loopback and must not hand its platform credential to
// anyone who can reach the port. The outbound key-pair JWT is unrelated; it
// lives in package tokens.
//
// An Authenticator validates an incoming bearer token string and returns a
// UserInfo (or an error). The transport extracts the token from the request
// and maps the sentinel errors into RFC 6750 challenges.
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://broker.example",
//	    auth.WithRequiredScopes("agent:run"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 invalid_token */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* 403 insufficient_scope */ }
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
