// Package upstream talks to the remote agent platform on the broker's behalf.
//
// Every call carries the current key-pair JWT from a tokens.Source. Ordinary
// calls return the decoded JSON body. Streaming calls return a *Stream, a
// pull-based iterator over raw response chunks that never buffers the whole
// body.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/tokens"
)

const (
	authorizationHeader = "Authorization"
	// TokenTypeHeader tells the platform the bearer token is a key-pair JWT
	// rather than an OAuth or programmatic access token.
	TokenTypeHeader = "X-Snowflake-Authorization-Token-Type"
	// TokenTypeKeypairJWT is the TokenTypeHeader value for signed JWTs.
	TokenTypeKeypairJWT = "KEYPAIR_JWT"
	contextHeader       = "X-Snowflake-Context"

	// maxErrorBody bounds how much of a failed response is kept as detail.
	maxErrorBody = 64 << 10
)

// Media types requested from the platform.
const (
	AcceptJSON        = "application/json"
	AcceptEventStream = "text/event-stream"
)

// Client is a token-authenticated HTTP client for the remote platform.
type Client struct {
	base   *url.URL
	tokens tokens.Source
	http   *http.Client
	role   string
	log    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides http.DefaultClient. Timeouts are left to this
// client; the broker imposes none of its own.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRole sends the role as the caller's current role on every request.
func WithRole(role string) Option {
	return func(c *Client) { c.role = strings.TrimSpace(role) }
}

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns a Client rooted at baseURL (scheme and host of the account).
func New(baseURL string, src tokens.Source, opts ...Option) (*Client, error) {
	if src == nil {
		return nil, errors.New("token source is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("base URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		tokens: src,
		http:   http.DefaultClient,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request is one outbound call.
type Request struct {
	Method string
	// Path is resolved against the client's base URL.
	Path   string
	Body   []byte
	Accept string
}

// Do performs a non-streaming call and returns the JSON response body. A
// non-2xx status becomes a brokererr UpstreamError carrying the body as
// detail.
func (c *Client) Do(ctx context.Context, r Request) (json.RawMessage, error) {
	if r.Accept == "" {
		r.Accept = AcceptJSON
	}
	resp, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.upstreamError(ctx, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, brokererr.ClientAbort(ctx.Err())
		}
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if mt := responseMediaType(resp); mt.Type != "" && mt.Subtype != "json" && !strings.HasSuffix(mt.Subtype, "+json") {
		c.log.WarnContext(ctx, "upstream.response.unexpected_media_type", slog.String("content_type", resp.Header.Get("Content-Type")))
	}
	if !json.Valid(body) {
		return nil, brokererr.Upstream(resp.StatusCode, "upstream returned a non-JSON body")
	}
	return json.RawMessage(body), nil
}

// Stream performs a streaming POST. An error status is read in full and
// returned before any bytes are handed to the caller. On success the caller
// owns the returned Stream and must Close it.
func (c *Client) Stream(ctx context.Context, r Request) (*Stream, error) {
	r.Method = http.MethodPost
	if r.Accept == "" {
		r.Accept = AcceptEventStream
	}
	resp, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.upstreamError(ctx, resp)
	}
	if mt := responseMediaType(resp); mt.Type != "" && (mt.Type != "text" || mt.Subtype != "event-stream") {
		// Relay anyway; the client decides what to do with the payload.
		c.log.WarnContext(ctx, "upstream.stream.unexpected_media_type", slog.String("content_type", resp.Header.Get("Content-Type")))
	}
	return newStream(resp), nil
}

func responseMediaType(resp *http.Response) contenttype.MediaType {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return contenttype.MediaType{}
	}
	return contenttype.NewMediaType(ct)
}

func (c *Client) send(ctx context.Context, r Request) (*http.Response, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	target := c.base.JoinPath(strings.TrimPrefix(r.Path, "/"))
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set(authorizationHeader, "Bearer "+tok)
	req.Header.Set(TokenTypeHeader, TokenTypeKeypairJWT)
	req.Header.Set("Accept", r.Accept)
	if r.Body != nil {
		req.Header.Set("Content-Type", AcceptJSON)
	}
	if c.role != "" {
		hdr, _ := json.Marshal(map[string]string{"currentRole": c.role})
		req.Header.Set(contextHeader, string(hdr))
	}

	c.log.DebugContext(ctx, "upstream.request.start", slog.String("method", r.Method), slog.String("path", target.Path))
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, brokererr.ClientAbort(ctx.Err())
		}
		return nil, fmt.Errorf("upstream %s %s: %w", r.Method, target.Path, err)
	}
	return resp, nil
}

func (c *Client) upstreamError(ctx context.Context, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(b))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	c.log.WarnContext(ctx, "upstream.response.error", slog.Int("status", resp.StatusCode))
	return brokererr.Upstream(resp.StatusCode, detail)
}
