// Package client is a Go client for the agent broker's HTTP surface.
//
// A Thread carries the conversation state the platform needs between turns:
// the thread id and the id of the last assistant message. Stream keeps that
// parent pointer current from the metadata events it sees.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/eventstream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Thread is one conversation. It is safe for concurrent use, though turns on
// one thread are inherently sequential.
type Thread struct {
	ID string

	mu     sync.Mutex
	parent int64
}

// NewThread resumes an existing thread.
func NewThread(id string, parent int64) *Thread {
	return &Thread{ID: id, parent: parent}
}

// ParentMessageID is the id the next turn replies to. Zero starts fresh.
func (t *Thread) ParentMessageID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parent
}

// SetParent records the assistant message the next turn replies to. Ids
// lower than the current parent are ignored.
func (t *Thread) SetParent(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id > t.parent {
		t.parent = id
	}
}

// Client calls a running broker.
type Client struct {
	base        *url.URL
	http        *http.Client
	bearer      string
	origin      string
	eventOpts   []eventstream.Option
	maxErrBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBearerToken authenticates to a broker that requires inbound tokens.
func WithBearerToken(tok string) Option {
	return func(c *Client) { c.bearer = tok }
}

// WithOriginApplication tags threads created by this client.
func WithOriginApplication(name string) Option {
	return func(c *Client) { c.origin = name }
}

// WithEventOptions customizes how streamed events are interpreted.
func WithEventOptions(opts ...eventstream.Option) Option {
	return func(c *Client) { c.eventOpts = append(c.eventOpts, opts...) }
}

// New returns a Client for the broker at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL %q: %w", baseURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("broker URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	c := &Client{base: u, http: http.DefaultClient, maxErrBytes: 64 << 10}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateThread opens a new conversation.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	body := []byte(`{}`)
	if c.origin != "" {
		body, _ = sjson.SetBytes(body, "origin_application", c.origin)
	}
	raw, err := c.doJSON(ctx, http.MethodPost, "threads", body)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(raw)
	id := doc.Get("thread_id")
	if !id.Exists() {
		id = doc.Get("id")
	}
	if id.String() == "" {
		return nil, fmt.Errorf("create thread: response carries no thread id: %s", raw)
	}
	return &Thread{ID: id.String()}, nil
}

// GetThread fetches thread metadata.
func (c *Client) GetThread(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, "threads/"+url.PathEscape(id), nil)
}

// Run sends message as the next turn on th and waits for the full response.
func (c *Client) Run(ctx context.Context, th *Thread, message string) (json.RawMessage, error) {
	body, err := runBody(th, message)
	if err != nil {
		return nil, err
	}
	return c.doJSON(ctx, http.MethodPost, "agent/run", body)
}

// Stream sends message as the next turn on th and consumes the event stream.
// onDelta, if non-nil, receives each text fragment as it arrives. th's parent
// pointer advances to the latest assistant message seen, even when the turn
// ends in an error frame, since that message is already stored upstream.
func (c *Client) Stream(ctx context.Context, th *Thread, message string, onDelta func(string)) (eventstream.Completion, error) {
	body, err := runBody(th, message)
	if err != nil {
		return eventstream.Completion{}, err
	}
	resp, err := c.send(ctx, http.MethodPost, "agent/run/stream", body, "text/event-stream")
	if err != nil {
		return eventstream.Completion{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return eventstream.Completion{}, c.statusError(resp)
	}

	turn := eventstream.NewTurn(th.ParentMessageID(), c.eventOpts...)
	if onDelta != nil {
		turn.OnDelta(onDelta)
	}

	buf := make([]byte, 32<<10)
	for turn.State() == eventstream.AwaitingFrame {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			turn.Feed(buf[:n])
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			return turn.Completion(), brokererr.ClientAbort(ctx.Err())
		}
		return turn.Completion(), brokererr.Stream("read broker stream", rerr)
	}

	comp, err := turn.Finish()
	th.SetParent(comp.ParentMessageID)
	return comp, err
}

func runBody(th *Thread, message string) ([]byte, error) {
	if th == nil || th.ID == "" {
		return nil, errors.New("a thread with an id is required")
	}
	body := []byte(`{}`)
	var err error
	if n, perr := strconv.ParseInt(th.ID, 10, 64); perr == nil {
		body, err = sjson.SetBytes(body, "thread_id", n)
	} else {
		body, err = sjson.SetBytes(body, "thread_id", th.ID)
	}
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "parent_message_id", th.ParentMessageID()); err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "message", message)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	resp, err := c.send(ctx, method, path, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read broker response: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, accept string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, brokererr.ClientAbort(ctx.Err())
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// statusError reports a failed broker response. The broker relays upstream
// failures with their original status, so they surface as UpstreamError.
func (c *Client) statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, c.maxErrBytes))
	detail := strings.TrimSpace(string(b))
	if msg := gjson.Get(detail, "error.message"); msg.Exists() {
		detail = msg.String()
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	return brokererr.Upstream(resp.StatusCode, detail)
}
