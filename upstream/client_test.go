package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/agent-broker/brokererr"
)

type countingSource struct {
	n   atomic.Int32
	tok string
	err error
}

func (s *countingSource) Token(context.Context) (string, error) {
	s.n.Add(1)
	return s.tok, s.err
}

func newTestClient(t *testing.T, srv *httptest.Server, src *countingSource, opts ...Option) *Client {
	t.Helper()
	c, err := New(srv.URL, src, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestDoSendsAuthHeaders(t *testing.T) {
	var gotPath, gotAuth, gotType, gotCtx, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get(TokenTypeHeader)
		gotCtx = r.Header.Get("X-Snowflake-Context")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"thread_id":"42"}`))
	}))
	defer srv.Close()

	src := &countingSource{tok: "jwt-abc"}
	c := newTestClient(t, srv, src, WithRole("ANALYST"))
	body, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: ThreadsPath, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(body) != `{"thread_id":"42"}` {
		t.Fatalf("unexpected body %s", body)
	}
	if gotPath != ThreadsPath {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer jwt-abc" {
		t.Fatalf("unexpected authorization %q", gotAuth)
	}
	if gotType != "KEYPAIR_JWT" {
		t.Fatalf("unexpected token type %q", gotType)
	}
	if gotAccept != AcceptJSON {
		t.Fatalf("unexpected accept %q", gotAccept)
	}
	var ctxHdr map[string]string
	if err := json.Unmarshal([]byte(gotCtx), &ctxHdr); err != nil || ctxHdr["currentRole"] != "ANALYST" {
		t.Fatalf("unexpected context header %q", gotCtx)
	}
}

func TestDoUpstreamErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"role lacks USAGE on agent"}`))
	}))
	defer srv.Close()

	src := &countingSource{tok: "jwt"}
	c := newTestClient(t, srv, src)
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: AgentRunPath("DB", "S", "A")})

	var be *brokererr.Error
	if !errors.As(err, &be) || be.Kind != brokererr.KindUpstream {
		t.Fatalf("want UpstreamError, got %v", err)
	}
	if be.Status != http.StatusForbidden {
		t.Fatalf("want status 403, got %d", be.Status)
	}
	if be.Detail != `{"message":"role lacks USAGE on agent"}` {
		t.Fatalf("unexpected detail %q", be.Detail)
	}
	if n := src.n.Load(); n != 1 {
		t.Fatalf("want one token lookup, got %d", n)
	}
}

func TestDoTokenFailureSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	src := &countingSource{err: brokererr.Signing("sign token", errors.New("bad key"))}
	c := newTestClient(t, srv, src)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: ThreadPath("1")})
	if !errors.Is(err, brokererr.ErrSigning) {
		t.Fatalf("want SigningError, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("request must not be sent without a token")
	}
}

func TestPaths(t *testing.T) {
	if got, want := AgentRunPath("SNOWFLAKE_EXAMPLE", "AGENTS", "SALES"), "/api/v2/databases/SNOWFLAKE_EXAMPLE/schemas/AGENTS/agents/SALES:run"; got != want {
		t.Fatalf("want %s got %s", want, got)
	}
	if got, want := MCPServerPath("DB", "S", "TOOLS"), "/api/v2/databases/DB/schemas/S/mcp-servers/TOOLS"; got != want {
		t.Fatalf("want %s got %s", want, got)
	}
	if InlineAgentRunPath != "/api/v2/cortex/agent:run" {
		t.Fatalf("unexpected inline run path %s", InlineAgentRunPath)
	}
	if got, want := ThreadPath("a/b"), "/api/v2/cortex/threads/a%2Fb"; got != want {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestAgentRunPathReachesServer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &countingSource{tok: "t"})
	if _, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: AgentRunPath("DB", "S", "A")}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got != "/api/v2/databases/DB/schemas/S/agents/A:run" {
		t.Fatalf("unexpected upstream path %s", got)
	}
}

func TestStreamYieldsChunksInOrder(t *testing.T) {
	frames := []string{
		"event: response.text.delta\ndata: {\"text\":\"Hel\"}\n\n",
		"event: response.text.delta\ndata: {\"text\":\"lo\"}\n\n",
		"event: response\ndata: {\"text\":\"Hello\"}\n\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != AcceptEventStream {
			t.Errorf("unexpected accept %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, fr := range frames {
			_, _ = io.WriteString(w, fr)
			f.Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &countingSource{tok: "t"})
	s, err := c.Stream(context.Background(), Request{Path: AgentRunPath("DB", "S", "A"), Body: []byte(`{"stream":true}`)})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	var sb strings.Builder
	for {
		chunk, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		sb.Write(chunk)
	}
	if got, want := sb.String(), strings.Join(frames, ""); got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}

func TestStreamOpenErrorIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &countingSource{tok: "t"})
	_, err := c.Stream(context.Background(), Request{Path: AgentRunPath("DB", "S", "A")})
	var be *brokererr.Error
	if !errors.As(err, &be) || be.Status != http.StatusTooManyRequests || be.Detail != "slow down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestStreamCancelIsClientAbort(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: response.text.delta\ndata: {\"text\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, srv, &countingSource{tok: "t"})
	s, err := c.Stream(ctx, Request{Path: AgentRunPath("DB", "S", "A")})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	if _, err := s.Next(ctx); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = s.Next(ctx)
	if !errors.Is(err, brokererr.ErrClientAbort) {
		t.Fatalf("want ClientAbort, got %v", err)
	}
}

func TestStreamCancelBeforeFirstChunkIsClientAbort(t *testing.T) {
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
			t.Errorf("upstream request was never cancelled")
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, srv, &countingSource{tok: "t"})
	s, err := c.Stream(ctx, Request{Path: AgentRunPath("DB", "S", "A")})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	time.AfterFunc(20*time.Millisecond, cancel)
	if _, err := s.Next(ctx); !errors.Is(err, brokererr.ErrClientAbort) {
		t.Fatalf("want ClientAbort, got %v", err)
	}
	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream request context was not cancelled")
	}
}

func TestNewRejectsBadBase(t *testing.T) {
	if _, err := New("ftp://example", &countingSource{}); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := New("https://example", nil); err == nil {
		t.Fatalf("expected missing source error")
	}
}
