package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/upstream"
	"github.com/tidwall/gjson"
)

const testPath = "/api/v2/databases/DB/schemas/S/mcp-servers/M"

type fakeForwarder struct {
	mu    sync.Mutex
	calls []upstream.Request
	reply func(body []byte) (json.RawMessage, error)
}

func (f *fakeForwarder) Do(ctx context.Context, r upstream.Request) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, r)
	f.mu.Unlock()
	return f.reply(r.Body)
}

// echoResult answers every request with a result naming the method it saw.
func echoResult(body []byte) (json.RawMessage, error) {
	id := gjson.GetBytes(body, "id").Raw
	method := gjson.GetBytes(body, "method").String()
	return json.RawMessage(`{"jsonrpc":"2.0","id":` + id + `,"result":{"echo":"` + method + `"}}`), nil
}

// run feeds input to a fresh handler and returns the output lines.
func run(t *testing.T, fwd Forwarder, input string, opts ...Option) []string {
	t.Helper()
	var out bytes.Buffer
	opts = append([]Option{WithIO(strings.NewReader(input), &out)}, opts...)
	h := NewHandler(fwd, testPath, opts...)
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var lines []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestLocalAnswers(t *testing.T) {
	fwd := &fakeForwarder{reply: echoResult}
	lines := run(t, fwd, strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":"p","method":"prompts/list","params":{}}`,
		`{"jsonrpc":"2.0","id":3,"method":"roots/list"}`,
		`{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{"uri":"x"}}`,
		`{"jsonrpc":"2.0","id":5,"method":"prompts/get"}`,
	}, "\n")+"\n")

	if len(fwd.calls) != 0 {
		t.Fatalf("locally answered methods were forwarded: %d", len(fwd.calls))
	}
	if len(lines) != 5 {
		t.Fatalf("want 5 responses, got %d: %v", len(lines), lines)
	}
	for i, want := range []string{
		`{"jsonrpc":"2.0","id":1,"result":{"resources":[]}}`,
		`{"jsonrpc":"2.0","id":"p","result":{"prompts":[]}}`,
		`{"jsonrpc":"2.0","id":3,"result":{"roots":[]}}`,
	} {
		if lines[i] != want {
			t.Fatalf("line %d\nwant %s\ngot  %s", i, want, lines[i])
		}
	}
	for _, l := range lines[3:] {
		if code := gjson.Get(l, "error.code").Int(); code != -32601 {
			t.Fatalf("want -32601, got %s", l)
		}
	}
}

func TestNotificationsDropped(t *testing.T) {
	fwd := &fakeForwarder{reply: echoResult}
	lines := run(t, fwd, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n"+
		`{"jsonrpc":"2.0","id":9,"result":{}}`+"\n")
	if len(lines) != 0 || len(fwd.calls) != 0 {
		t.Fatalf("notifications must be neither answered nor forwarded: %v %d", lines, len(fwd.calls))
	}
}

func TestInitialize(t *testing.T) {
	t.Run("defaults protocol version and renames keys", func(t *testing.T) {
		fwd := &fakeForwarder{reply: func(body []byte) (json.RawMessage, error) {
			return json.RawMessage(`{
  "jsonrpc": "2.0",
  "id": 0,
  "result": {"proto_version": "2025-06-18", "server_info": {"name": "sf"}, "capabilities": {"tools": {}}}
}`), nil
		}}
		lines := run(t, fwd, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"clientInfo":{"name":"editor"}}}`+"\n")

		if len(fwd.calls) != 1 {
			t.Fatalf("want one forwarded call, got %d", len(fwd.calls))
		}
		call := fwd.calls[0]
		if call.Path != testPath || call.Method != http.MethodPost || call.Accept != upstream.AcceptJSON {
			t.Fatalf("unexpected forward %+v", call)
		}
		if v := gjson.GetBytes(call.Body, "params.protocolVersion").String(); v != DefaultProtocolVersion {
			t.Fatalf("protocol version not defaulted: %s", call.Body)
		}
		if gjson.GetBytes(call.Body, "params.clientInfo.name").String() != "editor" {
			t.Fatalf("params lost: %s", call.Body)
		}

		if len(lines) != 1 {
			t.Fatalf("want one line, got %v", lines)
		}
		res := gjson.Get(lines[0], "result")
		if res.Get("protocolVersion").String() != "2025-06-18" || res.Get("serverInfo.name").String() != "sf" {
			t.Fatalf("keys not renamed: %s", lines[0])
		}
		if res.Get("proto_version").Exists() || res.Get("server_info").Exists() {
			t.Fatalf("snake_case keys kept: %s", lines[0])
		}
	})

	t.Run("keeps caller version and camelCase keys", func(t *testing.T) {
		fwd := &fakeForwarder{reply: func(body []byte) (json.RawMessage, error) {
			return json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"A","proto_version":"B"}}`), nil
		}}
		lines := run(t, fwd, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`+"\n")
		if v := gjson.GetBytes(fwd.calls[0].Body, "params.protocolVersion").String(); v != "2024-11-05" {
			t.Fatalf("caller version overwritten: %s", v)
		}
		if gjson.Get(lines[0], "result.protocolVersion").String() != "A" {
			t.Fatalf("existing camelCase key replaced: %s", lines[0])
		}
	})

	t.Run("adds params when absent", func(t *testing.T) {
		fwd := &fakeForwarder{reply: echoResult}
		run(t, fwd, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n", WithProtocolVersion("2025-03-26"))
		if v := gjson.GetBytes(fwd.calls[0].Body, "params.protocolVersion").String(); v != "2025-03-26" {
			t.Fatalf("params not created: %s", fwd.calls[0].Body)
		}
	})
}

func TestForwarding(t *testing.T) {
	t.Run("object responses pass through on one line", func(t *testing.T) {
		fwd := &fakeForwarder{reply: echoResult}
		lines := run(t, fwd, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`+"\n")
		if len(lines) != 1 || lines[0] != `{"jsonrpc":"2.0","id":7,"result":{"echo":"tools/list"}}` {
			t.Fatalf("unexpected output %v", lines)
		}
	})

	t.Run("non-object results are wrapped", func(t *testing.T) {
		fwd := &fakeForwarder{reply: func([]byte) (json.RawMessage, error) { return json.RawMessage(`[1,2]`), nil }}
		lines := run(t, fwd, `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`+"\n")
		if len(lines) != 1 || lines[0] != `{"jsonrpc":"2.0","id":"abc","result":[1,2]}` {
			t.Fatalf("unexpected output %v", lines)
		}
	})

	t.Run("upstream failure becomes -32000", func(t *testing.T) {
		fwd := &fakeForwarder{reply: func([]byte) (json.RawMessage, error) {
			return nil, brokererr.Upstream(http.StatusForbidden, "not authorized")
		}}
		lines := run(t, fwd, `{"jsonrpc":"2.0","id":12345678901234567,"method":"tools/call"}`+"\n")
		if len(lines) != 1 {
			t.Fatalf("want one line, got %v", lines)
		}
		if gjson.Get(lines[0], "error.code").Int() != -32000 {
			t.Fatalf("unexpected error %s", lines[0])
		}
		if !strings.Contains(lines[0], `"id":12345678901234567`) {
			t.Fatalf("id not echoed exactly: %s", lines[0])
		}
	})

	t.Run("malformed lines are skipped", func(t *testing.T) {
		fwd := &fakeForwarder{reply: echoResult}
		lines := run(t, fwd, "not json\n{\"jsonrpc\":\"1.0\",\"id\":1,\"method\":\"x\"}\n\n{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"tools/list\"}")
		if len(lines) != 1 || gjson.Get(lines[0], "id").Int() != 2 {
			t.Fatalf("unexpected output %v", lines)
		}
	})

	t.Run("oversized lines are skipped", func(t *testing.T) {
		fwd := &fakeForwarder{reply: echoResult}
		big := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"pad":"` + strings.Repeat("x", 256) + `"}}`
		lines := run(t, fwd, big+"\n"+`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`+"\n", WithMaxLineBytes(128))
		if len(lines) != 1 || gjson.Get(lines[0], "id").Int() != 2 {
			t.Fatalf("unexpected output %v", lines)
		}
	})
}

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

func TestBridgeOverUpstreamClient(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth, gotPath = r.Header.Get("Authorization"), r.URL.Path
		body, _ := io.ReadAll(r.Body)
		res, _ := echoResult(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res)
	}))
	defer srv.Close()

	up, err := upstream.New(srv.URL, staticTokens("jwt"))
	if err != nil {
		t.Fatalf("upstream: %v", err)
	}
	lines := run(t, up, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n")
	if len(lines) != 1 || gjson.Get(lines[0], "result.echo").String() != "tools/list" {
		t.Fatalf("unexpected output %v", lines)
	}
	if gotAuth != "Bearer jwt" || gotPath != testPath {
		t.Fatalf("unexpected upstream call auth=%q path=%q", gotAuth, gotPath)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()
	h := NewHandler(&fakeForwarder{reply: echoResult}, testPath, WithIO(inR, io.Discard), WithLogger(slog.New(slog.DiscardHandler)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
