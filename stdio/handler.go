package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/internal/jsonrpc"
	"github.com/ggoodman/agent-broker/internal/logctx"
	"github.com/ggoodman/agent-broker/upstream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultProtocolVersion is filled into initialize requests that carry none.
const DefaultProtocolVersion = "2025-06-18"

const defaultMaxLineBytes = 4 << 20

// Forwarder posts a JSON body to the platform. *upstream.Client implements it.
type Forwarder interface {
	Do(ctx context.Context, r upstream.Request) (json.RawMessage, error)
}

// initializeRenames maps snake_case initialize result keys to the names MCP
// clients expect.
var initializeRenames = [][2]string{
	{"proto_version", "protocolVersion"},
	{"server_info", "serverInfo"},
}

// Handler is a single-connection stdio bridge. By default it reads os.Stdin
// and writes os.Stdout.
type Handler struct {
	fwd  Forwarder
	path string

	r io.Reader
	w io.Writer
	l *slog.Logger

	protocolVersion string
	maxLine         int

	mu sync.Mutex
}

// NewHandler constructs a bridge that forwards requests to path (usually
// upstream.MCPServerPath) through fwd.
func NewHandler(fwd Forwarder, path string, opts ...Option) *Handler {
	h := &Handler{
		fwd:             fwd,
		path:            path,
		r:               os.Stdin,
		w:               os.Stdout,
		l:               slog.New(slog.DiscardHandler),
		protocolVersion: DefaultProtocolVersion,
		maxLine:         defaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = slog.New(logctx.Handler{Handler: h.l.Handler()})
	return h
}

type inboundLine struct {
	data    []byte
	tooLong bool
	err     error
}

// Serve runs the bridge until EOF on the reader, a write failure, or ctx is
// cancelled. EOF is a clean shutdown and returns nil. Serve must be called at
// most once.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan inboundLine)
	go h.readLoop(ctx, lines)

	h.l.InfoContext(ctx, "bridge.start", slog.String("path", h.path))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ln := <-lines:
			if ln.tooLong {
				h.l.WarnContext(ctx, "bridge.message.too_large", slog.Int("max_bytes", h.maxLine))
			} else if len(ln.data) > 0 {
				if err := h.handleLine(ctx, ln.data); err != nil {
					return err
				}
			}
			if ln.err != nil {
				if errors.Is(ln.err, io.EOF) {
					h.l.InfoContext(ctx, "bridge.stop")
					return nil
				}
				return fmt.Errorf("read stdin: %w", ln.err)
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, out chan<- inboundLine) {
	br := bufio.NewReaderSize(h.r, 64<<10)
	for {
		data, tooLong, err := readLine(br, h.maxLine)
		select {
		case out <- inboundLine{data: data, tooLong: tooLong, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed and reported as tooLong with no data.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var buf []byte
	tooLong := false
	for {
		frag, err := br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(frag) > limit+1 {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimSpace(buf), tooLong, err
	}
}

// handleLine processes one inbound message. Only write failures are returned.
func (h *Handler) handleLine(ctx context.Context, line []byte) error {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		h.l.WarnContext(ctx, "bridge.message.malformed", slog.String("err", err.Error()))
		return nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String()})
	switch msg.Kind() {
	case jsonrpc.KindNotification:
		h.l.DebugContext(ctx, "bridge.notification.drop")
		return nil
	case jsonrpc.KindResponse:
		h.l.DebugContext(ctx, "bridge.response.drop")
		return nil
	}

	switch msg.Method {
	case "resources/list", "prompts/list", "roots/list":
		key, _, _ := strings.Cut(msg.Method, "/")
		result, _ := sjson.SetRawBytes([]byte(`{}`), key, []byte(`[]`))
		h.l.DebugContext(ctx, "bridge.local.answer")
		return h.write(jsonrpc.NewResultResponse(msg.ID, result))
	case "resources/read", "prompts/get":
		h.l.DebugContext(ctx, "bridge.local.unsupported")
		return h.write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not supported by the managed MCP server: "+msg.Method))
	case "initialize":
		line, err = h.defaultProtocolVersion(line)
		if err != nil {
			return h.write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, err.Error()))
		}
	}

	return h.forward(ctx, msg, line)
}

func (h *Handler) defaultProtocolVersion(line []byte) ([]byte, error) {
	params := gjson.GetBytes(line, "params")
	if params.IsObject() {
		if params.Get("protocolVersion").Exists() {
			return line, nil
		}
		return sjson.SetBytes(line, "params.protocolVersion", h.protocolVersion)
	}
	obj, err := sjson.SetBytes([]byte(`{}`), "protocolVersion", h.protocolVersion)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(line, "params", obj)
}

func (h *Handler) forward(ctx context.Context, msg *jsonrpc.Message, body []byte) error {
	res, err := h.fwd.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   h.path,
		Body:   body,
		Accept: upstream.AcceptJSON,
	})
	if err != nil {
		if brokererr.KindOf(err) == brokererr.KindClientAbort {
			h.l.DebugContext(ctx, "bridge.forward.abort")
			return nil
		}
		h.l.WarnContext(ctx, "bridge.forward.fail", slog.String("err", err.Error()))
		return h.write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeServerError, "bridge error calling MCP server: "+err.Error()))
	}

	if !gjson.ParseBytes(res).IsObject() {
		return h.write(jsonrpc.NewResultResponse(msg.ID, res))
	}
	if msg.Method == "initialize" {
		if res, err = renameInitializeKeys(res); err != nil {
			return h.write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, err.Error()))
		}
	}
	h.l.DebugContext(ctx, "bridge.forward.ok")
	return h.writeRaw(res)
}

func renameInitializeKeys(res []byte) ([]byte, error) {
	result := gjson.GetBytes(res, "result")
	if !result.IsObject() {
		return res, nil
	}
	var err error
	for _, rn := range initializeRenames {
		from, to := result.Get(rn[0]), result.Get(rn[1])
		if !from.Exists() || to.Exists() {
			continue
		}
		if res, err = sjson.SetRawBytes(res, "result."+rn[1], []byte(from.Raw)); err != nil {
			return nil, err
		}
		if res, err = sjson.DeleteBytes(res, "result."+rn[0]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (h *Handler) write(resp *jsonrpc.Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return h.writeRaw(b)
}

// writeRaw writes one message as a single line.
func (h *Handler) writeRaw(b []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return fmt.Errorf("compact response: %w", err)
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	return nil
}
