package eventstream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Event names emitted by the agent run endpoint.
const (
	EventTextDelta    = "response.text.delta"
	EventMessageDelta = "message.delta"
	EventMetadata     = "metadata"
	EventStatus       = "response.status"
	EventToolUse      = "response.tool_use"
	EventToolResult   = "response.tool_result"
	EventResponse     = "response"
	EventDone         = "done"
	EventError        = "error"

	// DoneSentinel is a data payload that ends the stream regardless of the
	// event name.
	DoneSentinel = "[DONE]"
)

// ErrMalformedPayload reports a frame whose data is not the JSON its event
// name requires.
var ErrMalformedPayload = errors.New("malformed event payload")

// Event is a classified frame. The concrete types are TextDelta, Metadata,
// Status, ToolUse, ToolResult, Response, *ErrorEvent and Unknown.
type Event interface {
	isEvent()
}

// TextDelta is an incremental fragment of the reply.
type TextDelta struct {
	Text string
}

// Metadata describes a message the platform has stored.
type Metadata struct {
	MessageID    int64
	HasMessageID bool
	Role         string
}

// Assistant reports whether the metadata may advance the parent pointer.
func (m Metadata) Assistant() bool {
	return m.Role == "" || strings.EqualFold(m.Role, "assistant")
}

// Status is a progress notice.
type Status struct {
	Status  string
	Message string
}

// ToolUse reports the agent invoking a tool.
type ToolUse struct {
	Name string
	Type string
}

// ToolResult reports a tool invocation finishing.
type ToolResult struct {
	Name   string
	Status string
}

// Response is the terminal event. Text is empty when the platform did not
// repeat the full reply.
type Response struct {
	Text string
}

// ErrorEvent is an error reported in-band by the platform.
type ErrorEvent struct {
	Message   string
	Code      string
	RequestID string
}

func (e *ErrorEvent) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.Code != "" {
		fmt.Fprintf(&sb, " (code %s)", e.Code)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&sb, " [request %s]", e.RequestID)
	}
	return sb.String()
}

// Unknown is any event the broker does not recognize.
type Unknown struct {
	Name string
	Data string
}

func (TextDelta) isEvent()   {}
func (Metadata) isEvent()    {}
func (Status) isEvent()      {}
func (ToolUse) isEvent()     {}
func (ToolResult) isEvent()  {}
func (Response) isEvent()    {}
func (*ErrorEvent) isEvent() {}
func (Unknown) isEvent()     {}

var (
	defaultDeltaTextPaths = []string{"text", "delta.text", "delta.content.#.text", "content.#.text"}
	defaultFinalTextPaths = []string{"text", "final_text", `content.#(type=="text")#.text`, `message.content.#(type=="text")#.text`}
)

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithDeltaTextPaths replaces the gjson paths tried, in order, to find the
// fragment in a delta payload.
func WithDeltaTextPaths(paths ...string) Option {
	return func(i *Interpreter) { i.deltaPaths = append([]string(nil), paths...) }
}

// WithFinalTextPaths replaces the gjson paths tried, in order, to find the
// full reply in a terminal payload.
func WithFinalTextPaths(paths ...string) Option {
	return func(i *Interpreter) { i.finalPaths = append([]string(nil), paths...) }
}

// Interpreter classifies frames. It is immutable after construction.
type Interpreter struct {
	deltaPaths []string
	finalPaths []string
}

// NewInterpreter returns an Interpreter with the default text paths.
func NewInterpreter(opts ...Option) *Interpreter {
	i := &Interpreter{deltaPaths: defaultDeltaTextPaths, finalPaths: defaultFinalTextPaths}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Interpret classifies f. Delta and metadata frames whose data is not JSON
// yield ErrMalformedPayload; callers are expected to skip them.
func (i *Interpreter) Interpret(f Frame) (Event, error) {
	data := strings.TrimSpace(f.Data)
	if data == DoneSentinel {
		return Response{}, nil
	}

	switch f.Event {
	case EventTextDelta, EventMessageDelta:
		if !gjson.Valid(data) {
			return nil, fmt.Errorf("%s: %w", f.Event, ErrMalformedPayload)
		}
		return TextDelta{Text: firstText(gjson.Parse(data), i.deltaPaths)}, nil

	case EventMetadata:
		if !gjson.Valid(data) {
			return nil, fmt.Errorf("%s: %w", f.Event, ErrMalformedPayload)
		}
		return parseMetadata(gjson.Parse(data)), nil

	case EventStatus:
		doc := gjson.Parse(data)
		return Status{Status: doc.Get("status").String(), Message: doc.Get("message").String()}, nil

	case EventToolUse:
		doc := gjson.Parse(data)
		return ToolUse{Name: doc.Get("name").String(), Type: doc.Get("type").String()}, nil

	case EventToolResult:
		doc := gjson.Parse(data)
		return ToolResult{Name: doc.Get("name").String(), Status: doc.Get("status").String()}, nil

	case EventResponse, EventDone:
		if data == "" || !gjson.Valid(data) {
			return Response{}, nil
		}
		return Response{Text: firstText(gjson.Parse(data), i.finalPaths)}, nil

	case EventError:
		return parseError(data), nil

	default:
		return Unknown{Name: f.Event, Data: f.Data}, nil
	}
}

// firstText returns the first non-empty match among paths. Array results are
// concatenated in order.
func firstText(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		r := doc.Get(p)
		if !r.Exists() {
			continue
		}
		var text string
		if r.IsArray() {
			var sb strings.Builder
			for _, el := range r.Array() {
				sb.WriteString(el.String())
			}
			text = sb.String()
		} else if r.Type == gjson.String {
			text = r.Str
		}
		if text != "" {
			return text
		}
	}
	return ""
}

func parseMetadata(doc gjson.Result) Metadata {
	var m Metadata
	id := doc.Get("message_id")
	if !id.Exists() {
		id = doc.Get("metadata.message_id")
	}
	switch id.Type {
	case gjson.Number:
		m.MessageID, m.HasMessageID = id.Int(), true
	case gjson.String:
		if n, err := strconv.ParseInt(strings.TrimSpace(id.Str), 10, 64); err == nil {
			m.MessageID, m.HasMessageID = n, true
		}
	}
	role := doc.Get("role")
	if !role.Exists() {
		role = doc.Get("metadata.role")
	}
	m.Role = role.String()
	return m
}

func parseError(data string) *ErrorEvent {
	if !gjson.Valid(data) {
		msg := data
		if msg == "" {
			msg = "unknown error"
		}
		return &ErrorEvent{Message: msg}
	}
	doc := gjson.Parse(data)
	get := func(paths ...string) string {
		for _, p := range paths {
			if r := doc.Get(p); r.Exists() && r.String() != "" {
				return r.String()
			}
		}
		return ""
	}
	ev := &ErrorEvent{
		Message:   get("message", "error.message", "detail", "error"),
		Code:      get("code", "error.code"),
		RequestID: get("request_id", "error.request_id"),
	}
	if ev.Message == "" {
		ev.Message = "unknown error"
	}
	return ev
}
