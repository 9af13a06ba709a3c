// Package eventstream turns a text/event-stream byte stream into typed agent
// events.
//
// Parsing happens in three layers. A Parser reassembles frames from chunks
// whose boundaries are arbitrary. An Interpreter classifies each frame into an
// Event. A Turn folds events into the outcome of one agent run: the
// accumulated reply text and the parent message id for the next turn.
package eventstream

import (
	"strings"
)

// DefaultEventName is the event name of a frame without an event: line.
const DefaultEventName = "message"

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Parser reassembles frames from chunks. CR, LF and CRLF line endings are
// accepted, including a CRLF pair split across two chunks. A Parser is not
// safe for concurrent use.
type Parser struct {
	line    []byte
	afterCR bool

	event   string
	data    []string
	id      string
	hasData bool
}

// NewParser returns an empty Parser.
func NewParser() *Parser { return &Parser{} }

// Feed consumes chunk and returns every frame it completed, in order.
func (p *Parser) Feed(chunk []byte) []Frame {
	var out []Frame
	for _, b := range chunk {
		if p.afterCR {
			p.afterCR = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\r':
			p.afterCR = true
			out = p.endLine(out)
		case '\n':
			out = p.endLine(out)
		default:
			p.line = append(p.line, b)
		}
	}
	return out
}

// Flush terminates the stream. A frame that was still being assembled is
// dispatched as if a blank line had followed it.
func (p *Parser) Flush() (Frame, bool) {
	var out []Frame
	if len(p.line) > 0 {
		out = p.endLine(out)
	}
	out = p.endLine(out)
	if len(out) == 0 {
		return Frame{}, false
	}
	return out[0], true
}

// Terminator returns the bytes that would close the frame currently being
// assembled, or "" when the stream sits on a frame boundary. After a bare CR
// a reader folds the next LF into that line ending, so one extra LF is needed.
func (p *Parser) Terminator() string {
	pending := p.event != "" || p.hasData || p.id != ""
	switch {
	case len(p.line) > 0:
		return "\n\n"
	case pending && p.afterCR:
		return "\n\n"
	case pending:
		return "\n"
	default:
		return ""
	}
}

func (p *Parser) endLine(out []Frame) []Frame {
	line := string(p.line)
	p.line = p.line[:0]

	if line == "" {
		if f, ok := p.dispatch(); ok {
			out = append(out, f)
		}
		return out
	}
	if strings.HasPrefix(line, ":") {
		return out
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		p.event = value
	case "data":
		p.data = append(p.data, value)
		p.hasData = true
	case "id":
		p.id = value
	}
	return out
}

func (p *Parser) dispatch() (Frame, bool) {
	defer func() {
		p.event, p.data, p.id, p.hasData = "", nil, "", false
	}()
	if p.event == "" && !p.hasData {
		return Frame{}, false
	}
	f := Frame{Event: p.event, Data: strings.Join(p.data, "\n"), ID: p.id}
	if f.Event == "" {
		f.Event = DefaultEventName
	}
	return f, true
}
