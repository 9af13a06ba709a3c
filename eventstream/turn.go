package eventstream

import (
	"strings"

	"github.com/ggoodman/agent-broker/brokererr"
)

// State is the lifecycle position of a Turn.
type State int

const (
	// AwaitingFrame accepts further frames.
	AwaitingFrame State = iota
	// Completed absorbs everything after a terminal event.
	Completed
	// Errored absorbs everything after an error event.
	Errored
)

func (s State) String() string {
	switch s {
	case AwaitingFrame:
		return "awaiting_frame"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Completion is the outcome of a finished turn.
type Completion struct {
	Text            string
	ParentMessageID int64
}

// Turn folds the events of one agent run into a Completion. Once Completed or
// Errored, further input is ignored. A Turn is not safe for concurrent use.
type Turn struct {
	interp *Interpreter
	parser *Parser

	state  State
	text   strings.Builder
	final  string
	parent int64
	err    *ErrorEvent

	onDelta func(string)
}

// NewTurn starts a turn whose parent pointer is initially parent.
func NewTurn(parent int64, opts ...Option) *Turn {
	return &Turn{
		interp: NewInterpreter(opts...),
		parser: NewParser(),
		parent: parent,
	}
}

// OnDelta registers fn to receive every text fragment as it is applied.
func (t *Turn) OnDelta(fn func(string)) { t.onDelta = fn }

// Feed parses chunk and applies every completed frame. It returns the events
// that were applied, in order.
func (t *Turn) Feed(chunk []byte) []Event {
	if t.state != AwaitingFrame {
		return nil
	}
	var out []Event
	for _, f := range t.parser.Feed(chunk) {
		if ev := t.Apply(f); ev != nil {
			out = append(out, ev)
		}
		if t.state != AwaitingFrame {
			break
		}
	}
	return out
}

// Apply classifies f and folds it into the turn. It returns the applied
// event, or nil when the turn is already finished or the frame was skipped.
func (t *Turn) Apply(f Frame) Event {
	if t.state != AwaitingFrame {
		return nil
	}
	ev, err := t.interp.Interpret(f)
	if err != nil {
		return nil
	}
	switch e := ev.(type) {
	case TextDelta:
		if e.Text == "" {
			return ev
		}
		t.text.WriteString(e.Text)
		if t.onDelta != nil {
			t.onDelta(e.Text)
		}
	case Metadata:
		// The parent pointer never moves backwards within a thread.
		if e.HasMessageID && e.Assistant() && e.MessageID >= t.parent {
			t.parent = e.MessageID
		}
	case Response:
		t.final = e.Text
		t.state = Completed
	case *ErrorEvent:
		t.err = e
		t.state = Errored
	}
	return ev
}

// Finish ends the turn at end of stream. A turn still awaiting frames
// completes with whatever text has accumulated. An errored turn returns a
// brokererr StreamError wrapping the ErrorEvent.
func (t *Turn) Finish() (Completion, error) {
	if t.state == AwaitingFrame {
		if f, ok := t.parser.Flush(); ok {
			t.Apply(f)
		}
	}
	if t.state == Errored {
		return t.Completion(), brokererr.Stream("agent reported an error", t.err)
	}
	t.state = Completed
	return t.Completion(), nil
}

// Completion reports the outcome so far. A supplied final text wins over the
// accumulated deltas.
func (t *Turn) Completion() Completion {
	text := t.final
	if text == "" {
		text = t.text.String()
	}
	return Completion{Text: text, ParentMessageID: t.parent}
}

// State returns the current lifecycle position.
func (t *Turn) State() State { return t.state }

// Text returns the text accumulated from deltas.
func (t *Turn) Text() string { return t.text.String() }

// ParentMessageID returns the current parent pointer.
func (t *Turn) ParentMessageID() int64 { return t.parent }

// Err returns the error event that ended the turn, if any.
func (t *Turn) Err() *ErrorEvent { return t.err }
