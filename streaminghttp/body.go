package streaminghttp

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var errNoMessages = errors.New("body must carry a message string or a messages array")

// shapeRunBody turns a client run request into the platform's run body. A
// bare "message" string becomes a single user message, parent_message_id
// defaults to 0 and "stream" is forced to match the route.
func shapeRunBody(raw []byte, stream bool) ([]byte, error) {
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, errors.New("body must be a JSON object")
	}

	out := append([]byte(nil), raw...)
	var err error

	msgs := doc.Get("messages")
	switch {
	case msgs.Exists():
		if !msgs.IsArray() || len(msgs.Array()) == 0 {
			return nil, errors.New("messages must be a non-empty array")
		}
		if doc.Get("message").Exists() {
			if out, err = sjson.DeleteBytes(out, "message"); err != nil {
				return nil, err
			}
		}
	case doc.Get("message").Type == gjson.String:
		text := doc.Get("message").Str
		if out, err = sjson.DeleteBytes(out, "message"); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, "messages", []userMessage{newUserMessage(text)}); err != nil {
			return nil, fmt.Errorf("set messages: %w", err)
		}
	default:
		return nil, errNoMessages
	}

	if !doc.Get("parent_message_id").Exists() {
		if out, err = sjson.SetBytes(out, "parent_message_id", 0); err != nil {
			return nil, err
		}
	}
	if out, err = sjson.SetBytes(out, "stream", stream); err != nil {
		return nil, err
	}
	return out, nil
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type userMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

func newUserMessage(text string) userMessage {
	return userMessage{Role: "user", Content: []contentBlock{{Type: "text", Text: text}}}
}
