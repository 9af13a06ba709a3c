package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC id. The raw encoding is kept so an id is echoed
// back exactly as the peer sent it, including large integers.
type RequestID struct {
	raw json.RawMessage
}

// NewRequestID builds an id from a string or integer.
func NewRequestID(value any) (*RequestID, error) {
	switch value.(type) {
	case string, int, int32, int64, uint, uint32, uint64:
	default:
		return nil, fmt.Errorf("JSON-RPC id must be a string or integer, got %T", value)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &RequestID{raw: b}, nil
}

// String returns the id for logging. String ids are unquoted.
func (id *RequestID) String() string {
	if id == nil || len(id.raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(id.raw, &s) == nil {
		return s
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler. A nil id encodes as null.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON accepts a JSON string or number.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty JSON-RPC id")
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("JSON-RPC id: %w", err)
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("JSON-RPC id: %w", err)
		}
	default:
		return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", data)
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}
