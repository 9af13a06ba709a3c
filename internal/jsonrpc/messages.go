// Package jsonrpc holds the JSON-RPC 2.0 envelope types spoken on the MCP
// bridge.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is any inbound JSON-RPC message: a request, a notification or a
// response to something the peer was asked.
type Message struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Kind classifies a Message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
)

// Decode parses and validates one message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if m.JSONRPCVersion != ProtocolVersion {
		return nil, fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, m.JSONRPCVersion)
	}
	hasResult, hasError := len(m.Result) > 0, m.Error != nil
	if m.Method != "" {
		if hasResult || hasError {
			return nil, errors.New("request message cannot have result or error fields")
		}
		return &m, nil
	}
	if hasResult == hasError {
		return nil, errors.New("response message must have exactly one of result or error")
	}
	return &m, nil
}

// Kind reports whether m is a request, a notification or a response.
func (m *Message) Kind() Kind {
	switch {
	case m.Method == "":
		return KindResponse
	case m.ID == nil:
		return KindNotification
	default:
		return KindRequest
	}
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// NewResultResponse wraps an already encoded result.
func NewResultResponse(id *RequestID, result json.RawMessage) *Response {
	return &Response{JSONRPCVersion: ProtocolVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string) *Response {
	return &Response{JSONRPCVersion: ProtocolVersion, ID: id, Error: &Error{Code: code, Message: message}}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
