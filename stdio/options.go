package stdio

import (
	"io"
	"log/slog"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger. Logs must not go to the writer carrying
// JSON-RPC output.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithProtocolVersion overrides DefaultProtocolVersion for initialize
// requests that omit one.
func WithProtocolVersion(v string) Option {
	return func(h *Handler) {
		if v != "" {
			h.protocolVersion = v
		}
	}
}

// WithMaxLineBytes bounds a single inbound message. Longer lines are skipped.
func WithMaxLineBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLine = n
		}
	}
}
