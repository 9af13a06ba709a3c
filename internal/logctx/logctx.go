package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ud, ok := ctx.Value(upstreamDataKey{}).(*UpstreamData); ok {
		attrs := []any{slog.String("op", ud.Operation)}
		if ud.ThreadID != "" {
			attrs = append(attrs, slog.String("thread_id", ud.ThreadID))
		}
		if ud.Agent != "" {
			attrs = append(attrs, slog.String("agent", ud.Agent))
		}
		r.AddAttrs(slog.Group("upstream", attrs...))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type upstreamDataKey struct{}

// UpstreamData describes the platform call a request is making.
type UpstreamData struct {
	Operation string
	ThreadID  string
	Agent     string
}

func WithUpstreamData(ctx context.Context, data *UpstreamData) context.Context {
	return context.WithValue(ctx, upstreamDataKey{}, data)
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}
