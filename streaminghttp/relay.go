package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/eventstream"
	"github.com/ggoodman/agent-broker/upstream"
)

// StreamErrorCode is the code carried by the synthetic error frame the relay
// emits when the upstream stream fails.
const StreamErrorCode = "stream_error"

type streamErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// relay copies s to the client chunk by chunk, flushing after each write so
// the client sees frames as soon as the platform sends them. The parser only
// tracks frame boundaries; bytes are forwarded untouched.
func relay(ctx context.Context, log *slog.Logger, w http.ResponseWriter, wf *lockedWriteFlusher, s *upstream.Stream) {
	defer s.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	log.InfoContext(ctx, "relay.stream.start")
	boundaries := eventstream.NewParser()
	var frames, bytesOut int

	for {
		chunk, err := s.Next(ctx)
		if err == nil {
			if _, werr := wf.Write(chunk); werr != nil {
				log.DebugContext(ctx, "relay.client.abort", slog.String("err", werr.Error()))
				return
			}
			wf.Flush()
			bytesOut += len(chunk)
			frames += len(boundaries.Feed(chunk))
			continue
		}

		if errors.Is(err, io.EOF) {
			log.InfoContext(ctx, "relay.stream.ok", slog.Int("frames", frames), slog.Int("bytes", bytesOut))
			return
		}
		if brokererr.KindOf(err) == brokererr.KindClientAbort || ctx.Err() != nil {
			log.DebugContext(ctx, "relay.client.abort", slog.Int("frames", frames))
			return
		}

		log.WarnContext(ctx, "relay.stream.fail", slog.String("err", err.Error()), slog.Int("frames", frames))
		writeStreamError(wf, boundaries.Terminator(), err)
		return
	}
}

// writeStreamError closes any half-written frame and emits one error frame.
func writeStreamError(wf *lockedWriteFlusher, terminator string, cause error) {
	msg := cause.Error()
	var be *brokererr.Error
	if errors.As(cause, &be) && be.Detail != "" {
		msg = be.Detail
	}
	payload, err := json.Marshal(streamErrorPayload{Message: msg, Code: StreamErrorCode})
	if err != nil {
		return
	}
	frame := make([]byte, 0, len(terminator)+len(payload)+24)
	frame = append(frame, terminator...)
	frame = append(frame, "event: error\ndata: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	if _, err := wf.Write(frame); err != nil {
		return
	}
	wf.Flush()
}
