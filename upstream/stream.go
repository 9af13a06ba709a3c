package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/agent-broker/brokererr"
)

// ChunkSize is the read size used when pulling from an upstream stream.
const ChunkSize = 32 << 10

// Stream is an open streaming response. Next pulls the next chunk; the
// consumer drives the pace, so nothing is buffered beyond one chunk.
type Stream struct {
	resp *http.Response
	buf  []byte

	closeOnce sync.Once
}

func newStream(resp *http.Response) *Stream {
	return &Stream{resp: resp, buf: make([]byte, ChunkSize)}
}

// Header returns the upstream response headers.
func (s *Stream) Header() http.Header { return s.resp.Header }

// StatusCode returns the upstream status.
func (s *Stream) StatusCode() int { return s.resp.StatusCode }

// Next returns the next chunk of bytes. The returned slice is only valid
// until the following call. At clean end of stream it returns io.EOF. When
// ctx is done it returns a ClientAbort error; any other read failure is a
// StreamError.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, brokererr.ClientAbort(err)
		}
		n, err := s.resp.Body.Read(s.buf)
		if n > 0 {
			// Hand over what arrived; a trailing error surfaces on the next call.
			return s.buf[:n], nil
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case ctx.Err() != nil:
			return nil, brokererr.ClientAbort(ctx.Err())
		default:
			return nil, brokererr.Stream("upstream stream interrupted", err)
		}
	}
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.resp.Body.Close() })
	return err
}
