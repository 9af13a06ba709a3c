// Package streaminghttp is the broker's HTTP surface. It mounts as a standard
// net/http handler in front of the remote agent platform and lets local
// clients create threads and run an agent without holding any platform
// credential themselves.
//
// # Routes
//
//	POST /threads              create a conversation thread
//	GET  /threads/{id}         fetch thread metadata
//	POST /agent/run            run one turn, answered as JSON
//	POST /agent/run/stream     run one turn, relayed as text/event-stream
//	GET  /.well-known/jwks.json  broker public key (WithCredential)
//	GET  /publickey            PEM public key and fingerprint (WithCredential)
//	GET  /healthz              liveness
//
// Run bodies are JSON objects. A "message" string is expanded into the
// platform's "messages" array, "parent_message_id" defaults to 0 and
// "stream" is set by the route.
//
// # Streaming
//
// The streaming route forwards upstream bytes verbatim and flushes after each
// chunk. Nothing is buffered beyond one chunk. If the client disconnects the
// upstream read is cancelled and the relay returns quietly. If the upstream
// fails mid-stream and the client is still connected, any half-written frame
// is closed and exactly one frame is appended:
//
//	event: error
//	data: {"message":"...","code":"stream_error"}
//
// An upstream error status at open time is returned as a JSON error with the
// upstream status; no event-stream headers are sent.
//
// # Authentication
//
// WithAuthenticator puts every broker route behind bearer authentication
// with RFC 6750 challenges. Health and key publication stay open.
package streaminghttp
