// Package brokererr defines the closed set of failures the broker can
// produce. Every error returned across a package boundary in this module is
// either a *Error or wraps one, so callers can switch on KindOf instead of
// matching message text.
package brokererr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a broker failure.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in the broker.
	KindUnknown Kind = iota
	// KindConfig means required configuration is missing, unreadable or
	// unparseable. Fatal and never retried.
	KindConfig
	// KindSigning means the private key could not produce a token.
	KindSigning
	// KindUpstream means the remote platform answered with a non-2xx status.
	KindUpstream
	// KindStream means a stream failed after it was opened, either at the
	// network level or through an explicit error frame.
	KindStream
	// KindClientAbort is voluntary cancellation by the caller. It is not a
	// failure and must not be reported as one.
	KindClientAbort
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindSigning:
		return "signing"
	case KindUpstream:
		return "upstream"
	case KindStream:
		return "stream"
	case KindClientAbort:
		return "client_abort"
	default:
		return "unknown"
	}
}

// Sentinels for use with errors.Is. They match any *Error of the same Kind.
var (
	ErrConfig      = &Error{Kind: KindConfig}
	ErrSigning     = &Error{Kind: KindSigning}
	ErrUpstream    = &Error{Kind: KindUpstream}
	ErrStream      = &Error{Kind: KindStream}
	ErrClientAbort = &Error{Kind: KindClientAbort}
)

// Error is the broker's error type.
type Error struct {
	Kind Kind
	// Status is the upstream HTTP status for KindUpstream.
	Status int
	// Detail is a human-readable explanation. For KindUpstream it is the
	// upstream response body.
	Detail string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindUpstream:
		return fmt.Sprintf("upstream error: status %d: %s", e.Status, e.Detail)
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s error: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel (or any *Error) of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Configf builds a KindConfig error.
func Configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// Signing wraps a signing failure.
func Signing(detail string, err error) *Error {
	return &Error{Kind: KindSigning, Detail: detail, Err: err}
}

// Upstream reports a non-2xx upstream response.
func Upstream(status int, detail string) *Error {
	return &Error{Kind: KindUpstream, Status: status, Detail: detail}
}

// Stream wraps a failure that happened after a stream was opened.
func Stream(detail string, err error) *Error {
	return &Error{Kind: KindStream, Detail: detail, Err: err}
}

// ClientAbort marks cancellation initiated by the caller.
func ClientAbort(err error) *Error {
	return &Error{Kind: KindClientAbort, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain. Bare context
// cancellation is reported as KindClientAbort.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindClientAbort
	}
	return KindUnknown
}

// StatusClientClosedRequest is the de-facto status for a request the client
// abandoned. It is only ever used for logging since nobody is listening.
const StatusClientClosedRequest = 499

// HTTPStatus maps err to the status the broker reports to its own client.
func HTTPStatus(err error) int {
	var be *Error
	if !errors.As(err, &be) {
		if errors.Is(err, context.Canceled) {
			return StatusClientClosedRequest
		}
		return http.StatusInternalServerError
	}
	switch be.Kind {
	case KindConfig:
		return http.StatusInternalServerError
	case KindSigning:
		return http.StatusUnauthorized
	case KindUpstream:
		if be.Status >= 400 && be.Status <= 599 {
			return be.Status
		}
		return http.StatusBadGateway
	case KindStream:
		return http.StatusBadGateway
	case KindClientAbort:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
