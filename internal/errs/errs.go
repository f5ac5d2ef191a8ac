// Package errs defines the dispatcher's error taxonomy. The taxonomy is a
// set of kinds, not a hierarchy of types: every recoverable error funnels
// into one of these kinds so retry/fallback logic can branch on Of(err)
// without caring about the underlying cause.
package errs

import (
	"github.com/pkg/errors"
)

// Kind classifies a recoverable error for retry/fallback decisions.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally produced.
	KindUnknown Kind = iota
	// KindConfig marks invalid or missing configuration. SetConfig fails,
	// the façade never starts.
	KindConfig
	// KindIO marks an unreadable input file or unwritable output file.
	KindIO
	// KindTimeout marks a per-dispatch transport timeout.
	KindTimeout
	// KindTransport marks a channel drop or decode failure.
	KindTransport
	// KindExpired marks a task that sat in the queue past queue_timeout
	// without a worker becoming available.
	KindExpired
	// KindProtocol marks a channel protocol version mismatch.
	KindProtocol
	// KindCoordinator marks a lost coordinator connection (non-fatal).
	KindCoordinator
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindExpired:
		return "expired"
	case KindProtocol:
		return "protocol"
	case KindCoordinator:
		return "coordinator"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Cause() error  { return e.cause }

// New wraps cause (which may be nil) with a Kind so callers can branch on
// Of(err) later. msg, when non-empty, is attached via errors.Wrap.
func New(kind Kind, cause error, msg string) error {
	if cause != nil && msg != "" {
		cause = errors.Wrap(cause, msg)
	} else if cause == nil && msg != "" {
		cause = errors.New(msg)
	}
	return &kindError{kind: kind, cause: cause}
}

// Of returns the Kind attached to err, or KindUnknown if err was not
// produced by New.
func Of(err error) Kind {
	var ke *kindError
	for err != nil {
		if k, ok := err.(*kindError); ok {
			ke = k
			break
		}
		type causer interface{ Cause() error }
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		type unwrapper interface{ Unwrap() error }
		if u, ok := err.(unwrapper); ok {
			err = u.Unwrap()
			continue
		}
		break
	}
	if ke == nil {
		return KindUnknown
	}
	return ke.kind
}

// Retryable reports whether an error of this kind should be retried by
// DispatchLoop before falling back to the user callback.
func Retryable(kind Kind) bool {
	return kind == KindTimeout || kind == KindTransport
}
