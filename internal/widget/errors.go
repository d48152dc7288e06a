package widget

import (
	"context"
	"errors"
	"net"
	"strings"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRecoverable
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindRecoverable:
		return "recoverable"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ExecError tags an execution failure with its retry kind.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }

// Recoverable marks err as transient (timeouts, connectivity, rate limits).
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &ExecError{Kind: KindRecoverable, Err: err}
}

// Permanent marks err as structural (credentials, permissions, malformed
// input, exhausted quota); it is never retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ExecError{Kind: KindPermanent, Err: err}
}

// permanentHints is matched against the text of errors that carry no kind.
// Producers that predate ExecError still report failures this way.
var permanentHints = []string{
	"invalid credentials",
	"invalid api key",
	"invalid_api_key",
	"authentication failed",
	"unauthorized",
	"permission denied",
	"forbidden",
	"access denied",
	"malformed request",
	"invalid request",
	"bad request",
	"quota exceeded",
	"quota exhausted",
	"insufficient_quota",
	"billing",
}

// Classify returns the retry kind of err: the explicit kind when wrapped,
// recoverable for deadlines and network timeouts, then the text hints, and
// recoverable for everything else.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ee *ExecError
	if errors.As(err, &ee) && ee.Kind != KindUnknown {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRecoverable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindRecoverable
	}

	msg := strings.ToLower(err.Error())
	for _, h := range permanentHints {
		if strings.Contains(msg, h) {
			return KindPermanent
		}
	}
	return KindRecoverable
}
