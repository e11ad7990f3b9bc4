// Package kerrors defines the typed error kinds that cross the boundary
// between the bus/webhook adapters and the trigger supervisor.
package kerrors

import "github.com/pkg/errors"

// Kind classifies an error for the purposes of retry/disable/surface
// decisions.
type Kind int

const (
	// KindInternal covers anything uncaught inside a worker's main loop.
	KindInternal Kind = iota
	KindValidation
	KindNoBrokersAvailable
	KindAuthenticationFailed
	KindTimeout
	KindWebhookDisabling
	KindWebhookRetriable
	KindPoisonMessage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNoBrokersAvailable:
		return "NoBrokersAvailable"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindTimeout:
		return "Timeout"
	case KindWebhookDisabling:
		return "WebhookDisabling"
	case KindWebhookRetriable:
		return "WebhookRetriable"
	case KindPoisonMessage:
		return "PoisonMessage"
	default:
		return "Internal"
	}
}

// Error is a typed, classified error. The original cause is preserved and
// can be recovered with errors.Cause / errors.Unwrap.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Cause() error { return e.err }

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if ke2, ok := errors.Cause(err).(*Error); ok {
		ke = ke2
	} else if ke2, ok := err.(*Error); ok {
		ke = ke2
	} else {
		return false
	}
	return ke.Kind == kind
}
