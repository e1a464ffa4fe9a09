package relay

import (
	"errors"
	"fmt"
)

// Request outcomes. Every error returned by Send wraps exactly one of these.
var (
	ErrTransportUnavailable = errors.New("relay: transport unavailable")
	ErrPublishFailed        = errors.New("relay: publish failed")
	ErrTimeout              = errors.New("relay: timed out waiting for reply")
	ErrMalformedReply       = errors.New("relay: malformed reply")
	ErrCanceled             = errors.New("relay: request canceled")
	ErrUnsupportedAction    = errors.New("relay: unsupported action")
	ErrBridgeClosed         = errors.New("relay: bridge closed")
)

var (
	ErrNoTransportConfigured       = errors.New("relay: no transport configured")
	ErrObserverPoolShutdownTimeout = errors.New("relay: observer pool shutdown timeout")
	ErrInvalidRoute                = errors.New("relay: route needs action, request channel and reply prefix")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// RequestError describes a failed Send. Kind is one of the sentinel errors
// above; Err is the underlying cause, if any.
type RequestError struct {
	Op            string
	Action        Action
	CorrelationID string
	Channel       string
	Kind          error
	Err           error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Action)
	if e.CorrelationID != "" {
		msg += " [" + e.CorrelationID + "]"
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason is the stable snake_case name of the failure kind, suitable for
// API responses and log fields.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransportUnavailable):
		return "transport_unavailable"
	case errors.Is(err, ErrPublishFailed):
		return "publish_failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedReply):
		return "malformed_reply"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrUnsupportedAction):
		return "unsupported_action"
	case errors.Is(err, ErrBridgeClosed):
		return "bridge_closed"
	default:
		return "internal"
	}
}
