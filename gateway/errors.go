package gateway

import (
	"errors"
	"net/http"

	"github.com/Ilia1177/relay"
)

// StatusClientClosedRequest is the nginx convention for a caller that went
// away before the reply was ready.
const StatusClientClosedRequest = 499

// StatusFor maps a bridge error to the HTTP status the gateway answers with.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, relay.ErrUnsupportedAction):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrTimeout),
		errors.Is(err, relay.ErrTransportUnavailable),
		errors.Is(err, relay.ErrBridgeClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrMalformedReply),
		errors.Is(err, relay.ErrPublishFailed):
		return http.StatusInternalServerError
	case errors.Is(err, relay.ErrCanceled):
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
