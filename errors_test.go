package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &RequestError{
		Op:            "send",
		Action:        ActionGetUsers,
		CorrelationID: "abc",
		Channel:       "user_response:abc",
		Kind:          ErrTransportUnavailable,
		Err:           cause,
	}

	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "send get_users [abc]: relay: transport unavailable: dial tcp: connection refused", err.Error())

	bare := &RequestError{Op: "send", Action: "x", Kind: ErrUnsupportedAction}
	assert.Equal(t, "send x: relay: unsupported action", bare.Error())
}

func TestReason(t *testing.T) {
	wrap := func(kind error) error {
		return fmt.Errorf("gateway: %w", &RequestError{Op: "send", Action: ActionGetUsers, Kind: kind, Err: context.Canceled})
	}

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{wrap(ErrTransportUnavailable), "transport_unavailable"},
		{wrap(ErrPublishFailed), "publish_failed"},
		{wrap(ErrTimeout), "timeout"},
		{wrap(ErrMalformedReply), "malformed_reply"},
		{wrap(ErrCanceled), "canceled"},
		{wrap(ErrUnsupportedAction), "unsupported_action"},
		{wrap(ErrBridgeClosed), "bridge_closed"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}
