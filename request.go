package relay

import (
	"context"
	"time"
)

// Request sends action through b and decodes the reply into T with the
// bridge codec. A reply that does not fit T is reported as ErrMalformedReply.
func Request[T any](ctx context.Context, b *Bridge, action Action, timeout time.Duration) (T, error) {
	var zero T

	reply, err := b.Send(ctx, action, timeout)
	if err != nil {
		return zero, err
	}

	v, err := DecodeCodec[T](b.codec, reply.Payload)
	if err != nil {
		return zero, &RequestError{
			Op:            "decode",
			Action:        action,
			CorrelationID: reply.CorrelationID,
			Channel:       reply.Channel,
			Kind:          ErrMalformedReply,
			Err:           err,
		}
	}
	return v, nil
}
