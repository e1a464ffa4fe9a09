package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilia1177/relay"
	"github.com/Ilia1177/relay/adapter/memory"
)

func TestResponder_ErrorReply(t *testing.T) {
	b, tr := newBridge(t)
	serve(t, tr, func(ctx context.Context, env relay.Envelope) (any, error) {
		return nil, errors.New("user store offline")
	})

	r, err := b.Send(context.Background(), relay.ActionGetUsers, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "error", "message": "user store offline"}, r.Value)
}

func TestResponder_SilentOnError(t *testing.T) {
	b, tr := newBridge(t)
	serve(t, tr, func(ctx context.Context, env relay.Envelope) (any, error) {
		return nil, errors.New("nope")
	}, relay.WithErrorReply(func(error) any { return nil }))

	_, err := b.Send(context.Background(), relay.ActionGetUsers, 80*time.Millisecond)
	require.ErrorIs(t, err, relay.ErrTimeout)
}

func TestResponder_RecoversPanics(t *testing.T) {
	b, tr := newBridge(t)
	serve(t, tr, func(ctx context.Context, env relay.Envelope) (any, error) {
		panic("boom")
	})

	r, err := b.Send(context.Background(), relay.ActionGetUsers, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", r.Value.(map[string]any)["status"])
	assert.Contains(t, r.Value.(map[string]any)["message"], "boom")

	// the worker survives
	_, err = b.Send(context.Background(), relay.ActionGetUsers, time.Second)
	require.NoError(t, err)
}

func TestResponder_HandlerContext(t *testing.T) {
	b, tr := newBridge(t)

	seen := make(chan relay.Envelope, 1)
	serve(t, tr, func(ctx context.Context, env relay.Envelope) (any, error) {
		fromCtx, ok := relay.EnvelopeFromContext(ctx)
		if !ok {
			return nil, errors.New("no envelope in context")
		}
		if _, ok := relay.LoggerFromContext(ctx); !ok {
			return nil, errors.New("no logger in context")
		}
		if _, ok := relay.CodecFromContext(ctx); !ok {
			return nil, errors.New("no codec in context")
		}
		if _, ok := relay.ClockFromContext(ctx); !ok {
			return nil, errors.New("no clock in context")
		}
		seen <- fromCtx
		return []user{}, nil
	})

	r, err := b.Send(context.Background(), relay.ActionGetUsers, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []any{}, r.Value)

	env := <-seen
	assert.Equal(t, relay.Envelope{
		Action:        relay.ActionGetUsers,
		CorrelationID: r.CorrelationID,
		ReplyChannel:  r.Channel,
	}, env)
}

func TestResponder_Middleware(t *testing.T) {
	b, tr := newBridge(t)

	attempts := 0
	serve(t, tr, func(ctx context.Context, env relay.Envelope) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("flaky")
		}
		return []user{{ID: 1, Name: "a"}}, nil
	}, relay.WithConcurrency(1), relay.WithMiddleware(relay.RetryMiddleware(relay.RetryConfig{MaxAttempts: 3})))

	users, err := relay.Request[[]user](context.Background(), b, relay.ActionGetUsers, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []user{{ID: 1, Name: "a"}}, users)
	assert.Equal(t, 2, attempts)
}

func TestResponder_IgnoresUndecodableEnvelope(t *testing.T) {
	b, tr := newBridge(t)
	serve(t, tr, reply([]user{}))

	require.NoError(t, tr.Publish(context.Background(), "user_requests", []byte("garbage")))
	require.NoError(t, tr.Publish(context.Background(), "user_requests", []byte(`{"action":"get_users"}`)))

	_, err := b.Send(context.Background(), relay.ActionGetUsers, time.Second)
	require.NoError(t, err)
}

func TestResponder_Lifecycle(t *testing.T) {
	tr := memory.NewTransport(memory.Config{})
	defer func() { _ = tr.Close(context.Background()) }()

	r := relay.NewResponder(tr, "user_requests", reply([]user{}))
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	assert.True(t, tr.Subscribed("user_requests"))
	assert.Equal(t, 1, tr.Listeners())

	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))
	assert.False(t, tr.Subscribed("user_requests"))
	assert.Equal(t, 0, tr.Listeners())
}

func TestResponder_StartFailsWhenDisconnected(t *testing.T) {
	tr := memory.NewTransport(memory.Config{})
	defer func() { _ = tr.Close(context.Background()) }()
	tr.Disconnect()

	r := relay.NewResponder(tr, "user_requests", reply([]user{}))
	require.ErrorIs(t, r.Start(context.Background()), memory.ErrDisconnected)
	assert.Equal(t, 0, tr.Listeners())
}
