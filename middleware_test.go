package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetryMiddleware(t *testing.T) {
	calls := 0
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})(func(ctx context.Context, env Envelope) (any, error) {
		calls++
		if calls < 3 {
			return nil, errTransient
		}
		return "ok", nil
	})

	v, err := h(context.Background(), Envelope{})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetryMiddleware_GivesUp(t *testing.T) {
	calls := 0
	h := RetryMiddleware(RetryConfig{MaxAttempts: 2})(func(ctx context.Context, env Envelope) (any, error) {
		calls++
		return nil, errTransient
	})

	_, err := h(context.Background(), Envelope{})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestRetryMiddleware_RetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return errors.Is(err, errTransient) },
	})(func(ctx context.Context, env Envelope) (any, error) {
		calls++
		return nil, permanent
	})

	_, err := h(context.Background(), Envelope{})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryMiddleware_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Hour },
	})(func(ctx context.Context, env Envelope) (any, error) {
		calls++
		cancel()
		return nil, errTransient
	})

	_, err := h(ctx, Envelope{})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	h := TimeoutMiddleware(20*time.Millisecond)(func(ctx context.Context, env Envelope) (any, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return "late", nil
	})

	_, err := h(context.Background(), Envelope{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	fast := TimeoutMiddleware(time.Second)(func(ctx context.Context, env Envelope) (any, error) {
		return "fast", nil
	})
	v, err := fast(context.Background(), Envelope{})
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(ctx context.Context, env Envelope) (any, error) {
		panic("user store exploded")
	})

	_, err := h(context.Background(), Envelope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user store exploded")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env Envelope) (any, error) {
				order = append(order, name)
				return next(ctx, env)
			}
		}
	}

	h := Chain(func(ctx context.Context, env Envelope) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}, mw("outer"), nil, mw("inner"))

	_, err := h(context.Background(), Envelope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
