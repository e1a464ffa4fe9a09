package rabbitmq

import (
	"fmt"
	"time"

	"github.com/Ilia1177/relay"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Adapter: RabbitMQ Transport (Strategy + Adapter patterns)

const TransportName = "rabbitmq"

func init() {
	if err := relay.RegisterTransport(TransportName, func(cfg map[string]any) (relay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("relay: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bridge over RabbitMQ. The caller owns the bridge and
// closes it; nothing is installed globally.
func Use(cfg Config, opts ...Option) (*relay.Bridge, error) {
	bb := relay.NewBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bridge, err := bb.Build()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq.Use: %w", err)
	}
	return bridge, nil
}

// Option configures the relay.Bridge construction when calling Use.
type Option func(*relay.Builder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *relay.Builder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *relay.Builder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *relay.Builder) { b.WithCodec(name) }
}

// WithRoutes replaces the default route table.
func WithRoutes(routes ...relay.Route) Option {
	return func(b *relay.Builder) { b.WithRoutes(routes...) }
}

// WithDefaultTimeout sets the per-request timeout used when Send gets none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *relay.Builder) { b.WithDefaultTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...relay.Observer) Option {
	return func(b *relay.Builder) { b.WithObserver(obs...) }
}

// WithObserverPool dispatches observer events asynchronously.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *relay.Builder) { b.WithObserverPool(workers, bufferSize) }
}
