package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/Ilia1177/relay"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bridge over a fresh in-memory transport and returns both, so
// callers can attach responders and drive outages against the transport.
//
// Example:
//
//	bridge, tr, err := memory.Use(memory.Config{RecordOps: true},
//	    memory.WithLogger(logger),
//	    memory.WithDefaultTimeout(time.Second),
//	)
func Use(cfg Config, opts ...Option) (*relay.Bridge, *Transport, error) {
	tr := NewTransport(cfg)
	bb := relay.NewBuilder().WithTransportInstance(tr)

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bridge, err := bb.Build()
	if err != nil {
		_ = tr.Close(context.Background())
		return nil, nil, fmt.Errorf("memory.Use: %w", err)
	}
	return bridge, tr, nil
}

// Option configures the relay.Bridge when calling Use.
type Option func(*relay.Builder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *relay.Builder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *relay.Builder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *relay.Builder) { b.WithCodec(name) }
}

// WithRoutes replaces the default route table.
func WithRoutes(routes ...relay.Route) Option {
	return func(b *relay.Builder) { b.WithRoutes(routes...) }
}

// WithDefaultTimeout sets the timeout used when Send gets none (default: 5s).
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *relay.Builder) { b.WithDefaultTimeout(d) }
}

// WithObserver attaches observers for request lifecycle events.
func WithObserver(obs ...relay.Observer) Option {
	return func(b *relay.Builder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *relay.Builder) { b.WithObserverPool(workers, bufferSize) }
}

// WithIDFunc overrides correlation ID generation.
func WithIDFunc(f func() string) Option {
	return func(b *relay.Builder) { b.WithIDFunc(f) }
}
