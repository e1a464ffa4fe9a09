package relay

import (
	"context"
	"time"
)

// Listener receives every message the transport's subscribe handle delivers,
// whatever channel it arrived on. Implementations must filter by channel.
type Listener func(channel string, payload []byte)

// Transport is the Strategy interface for pub/sub backends.
//
// Implementations hold two handles: one used only to publish and one kept in
// subscribe mode. Subscribe and Unsubscribe return only once the broker has
// confirmed the change.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	// Listen registers l on the shared message stream. The returned func
	// removes it and is safe to call more than once.
	Listen(l Listener) (remove func())
	Status() TransportStatus
	Close(ctx context.Context) error
}

// Pinger is implemented by transports that can round-trip a PING to the broker.
type Pinger interface {
	Ping(ctx context.Context) (string, error)
}

// StatsReporter is implemented by transports that track delivery counters.
type StatsReporter interface {
	Stats() TransportStats
}

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bridge lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete bridge surface.
type API interface {
	Send(ctx context.Context, action Action, timeout time.Duration) (*Reply, error)
	Transport() Transport
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer) (remove func())
	RemoveObserver(obs Observer)
	Close(ctx context.Context) error
}
