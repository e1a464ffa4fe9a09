package relay

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bridge)(nil)
var _ HealthChecker = (*Bridge)(nil)

// DefaultTimeout bounds a request when the caller passes no timeout.
const DefaultTimeout = 5 * time.Second

// Bridge turns a synchronous call into a publish on a request channel and
// waits for the matching reply on a single-use reply channel.
type Bridge struct {
	transport      Transport
	codec          Codec
	clock          xclock.Clock
	logger         *xlog.Logger
	routes         map[Action]Route
	defaultTimeout time.Duration
	cleanupTimeout time.Duration
	newID          func() string

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []observerEntry
	observerSeq  uint64

	metrics   *bridgeMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

type observerEntry struct {
	id  uint64
	obs Observer
}

type bridgeMetrics struct {
	requests        atomic.Uint64
	replies         atomic.Uint64
	timeouts        atomic.Uint64
	malformed       atomic.Uint64
	publishFailures atomic.Uint64
	unavailable     atomic.Uint64
	canceled        atomic.Uint64
	lateReplies     atomic.Uint64
	pending         atomic.Int64
	latencyNs       atomic.Int64
}

// Metrics is the observable telemetry of a bridge.
type Metrics struct {
	Requests         uint64
	Replies          uint64
	Timeouts         uint64
	MalformedReplies uint64
	PublishFailures  uint64
	Unavailable      uint64
	Canceled         uint64
	LateReplies      uint64
	Pending          int64
	EventsDropped    uint64
	AvgLatencyMs     float64
}

// HealthStatus indicates bridge health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Transport TransportStatus
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// Transport returns the injected transport.
func (b *Bridge) Transport() Transport { return b.transport }

// Codec returns the configured codec (Strategy).
func (b *Bridge) Codec() Codec { return b.codec }

// Route returns the route registered for action.
func (b *Bridge) Route(action Action) (Route, bool) {
	r, ok := b.routes[action]
	return r, ok
}

// Send publishes action and waits up to timeout for its reply. A timeout of
// zero or less falls back to the bridge default.
//
// The reply channel is subscribed before the request goes out and is always
// unsubscribed before Send returns, whichever way the request ends.
func (b *Bridge) Send(ctx context.Context, action Action, timeout time.Duration) (*Reply, error) {
	if b.closed.Load() {
		return nil, &RequestError{Op: "send", Action: action, Kind: ErrBridgeClosed}
	}
	route, ok := b.routes[action]
	if !ok {
		return nil, &RequestError{Op: "send", Action: action, Kind: ErrUnsupportedAction}
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	b.metrics.requests.Add(1)
	if st := b.transport.Status(); !st.Ready() {
		b.metrics.unavailable.Add(1)
		err := &RequestError{Op: "send", Action: action, Kind: ErrTransportUnavailable}
		b.notify(Event{Type: Failed, Action: action, Err: err})
		return nil, err
	}

	id := b.newID()
	channel := ReplyChannel(route.ReplyPrefix, id)
	fail := func(kind, cause error) *RequestError {
		return &RequestError{Op: "send", Action: action, CorrelationID: id, Channel: channel, Kind: kind, Err: cause}
	}

	body, err := b.codec.Marshal(Envelope{Action: action, CorrelationID: id, ReplyChannel: channel})
	if err != nil {
		return nil, fail(ErrPublishFailed, err)
	}

	start := b.clock.Now()
	b.notify(Event{Type: RequestStart, Action: action, CorrelationID: id, Channel: channel})

	b.metrics.pending.Add(1)
	defer b.metrics.pending.Add(-1)

	wait := newPendingWait(channel)
	removeListener := b.transport.Listen(wait.listener(func() {
		b.metrics.lateReplies.Add(1)
		b.notify(Event{Type: LateReply, Action: action, CorrelationID: id, Channel: channel})
	}))

	if err := b.transport.Subscribe(ctx, channel); err != nil {
		removeListener()
		// the broker may have taken the subscribe before ctx gave up on it
		b.unsubscribe(ctx, channel, action, id)
		kind := ErrTransportUnavailable
		if ctx.Err() != nil {
			kind = ErrCanceled
			b.metrics.canceled.Add(1)
		} else {
			b.metrics.unavailable.Add(1)
		}
		rerr := fail(kind, err)
		b.notify(Event{Type: Failed, Action: action, CorrelationID: id, Channel: channel, Err: rerr})
		return nil, rerr
	}
	b.notify(Event{Type: Subscribed, Action: action, CorrelationID: id, Channel: channel})

	timer := time.AfterFunc(timeout, func() { wait.resolve(nil, ErrTimeout) })
	stopCancel := context.AfterFunc(ctx, func() { wait.resolve(nil, ctx.Err()) })
	defer b.cleanup(ctx, wait, timer, stopCancel, removeListener, action, id)

	if err := b.transport.Publish(ctx, route.RequestChannel, body); err != nil {
		if wait.resolve(nil, fail(ErrPublishFailed, err)) {
			b.metrics.publishFailures.Add(1)
		}
	} else {
		b.notify(Event{Type: Published, Action: action, CorrelationID: id, Channel: route.RequestChannel})
	}

	payload, err := wait.result()
	latency := b.clock.Since(start)
	if err != nil {
		return nil, b.failure(err, fail, action, id, channel, latency)
	}

	var value any
	if err := b.codec.Unmarshal(payload, &value); err != nil {
		b.metrics.malformed.Add(1)
		rerr := fail(ErrMalformedReply, err)
		b.notify(Event{Type: Failed, Action: action, CorrelationID: id, Channel: channel, Duration: latency, Err: rerr})
		return nil, rerr
	}

	b.metrics.replies.Add(1)
	b.recordLatency(latency.Nanoseconds())
	b.notify(Event{Type: Replied, Action: action, CorrelationID: id, Channel: channel, Duration: latency})

	return &Reply{
		Action:        action,
		CorrelationID: id,
		Channel:       channel,
		Payload:       payload,
		Value:         value,
		Latency:       latency,
	}, nil
}

// failure converts the winning non-reply cause into a RequestError.
func (b *Bridge) failure(err error, fail func(kind, cause error) *RequestError, action Action, id, channel string, latency time.Duration) error {
	var rerr *RequestError
	switch {
	case errors.As(err, &rerr):
		// publish failure, already counted
	case errors.Is(err, ErrTimeout):
		b.metrics.timeouts.Add(1)
		rerr = fail(ErrTimeout, nil)
		b.notify(Event{Type: TimedOut, Action: action, CorrelationID: id, Channel: channel, Duration: latency, Err: rerr})
		return rerr
	case errors.Is(err, context.DeadlineExceeded):
		b.metrics.timeouts.Add(1)
		rerr = fail(ErrTimeout, err)
		b.notify(Event{Type: TimedOut, Action: action, CorrelationID: id, Channel: channel, Duration: latency, Err: rerr})
		return rerr
	default:
		b.metrics.canceled.Add(1)
		rerr = fail(ErrCanceled, err)
	}
	b.notify(Event{Type: Failed, Action: action, CorrelationID: id, Channel: channel, Duration: latency, Err: rerr})
	return rerr
}

// cleanup runs once per Send after the wait has resolved.
func (b *Bridge) cleanup(ctx context.Context, wait *pendingWait, timer *time.Timer, stopCancel func() bool, removeListener func(), action Action, id string) {
	timer.Stop()
	stopCancel()
	removeListener()
	b.unsubscribe(ctx, wait.channel, action, id)
}

// unsubscribe detaches from the caller's cancellation so a dropped caller
// cannot leave the reply channel subscribed.
func (b *Bridge) unsubscribe(ctx context.Context, channel string, action Action, id string) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cleanupTimeout)
	defer cancel()
	if err := b.transport.Unsubscribe(uctx, channel); err != nil {
		b.logger.With(xlog.Str("channel", channel)).Warn().Err(err).Msg("relay: unsubscribe failed")
		return
	}
	b.notify(Event{Type: Unsubscribed, Action: action, CorrelationID: id, Channel: channel})
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() Metrics {
	m := Metrics{
		Requests:         b.metrics.requests.Load(),
		Replies:          b.metrics.replies.Load(),
		Timeouts:         b.metrics.timeouts.Load(),
		MalformedReplies: b.metrics.malformed.Load(),
		PublishFailures:  b.metrics.publishFailures.Load(),
		Unavailable:      b.metrics.unavailable.Load(),
		Canceled:         b.metrics.canceled.Load(),
		LateReplies:      b.metrics.lateReplies.Load(),
		Pending:          b.metrics.pending.Load(),
		AvgLatencyMs:     float64(b.metrics.latencyNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports unhealthy when the bridge is closed or its transport is down,
// and degraded when more than 5% of requests failed.
func (b *Bridge) Health(ctx context.Context) HealthStatus {
	st := b.transport.Status()
	if b.closed.Load() {
		return HealthStatus{Status: "unhealthy", Transport: st, Timestamp: b.clock.Now(), Message: "bridge is closed"}
	}

	metrics := b.GetMetrics()
	if !st.Ready() {
		return HealthStatus{Status: "unhealthy", Transport: st, Metrics: metrics, Timestamp: b.clock.Now(), Message: "transport not ready"}
	}

	status := "healthy"
	failures := metrics.Timeouts + metrics.MalformedReplies + metrics.PublishFailures + metrics.Unavailable
	if failures > 0 && metrics.Requests > 0 {
		if float64(failures)/float64(metrics.Requests) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Transport: st,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close stops accepting requests, drains observers and closes the transport.
// In-flight requests still run their cleanup against the transport.
func (b *Bridge) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("relay: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("relay: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer and returns an idempotent func that
// removes it. The remove func works for any observer, including ObserverFunc.
func (b *Bridge) AddObserver(obs Observer) (remove func()) {
	if obs == nil {
		return func() {}
	}
	b.observersMu.Lock()
	b.observerSeq++
	id := b.observerSeq
	b.observers = append(b.observers, observerEntry{id: id, obs: obs})
	b.observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.dropObserver(func(e observerEntry) bool { return e.id == id }) })
	}
}

// RemoveObserver removes the first registration of obs. Observers whose
// dynamic type is not comparable, such as ObserverFunc, are only removable
// through the func AddObserver returned.
func (b *Bridge) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.dropObserver(func(e observerEntry) bool {
		return reflect.TypeOf(e.obs).Comparable() && e.obs == obs
	})
}

func (b *Bridge) dropObserver(match func(observerEntry) bool) {
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	for i, e := range b.observers {
		if match(e) {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// notify dispatches through the pool when one is configured, inline otherwise.
func (b *Bridge) notify(e Event) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	for i, e := range b.observers {
		observers[i] = e.obs
	}
	b.observersMu.RUnlock()

	e.At = b.clock.Now()
	if b.observerPool != nil {
		b.observerPool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordLatency keeps an exponential moving average of reply latency.
func (b *Bridge) recordLatency(ns int64) {
	const alpha = 0.2
	current := b.metrics.latencyNs.Load()
	if current == 0 {
		b.metrics.latencyNs.Store(ns)
		return
	}
	b.metrics.latencyNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

func newCorrelationID() string { return uuid.NewString() }
