package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ilia1177/relay"
	"github.com/trickstertwo/xclock"
)

const TransportName = "memory"

func init() {
	if err := relay.RegisterTransport(TransportName, func(cfg map[string]any) (relay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("relay/memory: failed to register transport: %w", err))
	}
}

var (
	ErrClosed       = errors.New("memory transport is closed")
	ErrDisconnected = errors.New("memory transport is disconnected")
)

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the delivery queue size (default: 1024).
	BufferSize int
	// DeliveryDelay holds each delivery back before dispatch (default: 0).
	DeliveryDelay time.Duration
	// RecordOps keeps a journal of subscribe/publish/unsubscribe calls (default: false).
	RecordOps bool
	// Clock stamps deliveries (default: xclock.Default()).
	Clock xclock.Clock
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	clock, _ := cfg["clock"].(xclock.Clock)
	return Config{
		BufferSize:    max(1, getInt("buffer_size", 1024)),
		DeliveryDelay: getDur("delivery_delay", 0),
		RecordOps:     getBool("record_ops", false),
		Clock:         clock,
	}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":    c.BufferSize,
		"delivery_delay": c.DeliveryDelay,
		"record_ops":     c.RecordOps,
		"clock":          c.Clock,
	}
}

// Op is one journaled transport call.
type Op struct {
	Kind    string // "subscribe", "unsubscribe", "publish"
	Channel string
}

// Transport implements relay.Transport in process with Redis pub/sub
// semantics: a publish reaches the listeners only if its channel is
// subscribed at publish time. Dev and test use only.
type Transport struct {
	cfg Config

	mu   sync.RWMutex
	subs map[string]struct{}

	listeners relay.ListenerSet
	queue     chan delivery
	stop      chan struct{}
	wg        sync.WaitGroup

	connected  atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	publishErr atomic.Pointer[error]

	opsMu sync.Mutex
	ops   []Op

	metrics *transportMetrics
}

type transportMetrics struct {
	published    atomic.Uint64
	dropped      atomic.Uint64
	subscribes   atomic.Uint64
	unsubscribes atomic.Uint64
}

type delivery struct {
	channel string
	payload []byte
}

var _ relay.Transport = (*Transport)(nil)
var _ relay.Pinger = (*Transport)(nil)
var _ relay.StatsReporter = (*Transport)(nil)

// NewTransport creates a connected in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	t := &Transport{
		cfg:     cfg,
		subs:    make(map[string]struct{}),
		queue:   make(chan delivery, cfg.BufferSize),
		stop:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
	t.connected.Store(true)
	t.listeners.UseClock(cfg.Clock)

	t.wg.Add(1)
	go t.dispatch()
	return t
}

// Publish queues payload for the listeners when channel has a subscriber.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	if p := t.publishErr.Load(); p != nil {
		return *p
	}
	t.record("publish", channel)

	t.mu.RLock()
	_, ok := t.subs[channel]
	t.mu.RUnlock()
	t.metrics.published.Add(1)
	if !ok {
		t.metrics.dropped.Add(1)
		return nil
	}

	d := delivery{channel: channel, payload: append([]byte(nil), payload...)}
	select {
	case t.queue <- d:
		return nil
	case <-t.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Subscribe(_ context.Context, channel string) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.record("subscribe", channel)
	t.mu.Lock()
	t.subs[channel] = struct{}{}
	t.mu.Unlock()
	t.metrics.subscribes.Add(1)
	return nil
}

// Unsubscribe always drops channel from the subscription set, even when it
// then reports the transport as unusable.
func (t *Transport) Unsubscribe(_ context.Context, channel string) error {
	t.record("unsubscribe", channel)
	t.mu.Lock()
	delete(t.subs, channel)
	t.mu.Unlock()
	t.metrics.unsubscribes.Add(1)
	return t.usable()
}

func (t *Transport) Listen(l relay.Listener) func() {
	return t.listeners.Add(l)
}

func (t *Transport) Status() relay.TransportStatus {
	switch {
	case t.closed.Load():
		return relay.TransportStatus{Publisher: relay.StateClosed, Subscriber: relay.StateClosed}
	case !t.connected.Load():
		return relay.TransportStatus{Publisher: relay.StateReconnecting, Subscriber: relay.StateReconnecting}
	default:
		return relay.TransportStatus{Publisher: relay.StateReady, Subscriber: relay.StateReady}
	}
}

func (t *Transport) Ping(_ context.Context) (string, error) {
	if err := t.usable(); err != nil {
		return "", err
	}
	return "PONG", nil
}

// Close stops the dispatcher. Queued deliveries are discarded.
func (t *Transport) Close(_ context.Context) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.stop)
		t.wg.Wait()
	})
	return nil
}

// Disconnect simulates a broker outage until Reconnect is called.
func (t *Transport) Disconnect() { t.connected.Store(false) }

// Reconnect ends a simulated outage.
func (t *Transport) Reconnect() { t.connected.Store(true) }

// FailPublish makes every Publish return err. A nil err clears it.
func (t *Transport) FailPublish(err error) {
	if err == nil {
		t.publishErr.Store(nil)
		return
	}
	t.publishErr.Store(&err)
}

// Subscribed reports whether channel is currently in the subscription set.
func (t *Transport) Subscribed(channel string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subs[channel]
	return ok
}

// Subscriptions lists subscribed channels in sorted order.
func (t *Transport) Subscriptions() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.subs))
	for ch := range t.subs {
		out = append(out, ch)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Listeners returns how many listeners are registered.
func (t *Transport) Listeners() int { return t.listeners.Len() }

// Ops returns a copy of the call journal. Empty unless Config.RecordOps is set.
func (t *Transport) Ops() []Op {
	t.opsMu.Lock()
	defer t.opsMu.Unlock()
	return append([]Op(nil), t.ops...)
}

// OpsFor returns the journaled calls that touched channel.
func (t *Transport) OpsFor(channel string) []Op {
	var out []Op
	for _, op := range t.Ops() {
		if op.Channel == channel {
			out = append(out, op)
		}
	}
	return out
}

// Stats returns transport telemetry.
func (t *Transport) Stats() relay.TransportStats {
	received, last, at := t.listeners.Received()
	t.mu.RLock()
	subs := len(t.subs)
	t.mu.RUnlock()
	return relay.TransportStats{
		Published:        t.metrics.published.Load(),
		MessagesReceived: received,
		Subscriptions:    subs,
		Listeners:        t.listeners.Len(),
		LastMessage:      last,
		LastMessageAt:    at,
	}
}

// Dropped counts publishes that found no subscriber.
func (t *Transport) Dropped() uint64 { return t.metrics.dropped.Load() }

func (t *Transport) usable() error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.connected.Load() {
		return ErrDisconnected
	}
	return nil
}

func (t *Transport) record(kind, channel string) {
	if !t.cfg.RecordOps {
		return
	}
	t.opsMu.Lock()
	t.ops = append(t.ops, Op{Kind: kind, Channel: channel})
	t.opsMu.Unlock()
}

// dispatch delivers queued messages in publish order.
func (t *Transport) dispatch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case d := <-t.queue:
			if t.cfg.DeliveryDelay > 0 {
				select {
				case <-time.After(t.cfg.DeliveryDelay):
				case <-t.stop:
					return
				}
			}
			t.listeners.Dispatch(d.channel, d.payload)
		}
	}
}
