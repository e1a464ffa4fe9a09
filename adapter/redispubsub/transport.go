package redispubsub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ilia1177/relay"
)

var (
	ErrClosed         = errors.New("redispubsub: transport closed")
	ErrConfirmTimeout = errors.New("redispubsub: confirmation timeout")
)

type transport struct {
	cfg    Config
	client *redis.Client
	ps     *redis.PubSub

	listeners relay.ListenerSet

	mu      sync.Mutex
	subs    map[string]struct{}
	waiters map[string][]chan struct{}

	publisher  atomic.Value // relay.ConnState
	subscriber atomic.Value // relay.ConnState

	closeOnce sync.Once
	closed    atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	publishErrors atomic.Uint64
	confirmed     atomic.Uint64
}

var _ relay.Transport = (*transport)(nil)
var _ relay.Pinger = (*transport)(nil)
var _ relay.StatsReporter = (*transport)(nil)

// NewTransport dials Redis twice: a pooled client for PUBLISH and PING, and
// a dedicated pub/sub connection for reply channels.
func NewTransport(cfg Config) (relay.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		cfg:     cfg,
		client:  client,
		subs:    make(map[string]struct{}),
		waiters: make(map[string][]chan struct{}),
		cancel:  cancel,
		metrics: &transportMetrics{},
	}
	t.listeners.UseClock(cfg.Clock)
	t.publisher.Store(relay.StateReady)
	t.subscriber.Store(relay.StateConnecting)

	t.ps = client.Subscribe(ctx)
	msgs := t.ps.ChannelWithSubscriptions(redis.WithChannelSize(cfg.ChannelSize))

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.receive(msgs)
	}()
	go func() {
		defer t.wg.Done()
		t.healthLoop(ctx)
	}()

	pctx, pcancel := context.WithTimeout(ctx, cfg.DialTimeout)
	err := t.ps.Ping(pctx)
	pcancel()
	if err != nil {
		_ = t.Close(context.Background())
		return nil, fmt.Errorf("redis subscriber: %w", err)
	}
	t.subscriber.Store(relay.StateReady)

	return t, nil
}

// Publish sends payload with PUBLISH on the pooled client.
func (t *transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		t.metrics.publishErrors.Add(1)
		return err
	}
	t.metrics.published.Add(1)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (t *transport) Subscribe(ctx context.Context, channel string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.await(ctx, "subscribe", channel, func(ctx context.Context) error {
		return t.ps.Subscribe(ctx, channel)
	}); err != nil {
		return err
	}

	t.mu.Lock()
	t.subs[channel] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Unsubscribe returns once Redis has confirmed. go-redis forgets the channel
// before writing the command, so a failed unsubscribe is not replayed on
// reconnect either.
func (t *transport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	delete(t.subs, channel)
	t.mu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	return t.await(ctx, "unsubscribe", channel, func(ctx context.Context) error {
		return t.ps.Unsubscribe(ctx, channel)
	})
}

func (t *transport) Listen(l relay.Listener) func() {
	return t.listeners.Add(l)
}

func (t *transport) Status() relay.TransportStatus {
	if t.closed.Load() {
		return relay.TransportStatus{Publisher: relay.StateClosed, Subscriber: relay.StateClosed}
	}
	return relay.TransportStatus{
		Publisher:  t.publisher.Load().(relay.ConnState),
		Subscriber: t.subscriber.Load().(relay.ConnState),
	}
}

// Ping round-trips PING on the publisher connection.
func (t *transport) Ping(ctx context.Context) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	return t.client.Ping(ctx).Result()
}

func (t *transport) Stats() relay.TransportStats {
	received, last, at := t.listeners.Received()
	t.mu.Lock()
	subs := len(t.subs)
	t.mu.Unlock()
	return relay.TransportStats{
		Published:        t.metrics.published.Load(),
		MessagesReceived: received,
		Subscriptions:    subs,
		Listeners:        t.listeners.Len(),
		LastMessage:      last,
		LastMessageAt:    at,
	}
}

// Close gracefully shuts down both connections.
func (t *transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
		err = errors.Join(t.ps.Close(), t.client.Close())
		t.wg.Wait()
	})
	return err
}

// await registers a confirmation waiter, sends the command and blocks until
// the matching confirmation arrives.
func (t *transport) await(ctx context.Context, kind, channel string, send func(context.Context) error) error {
	done := t.expect(kind, channel)
	if err := send(ctx); err != nil {
		t.forget(kind, channel, done)
		return err
	}

	timer := time.NewTimer(t.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case <-done:
		t.metrics.confirmed.Add(1)
		return nil
	case <-ctx.Done():
		t.forget(kind, channel, done)
		return ctx.Err()
	case <-timer.C:
		t.forget(kind, channel, done)
		return fmt.Errorf("%s %s: %w", kind, channel, ErrConfirmTimeout)
	}
}

func (t *transport) expect(kind, channel string) chan struct{} {
	done := make(chan struct{})
	key := kind + ":" + channel
	t.mu.Lock()
	t.waiters[key] = append(t.waiters[key], done)
	t.mu.Unlock()
	return done
}

func (t *transport) forget(kind, channel string, done chan struct{}) {
	key := kind + ":" + channel
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[key]
	for i, w := range ws {
		if w == done {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(t.waiters, key)
		return
	}
	t.waiters[key] = ws
}

func (t *transport) confirm(kind, channel string) {
	key := kind + ":" + channel
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[key]
	if len(ws) == 0 {
		// resubscribe after a reconnect, nobody is waiting
		return
	}
	close(ws[0])
	if len(ws) == 1 {
		delete(t.waiters, key)
		return
	}
	t.waiters[key] = ws[1:]
}

// receive runs until the pub/sub connection is closed.
func (t *transport) receive(msgs <-chan interface{}) {
	for m := range msgs {
		switch v := m.(type) {
		case *redis.Message:
			t.listeners.Dispatch(v.Channel, []byte(v.Payload))
		case *redis.Subscription:
			t.confirm(v.Kind, v.Channel)
		}
	}
}

// healthLoop refreshes both handle states. go-redis reconnects on its own;
// this only makes the outage visible to Status.
func (t *transport) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
		t.publisher.Store(stateOf(t.client.Ping(pctx).Err()))
		t.subscriber.Store(stateOf(t.ps.Ping(pctx)))
		cancel()
	}
}

func stateOf(err error) relay.ConnState {
	if err != nil {
		return relay.StateReconnecting
	}
	return relay.StateReady
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
