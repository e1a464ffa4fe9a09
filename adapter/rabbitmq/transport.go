package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Ilia1177/relay"
)

var ErrClosed = errors.New("rabbitmq: transport closed")

// ConnectionError describes a failed dial.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// transport maps relay channels onto routing keys of one direct exchange.
// Each process owns an exclusive auto-delete queue; subscribing binds a
// routing key to it and unsubscribing unbinds it.
type transport struct {
	cfg Config

	pubConn *amqp.Connection
	pubCh   *amqp.Channel
	pubMu   sync.Mutex

	subConn *amqp.Connection
	subCh   *amqp.Channel
	subMu   sync.Mutex
	queue   string

	listeners relay.ListenerSet

	mu   sync.Mutex
	subs map[string]struct{}

	publisher  atomic.Value // relay.ConnState
	subscriber atomic.Value // relay.ConnState

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	published atomic.Uint64
}

var _ relay.Transport = (*transport)(nil)
var _ relay.StatsReporter = (*transport)(nil)

// NewTransport opens a publishing and a consuming connection, declares the
// exchange and the private reply queue, and starts consuming.
func NewTransport(cfg Config) (relay.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &transport{
		cfg:  cfg,
		subs: make(map[string]struct{}),
		done: make(chan struct{}),
	}
	t.listeners.UseClock(cfg.Clock)
	t.publisher.Store(relay.StateConnecting)
	t.subscriber.Store(relay.StateConnecting)

	if err := t.open(); err != nil {
		t.shutdown()
		return nil, err
	}
	return t, nil
}

func (t *transport) open() error {
	var err error
	if t.pubConn, err = t.dial(); err != nil {
		return err
	}
	if t.subConn, err = t.dial(); err != nil {
		return err
	}

	if t.pubCh, err = t.pubConn.Channel(); err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err = t.pubCh.ExchangeDeclare(t.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.cfg.Exchange, err)
	}

	if t.subCh, err = t.subConn.Channel(); err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	q, err := t.subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare reply queue: %w", err)
	}
	t.queue = q.Name

	consumer := fmt.Sprintf("%s-%s", t.cfg.ConsumerPrefix, uuid.NewString())
	deliveries, err := t.subCh.Consume(t.queue, consumer, true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", t.queue, err)
	}

	pubClosed := t.pubConn.NotifyClose(make(chan *amqp.Error, 1))
	subClosed := t.subConn.NotifyClose(make(chan *amqp.Error, 1))

	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		t.receive(deliveries)
	}()
	go func() {
		defer t.wg.Done()
		t.watch(pubClosed, &t.publisher)
	}()
	go func() {
		defer t.wg.Done()
		t.watch(subClosed, &t.subscriber)
	}()

	t.publisher.Store(relay.StateReady)
	t.subscriber.Store(relay.StateReady)
	return nil
}

func (t *transport) dial() (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{
		Heartbeat: t.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(t.cfg.ConnectTimeout),
	})
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: SanitizeURL(t.cfg.URL), Err: err}
	}
	return conn, nil
}

// Publish routes payload to every queue bound to channel.
func (t *transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	err := t.pubCh.PublishWithContext(ctx, t.cfg.Exchange, channel, false, false, amqp.Publishing{
		ContentType: t.cfg.ContentType,
		Timestamp:   time.Now(),
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	t.published.Add(1)
	return nil
}

// Subscribe binds channel to the reply queue. QueueBind waits for bind-ok.
func (t *transport) Subscribe(ctx context.Context, channel string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	err := t.rpc(ctx, func() error {
		return t.subCh.QueueBind(t.queue, channel, t.cfg.Exchange, false, nil)
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.subs[channel] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *transport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	delete(t.subs, channel)
	t.mu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	return t.rpc(ctx, func() error {
		return t.subCh.QueueUnbind(t.queue, channel, t.cfg.Exchange, nil)
	})
}

// rpc runs a synchronous channel method without outliving ctx. Methods on
// the consume channel are serialized, so an abandoned bind still lands
// before any unbind issued after it.
func (t *transport) rpc(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		errCh <- f()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
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

func (t *transport) Stats() relay.TransportStats {
	received, last, at := t.listeners.Received()
	t.mu.Lock()
	subs := len(t.subs)
	t.mu.Unlock()
	return relay.TransportStats{
		Published:        t.published.Load(),
		MessagesReceived: received,
		Subscriptions:    subs,
		Listeners:        t.listeners.Len(),
		LastMessage:      last,
		LastMessageAt:    at,
	}
}

// Close closes both connections. The reply queue is deleted by the broker.
func (t *transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = t.shutdown()
	})
	return err
}

func (t *transport) shutdown() error {
	close(t.done)

	var errs []error
	for _, ch := range []*amqp.Channel{t.pubCh, t.subCh} {
		if ch != nil {
			if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	for _, conn := range []*amqp.Connection{t.pubConn, t.subConn} {
		if conn != nil && !conn.IsClosed() {
			if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	t.wg.Wait()
	return errors.Join(errs...)
}

// receive runs until the consume channel closes.
func (t *transport) receive(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		t.listeners.Dispatch(d.RoutingKey, d.Body)
	}
}

// watch marks a handle closed when the broker drops its connection.
// amqp091 does not reconnect, so the handle stays down and the bridge
// reports the transport unavailable.
func (t *transport) watch(closed <-chan *amqp.Error, state *atomic.Value) {
	select {
	case <-t.done:
	case <-closed:
		state.Store(relay.StateClosed)
	}
}
