package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PoolStats is observer pool telemetry.
type PoolStats struct {
	Dropped    uint64 // events refused because the queue was full
	Processed  uint64
	Queued     int
	Workers    int
	BufferSize int
}

// delivery is one event together with the observers registered when it fired.
type delivery struct {
	event     Event
	observers []Observer
}

// ObserverPool fans bridge events out to observers on its own goroutines so
// request latency never includes observer work. A full queue drops events.
type ObserverPool struct {
	queue   chan delivery
	workers int
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// mu orders Notify's enqueue before Close's drain
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool starts workers goroutines (default 4) reading a queue of
// bufferSize events (default 1000).
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	pctx, stop := context.WithCancel(ctx)
	p := &ObserverPool{
		queue:   make(chan delivery, bufferSize),
		workers: workers,
		stop:    stop,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(pctx)
	}
	return p
}

// Notify queues e for observers. It never blocks.
func (p *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- delivery{event: e, observers: append([]Observer(nil), observers...)}:
	default:
		p.dropped.Add(1)
	}
}

func (p *ObserverPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case d := <-p.queue:
			p.deliver(d)
		case <-ctx.Done():
			// drain what was queued before Close
			for {
				select {
				case d := <-p.queue:
					p.deliver(d)
				default:
					return
				}
			}
		}
	}
}

// deliver skips observers that panic.
func (p *ObserverPool) deliver(d delivery) {
	for _, o := range d.observers {
		if o == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			o.OnEvent(d.event)
		}()
	}
	p.processed.Add(1)
}

// Close stops the workers and waits up to timeout for the queue to drain.
func (p *ObserverPool) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

func (p *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:    p.dropped.Load(),
		Processed:  p.processed.Load(),
		Queued:     len(p.queue),
		Workers:    p.workers,
		BufferSize: cap(p.queue),
	}
}
