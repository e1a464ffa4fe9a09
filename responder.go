package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Responder is the downstream side of the reply-channel contract: it listens
// on a request channel, runs a Handler per envelope and publishes the result
// verbatim on the envelope's reply channel.
type Responder struct {
	transport   Transport
	channel     string
	handler     Handler
	codec       Codec
	logger      *xlog.Logger
	clock       xclock.Clock
	concurrency int
	bufferSize  int
	middlewares []Middleware
	errorReply  func(error) any

	mu      sync.Mutex
	started bool
	work    chan []byte
	remove  func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

func WithResponderCodec(c Codec) ResponderOption {
	return func(r *Responder) { r.codec = c }
}

func WithResponderLogger(l *xlog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

func WithResponderClock(c xclock.Clock) ResponderOption {
	return func(r *Responder) { r.clock = c }
}

// WithConcurrency sets the number of handler goroutines (default 4).
func WithConcurrency(n int) ResponderOption {
	return func(r *Responder) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithBufferSize sets how many envelopes may queue ahead of the handlers (default 256).
func WithBufferSize(n int) ResponderOption {
	return func(r *Responder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithMiddleware wraps the handler, outside the panic recovery every handler gets.
func WithMiddleware(mw ...Middleware) ResponderOption {
	return func(r *Responder) { r.middlewares = append(r.middlewares, mw...) }
}

// WithErrorReply maps a handler error to the payload published in its place.
// Returning nil publishes nothing and leaves the caller to time out.
func WithErrorReply(f func(error) any) ResponderOption {
	return func(r *Responder) { r.errorReply = f }
}

// ErrorReply is the default error payload.
type ErrorReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewResponder builds a responder for requests arriving on channel.
func NewResponder(t Transport, channel string, h Handler, opts ...ResponderOption) *Responder {
	r := &Responder{
		transport:   t,
		channel:     channel,
		handler:     h,
		codec:       JSONCodec{},
		logger:      xlog.Default(),
		clock:       xclock.Default(),
		concurrency: 4,
		bufferSize:  256,
		errorReply: func(err error) any {
			return ErrorReply{Status: "error", Message: err.Error()}
		},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Start subscribes to the request channel and begins serving.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("relay: responder already started")
	}

	h := Chain(RecoveryMiddleware()(r.handler), r.middlewares...)
	r.work = make(chan []byte, r.bufferSize)
	r.remove = r.transport.Listen(func(channel string, payload []byte) {
		if channel != r.channel {
			return
		}
		select {
		case r.work <- payload:
		default:
			r.logger.With(xlog.Str("channel", channel)).Warn().Msg("relay: responder queue full, request dropped")
		}
	})

	if err := r.transport.Subscribe(ctx, r.channel); err != nil {
		r.remove()
		return err
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(wctx, h)
		}()
	}
	r.started = true
	return nil
}

func (r *Responder) worker(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.work:
			r.serve(ctx, h, payload)
		}
	}
}

func (r *Responder) serve(ctx context.Context, h Handler, payload []byte) {
	var env Envelope
	if err := r.codec.Unmarshal(payload, &env); err != nil || env.ReplyChannel == "" {
		r.logger.With(xlog.Str("channel", r.channel)).Warn().Err(err).Msg("relay: responder dropped undecodable envelope")
		return
	}

	lg := r.logger.With(
		xlog.Str("action", string(env.Action)),
		xlog.Str("correlation_id", env.CorrelationID),
		xlog.Str("reply_channel", env.ReplyChannel),
	)
	hctx := InjectAll(ctx, r.codec, lg, r.clock)
	hctx = context.WithValue(hctx, envelopeCtxKey, env)

	start := r.clock.Now()
	v, err := h(hctx, env)
	if err != nil {
		lg.Warn().Err(err).Msg("relay: handler failed")
		if r.errorReply == nil {
			return
		}
		v = r.errorReply(err)
		if v == nil {
			return
		}
	}

	var data []byte
	switch raw := v.(type) {
	case []byte:
		data = raw
	default:
		data, err = r.codec.Marshal(v)
		if err != nil {
			lg.Warn().Err(err).Msg("relay: encode reply failed")
			return
		}
	}

	if err := r.transport.Publish(ctx, env.ReplyChannel, data); err != nil {
		lg.Warn().Err(err).Msg("relay: publish reply failed")
		return
	}
	lg.With(xlog.Dur("duration", r.clock.Since(start))).Debug().Msg("relay: replied")
}

// Close stops serving and unsubscribes from the request channel.
func (r *Responder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	r.remove()
	r.cancel()
	r.wg.Wait()
	return r.transport.Unsubscribe(ctx, r.channel)
}
