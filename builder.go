package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Builder constructs Bridge instances (Builder pattern).
type Builder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	routes         []Route
	observers      []Observer
	logger         *xlog.Logger
	clock          xclock.Clock
	defaultTimeout time.Duration
	cleanupTimeout time.Duration
	idFunc         func() string

	poolWorkers int
	poolBuffer  int
}

// NewBuilder returns a new builder with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{
		codecName:      "json",
		defaultTimeout: DefaultTimeout,
		cleanupTimeout: 2 * time.Second,
	}
}

// WithTransport selects a registered transport by name.
func (bb *Builder) WithTransport(name string, cfg map[string]any) *Builder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance.
func (bb *Builder) WithTransportInstance(t Transport) *Builder {
	bb.transportInst = t
	return bb
}

func (bb *Builder) WithCodec(name string) *Builder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *Builder) WithCodecInstance(c Codec) *Builder {
	bb.codecInst = c
	return bb
}

// WithRoutes replaces the route table. Only routed actions can be sent.
func (bb *Builder) WithRoutes(routes ...Route) *Builder {
	bb.routes = append([]Route(nil), routes...)
	return bb
}

func (bb *Builder) WithObserver(obs ...Observer) *Builder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool dispatches observer events asynchronously.
func (bb *Builder) WithObserverPool(workers, bufferSize int) *Builder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *Builder) WithLogger(l *xlog.Logger) *Builder {
	bb.logger = l
	return bb
}

func (bb *Builder) WithClock(c xclock.Clock) *Builder {
	bb.clock = c
	return bb
}

// WithDefaultTimeout sets the timeout used when Send gets none.
func (bb *Builder) WithDefaultTimeout(d time.Duration) *Builder {
	if d > 0 {
		bb.defaultTimeout = d
	}
	return bb
}

// WithCleanupTimeout bounds the unsubscribe issued after each request.
func (bb *Builder) WithCleanupTimeout(d time.Duration) *Builder {
	if d > 0 {
		bb.cleanupTimeout = d
	}
	return bb
}

// WithIDFunc overrides correlation ID generation. IDs must be unique across
// concurrent requests.
func (bb *Builder) WithIDFunc(f func() string) *Builder {
	bb.idFunc = f
	return bb
}

func (bb *Builder) Build() (*Bridge, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	routes := bb.routes
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	table := make(map[Action]Route, len(routes))
	for _, r := range routes {
		if !r.valid() {
			return nil, fmt.Errorf("%w: %+v", ErrInvalidRoute, r)
		}
		table[r.Action] = r
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	idf := bb.idFunc
	if idf == nil {
		idf = newCorrelationID
	}

	b := &Bridge{
		transport:      tr,
		codec:          cd,
		clock:          clk,
		logger:         lg,
		routes:         table,
		defaultTimeout: bb.defaultTimeout,
		cleanupTimeout: bb.cleanupTimeout,
		newID:          idf,
		metrics:        &bridgeMetrics{},
	}
	if bb.poolWorkers > 0 || bb.poolBuffer > 0 {
		b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	// Logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bridge via Builder and returns a close func for convenience.
func New(init func(b *Builder)) (*Bridge, func() error, error) {
	bb := NewBuilder()
	if init != nil {
		init(bb)
	}
	br, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return br.Close(context.Background()) }
	return br, closeFn, nil
}
