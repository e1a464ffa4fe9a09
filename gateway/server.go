// Package gateway is the HTTP front of the bridge: one inbound request turns
// into at most one correlated bus request.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"

	"github.com/Ilia1177/relay"
)

const (
	Version = "1.0.0"

	// HealthChannel carries the loopback message of GET /api/redis.
	HealthChannel = "health_test"
)

// Server serves the /api routes over a bridge it does not own.
type Server struct {
	bridge relay.API
	cfg    Config
	logger *xlog.Logger
	clock  xclock.Clock
	engine *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *xlog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithClock(c xclock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// New wires the routes. It performs no I/O.
func New(bridge relay.API, cfg Config, opts ...Option) *Server {
	s := &Server{
		bridge: bridge,
		cfg:    cfg,
		logger: xlog.Default(),
		clock:  xclock.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.logger, s.clock))

	api := r.Group("/api")
	api.GET("", s.index)
	api.GET("/health", s.health)
	api.GET("/redis", s.busCheck)
	api.GET("/users", s.users)
	api.Any("/game", s.game)
	api.Any("/game/*path", s.game)
	// /api/games, /api/gameroom... share the placeholder
	r.NoRoute(s.notFound)

	s.engine = r
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// WatchHealthChannel subscribes to HealthChannel so the loopback message of
// the bus check shows up in the transport stats.
func (s *Server) WatchHealthChannel(ctx context.Context) error {
	return s.bridge.Transport().Subscribe(ctx, HealthChannel)
}

// Run serves until ctx is done, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.With(xlog.Str("addr", s.cfg.Addr)).Info().Msg("API Gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		s.logger.Info().Msg("API Gateway stopped")
		return nil
	})
	return g.Wait()
}

func (s *Server) timestamp() string {
	return s.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
