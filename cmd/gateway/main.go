package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/Ilia1177/relay"
	_ "github.com/Ilia1177/relay/adapter/memory"
	_ "github.com/Ilia1177/relay/adapter/rabbitmq"
	_ "github.com/Ilia1177/relay/adapter/redispubsub"
	"github.com/Ilia1177/relay/gateway"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := gateway.FromEnv(os.LookupEnv)

	minLevel := xlog.LevelInfo
	if cfg.Debug {
		minLevel = xlog.LevelDebug
	}
	logger := zerolog.Use(zerolog.Config{
		MinLevel:          minLevel,
		Console:           cfg.Debug,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            cfg.Debug,
		CallerSkip:        5,
	}).With(xlog.Str("app", "api-gateway"))

	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	clock := xclock.Default()
	bridge, closeBridge, err := relay.New(func(b *relay.Builder) {
		b.WithTransport(cfg.Transport, cfg.TransportConfig()).
			WithLogger(logger).
			WithClock(clock).
			WithDefaultTimeout(cfg.RequestTimeout).
			WithObserverPool(4, 1024)
	})
	if err != nil {
		logger.With(xlog.Str("transport", cfg.Transport)).Error().Err(err).Msg("failed to connect bus")
		return 1
	}
	defer func() {
		if err := closeBridge(); err != nil {
			logger.Warn().Err(err).Msg("bridge close failed")
		}
	}()

	srv := gateway.New(bridge, cfg, gateway.WithLogger(logger), gateway.WithClock(clock))
	if err := srv.WatchHealthChannel(ctx); err != nil {
		logger.Warn().Err(err).Msg("health channel subscribe failed")
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
		return 1
	}
	logger.Info().Msg("shutdown complete")
	return 0
}
