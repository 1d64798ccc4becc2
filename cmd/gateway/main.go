package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/listwave/internal/config"
	"github.com/adred-codev/listwave/internal/fanout"
	"github.com/adred-codev/listwave/internal/gateway"
	"github.com/adred-codev/listwave/internal/limits"
	"github.com/adred-codev/listwave/internal/monitoring"
	"github.com/adred-codev/listwave/internal/queue"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "listwave-gateway",
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid REDIS_URL")
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("Redis unreachable")
	}

	broker := fanout.NewBroker(fanout.NewRedisPubSub(rdb), fanout.Config{
		CallbackTimeout: cfg.CallbackTimeout,
	}, logger)
	manager := gateway.NewManager(broker, cfg.SendBufferSize, logger)

	publisher := queue.NewPublisher(queue.Config{
		URL:       cfg.AMQPURL,
		Exchange:  cfg.Exchange,
		NumShards: cfg.NumShards,
	}, logger)
	if err := publisher.Connect(ctx); err != nil {
		// Not fatal: publishes fail with ErrNotConnected until the
		// reconnect loop below succeeds, and a lost event only delays
		// client state.
		logger.Warn().Err(err).Msg("Broker unreachable at startup, retrying in background")
	}
	go keepPublisherConnected(ctx, publisher, logger)

	guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		Logger:             logger,
	}, manager.ConnCount())
	go guard.Run(ctx, 5*time.Second)

	rateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst: cfg.ConnIPBurst,
		IPRate:  cfg.ConnIPRate,
		Logger:  logger,
	})

	server := gateway.NewServer(cfg, gateway.ServerOptions{
		Manager:   manager,
		Publisher: publisher,
		Auth: gateway.HeaderAuthenticator{
			IDHeader:    cfg.IdentityHeader,
			EmailHeader: cfg.EmailHeader,
		},
		RateLimiter: rateLimiter,
		Guard:       guard,
		PubSubPing: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Gateway failed")
		}
		return
	}

	logger.Info().Msg("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	_ = broker.Close()
	_ = publisher.Close()
	_ = rdb.Close()
}

// keepPublisherConnected re-dials the broker whenever the publisher's
// connection drops. Connect is idempotent, so a healthy publisher makes
// this loop a no-op.
func keepPublisherConnected(ctx context.Context, publisher *queue.Publisher, logger zerolog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if publisher.Connected() {
				continue
			}
			if err := publisher.Connect(ctx); err != nil {
				logger.Debug().Err(err).Msg("Broker reconnect failed")
			} else {
				logger.Info().Msg("Broker reconnected")
			}
		}
	}
}
