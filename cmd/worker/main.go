package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/listwave/internal/config"
	"github.com/adred-codev/listwave/internal/fanout"
	"github.com/adred-codev/listwave/internal/monitoring"
	"github.com/adred-codev/listwave/internal/worker"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "listwave-worker",
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

	broker := fanout.NewBroker(fanout.NewRedisPubSub(rdb), fanout.Config{}, logger)

	consumer := worker.New(worker.Config{
		URL:           cfg.AMQPURL,
		Exchange:      cfg.Exchange,
		ShardIndex:    cfg.ShardIndex,
		Prefetch:      cfg.Prefetch,
		RetryInterval: cfg.RetryInterval,
	}, broker, logger)

	// Metrics and liveness for the worker process itself.
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(consumer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	if err := consumer.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Consumer exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = broker.Close()
	_ = rdb.Close()
	logger.Info().Msg("Worker stopped")
}

func metricsMux(consumer *worker.Consumer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"` + consumer.State().String() + `"}`))
	})
	return mux
}
