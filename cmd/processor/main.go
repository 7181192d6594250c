// Command processor runs the stream pipeline: canonical events are
// consumed from the bus, resolved to a profile, folded into the golden
// record and staged for the warehouse.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/infrastructure/cache"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/database"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/instrumentation"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/telemetry"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
	"github.com/eduflowhq/cdp-backend/internal/service/consent"
	"github.com/eduflowhq/cdp-backend/internal/service/identity"
	"github.com/eduflowhq/cdp-backend/internal/service/profile"
	"github.com/eduflowhq/cdp-backend/internal/service/segmentation"
	"github.com/eduflowhq/cdp-backend/internal/service/stream"
)

const serviceName = "cdp-processor"

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		slog.Error("stream processor failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(serviceName, cfg.Environment, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = serviceName
	telCfg.ServiceVersion = cfg.Version
	telCfg.Environment = cfg.Environment
	telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	telCfg.Enabled = cfg.Telemetry.OTLPEndpoint != ""
	telCfg.SamplingRate = cfg.Telemetry.SampleRate

	provider, err := telemetry.SetupTelemetry(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.NewClient(ctx, &cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewRegistry(promReg)

	metricsSrv := startMetricsServer(cfg.Telemetry.MetricsPort, promReg, logger)
	defer stopMetricsServer(metricsSrv, logger)

	profiles := database.NewProfileRepository(pool)
	consentLedger := database.NewConsentRepository(pool)
	auditLog := database.NewAuditRepository(pool)

	consents := consent.NewService(
		logger.Named("consent"),
		consentLedger,
		cache.NewConsentCache(redisClient),
		auditLog,
		m,
		cfg.Consent.CacheTTL,
	)
	resolver := identity.NewService(logger.Named("identity"), profiles, auditLog, consents, m)
	builder := profile.NewService(logger.Named("profile"), profiles)

	producer, err := events.NewKafkaProducer(&cfg.Kafka, logger, m)
	if err != nil {
		return err
	}

	consumer, err := events.NewGroupConsumer(
		&cfg.Kafka,
		cfg.Processor.GroupID,
		[]string{events.TopicProcessedInteractions},
		logger,
	)
	if err != nil {
		_ = producer.Close()
		return err
	}

	segments := segmentation.NewService(logger.Named("segmentation"), producer, events.TopicSegmentChanges)

	// The stream service owns the consumer and producer and closes both
	// when Run returns.
	processor := stream.NewService(
		logger.Named("stream"),
		consumer,
		producer,
		events.NewDeadLetterPublisher(producer, logger),
		stream.Pipeline{
			Resolver: instrumentation.NewTracedResolver(resolver),
			Builder:  instrumentation.NewTracedUpdater(builder),
			Segments: segments,
			Dedup:    cache.NewDedupSet(redisClient, cfg.Processor.DedupTTL),
		},
		m,
		cfg.Processor,
	)

	logger.Info("starting stream processor",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Strings("brokers", cfg.Kafka.Brokers))

	return processor.Run(ctx)
}

// startMetricsServer serves /metrics and /healthz on a port of their own
// so scrapes never contend with the pipeline.
func startMetricsServer(port int, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(reg))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return srv
}

func stopMetricsServer(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
}
