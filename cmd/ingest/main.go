// Command ingest runs the ingestion edge: the provider-facing webhook
// server and the clickstream, mobile and Salesforce connectors that
// normalize raw feeds into canonical events.
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
	"golang.org/x/sync/errgroup"

	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/salesforce"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/telemetry"
	"github.com/eduflowhq/cdp-backend/internal/ingestion/connector"
	"github.com/eduflowhq/cdp-backend/internal/ingestion/normalizer"
	"github.com/eduflowhq/cdp-backend/internal/ingestion/webhook"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
)

const serviceName = "cdp-ingest"

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
		slog.Error("ingestion service failed", "error", err)
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

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewRegistry(promReg)

	metricsSrv := startMetricsServer(cfg.Telemetry.MetricsPort, promReg, logger)
	defer stopMetricsServer(metricsSrv, logger)

	producer, err := events.NewKafkaProducer(&cfg.Kafka, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Warn("producer close failed", zap.Error(err))
		}
	}()

	clickstreamConsumer, err := events.NewGroupConsumer(
		&cfg.Kafka,
		cfg.Ingest.ClickstreamGroupID,
		[]string{events.TopicRawClickstream},
		logger,
	)
	if err != nil {
		return err
	}

	mobileConsumer, err := events.NewGroupConsumer(
		&cfg.Kafka,
		cfg.Ingest.MobileGroupID,
		[]string{events.TopicRawMobileApp},
		logger,
	)
	if err != nil {
		_ = clickstreamConsumer.Close()
		return err
	}

	// Connectors own their consumers and close them when Run returns; the
	// producer is shared and closed here.
	norm := normalizer.New(logger.Named("normalizer"))
	connectors := []connector.Connector{
		connector.NewClickstream(logger.Named("clickstream"), clickstreamConsumer, producer, norm),
		connector.NewMobile(logger.Named("mobile"), mobileConsumer, producer, norm),
	}

	if cfg.Salesforce.Enabled {
		leads := salesforce.NewClient(cfg.Salesforce, logger.Named("salesforce"))
		connectors = append(connectors,
			connector.NewSalesforce(logger.Named("salesforce"), producer, leads, cfg.Salesforce))
	} else {
		logger.Info("salesforce connector disabled")
	}

	mux := http.NewServeMux()
	mux.Handle(webhook.MessagingRoute,
		webhook.NewMessagingHandler(logger.Named("webhook"), producer, cfg.Ingest.MessagingAuthToken))
	mux.Handle(webhook.EmailRoute,
		webhook.NewEmailHandler(logger.Named("webhook"), producer, cfg.Ingest.EmailWebhookSecret))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Ingest.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Ingest.ReadTimeout,
		WriteTimeout: cfg.Ingest.WriteTimeout,
	}

	logger.Info("starting ingestion service",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("connectors", len(connectors)))

	g, gctx := errgroup.WithContext(ctx)

	for _, conn := range connectors {
		g.Go(func() error {
			return conn.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("webhook server listening", zap.Int("port", cfg.Ingest.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ingest.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("ingestion service stopped")
	return nil
}

// startMetricsServer serves /metrics and /healthz on a port of their own
// so scrapes never contend with the webhook listener.
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
