// Package telemetry owns logger construction and OpenTelemetry setup.
// Loggers built here pass every entry through a redaction core so that
// student PII never reaches a log sink.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the JSON zap logger shared by services and
// infrastructure components. Every entry carries the service name, the
// deployment environment and an ISO-8601 timestamp.
func NewLogger(service, environment, level string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		zapLevel(level),
	)

	return zap.New(NewRedactingCore(core), zap.AddCaller()).With(
		zap.String("service", service),
		zap.String("environment", environment),
	)
}

func zapLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewSlogLogger creates the process-level structured logger used by the
// binaries. Records emitted inside a span carry its trace context.
func NewSlogLogger(level string) *slog.Logger {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	return slog.New(&TracedHandler{Handler: slog.NewJSONHandler(os.Stdout, opts)})
}

// TracedHandler is a slog handler that stamps records with the trace
// context of the calling span.
type TracedHandler struct {
	slog.Handler
}

// Handle adds trace_id and span_id attributes when ctx carries a span.
func (h *TracedHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)

		if span.SpanContext().IsSampled() {
			r.AddAttrs(slog.Bool("sampled", true))
		}
	}

	return h.Handler.Handle(ctx, r)
}
