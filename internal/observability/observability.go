// Package observability wires the process-wide slog logger.
//
// Three output modes: human-readable text, JSON, and OpenTelemetry log
// export (OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set, stdout
// otherwise).
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies this module in exported log records.
const instrumentationName = "github.com/DonAlex1897/ruminster-client"

// Instrument installs the process-wide default slog logger.
// format is one of "text", "json", or "otel".
func Instrument(level slog.Level, format string) error {
	var handler slog.Handler

	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "otel":
		otelHandler, err := newOtelHandler(level)
		if err != nil {
			return fmt.Errorf("setting up otel log handler: %w", err)
		}
		handler = otelHandler
	default:
		return fmt.Errorf("unsupported log format: %s", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// newOtelHandler bridges slog records into the OpenTelemetry log pipeline.
// Records below the configured level are dropped by a severity processor
// before they reach the exporter.
func newOtelHandler(level slog.Level) (slog.Handler, error) {
	exporter, err := newLogExporter(context.Background())
	if err != nil {
		return nil, err
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), toSeverity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

	return otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider)), nil
}

// newLogExporter picks OTLP/HTTP when an endpoint is configured in the
// environment, stdout otherwise.
func newLogExporter(ctx context.Context) (sdklog.Exporter, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" || os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") != "" {
		return otlploghttp.New(ctx)
	}
	return stdoutlog.New()
}

// toSeverity maps an slog level to the minimum otel severity to export.
func toSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
