// Package tracing wires OpenTelemetry spans around chat dispatch and contract
// calls. Spans are exported as JSON to a rotating file.
package tracing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"ABIAgent-Chain/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "ABIAgent-Chain"

// Config selects where spans go. An empty Path disables export; spans are
// still created against the global no-op provider.
type Config struct {
	ServiceName string
	Version     string
	Path        string
	Rotation    logger.RotationConfig
}

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

// Init installs a global tracer provider.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return func(context.Context) error { return nil }, nil
	}
	writer, err := logger.NewRotatingFile(cfg.Path, cfg.Rotation)
	if err != nil {
		return nil, fmt.Errorf("打开 trace 文件失败: %w", err)
	}
	return install(ctx, cfg, writer, writer)
}

func install(ctx context.Context, cfg Config, w io.Writer, closer io.Closer) (ShutdownFunc, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "abiagentd"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("创建 trace resource 失败: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("创建 trace exporter 失败: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.L().Info("tracing enabled", slog.String("service", name))

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}

// Start opens a span on the global provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}
