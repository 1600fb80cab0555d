// Package otel installs the process-wide tracer provider.
package otel

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls tracer setup.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// UseStdout exports spans as JSON, to Writer or stdout.
	UseStdout bool
	Writer    io.Writer
	// SampleRatio below 1 samples root spans; zero means always.
	SampleRatio float64
}

// Init sets the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "designsync"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = os.Getenv("DESIGNSYNC_VERSION")
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithProcess(),
		sdkresource.WithHost(),
		sdkresource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("designsync.component", "sync"),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler)}
	if cfg.UseStdout {
		var expOpts []stdouttrace.Option
		if cfg.Writer != nil {
			expOpts = append(expOpts, stdouttrace.WithWriter(cfg.Writer))
		} else {
			expOpts = append(expOpts, stdouttrace.WithPrettyPrint())
		}
		exp, err := stdouttrace.New(expOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(200*time.Millisecond)))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
