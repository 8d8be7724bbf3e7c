package tracing

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"copilot2api-go/internal/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "copilot2api-go"

var (
	initOnce       sync.Once
	tracerProvider *sdktrace.TracerProvider
)

// Options selects the OTLP collector. Empty fields fall back to the
// standard OTEL_EXPORTER_OTLP_* environment variables.
type Options struct {
	Endpoint string
	Insecure *bool
}

func (o Options) endpoint() string {
	if ep := strings.TrimSpace(o.Endpoint); ep != "" {
		return ep
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o Options) insecure() bool {
	if o.Insecure != nil {
		return *o.Insecure
	}
	flag := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
	return flag == "" || strings.EqualFold(flag, "true") || flag == "1"
}

// Init configures OpenTelemetry tracing when a collector endpoint is known.
// Without one, spans go to the global no-op provider. The returned shutdown
// function is always non-nil.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	var initErr error
	initOnce.Do(func() {
		endpoint := opts.endpoint()
		if endpoint == "" {
			return
		}
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if opts.insecure() {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(ctx,
			resource.WithAttributes(
				attribute.String("service.name", tracerName),
				attribute.String("service.version", version.Version),
				attribute.String("service.instance.id", hostname()),
			),
			resource.WithProcess(),
			resource.WithFromEnv(),
		)
		if err != nil {
			initErr = err
			return
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	})
	if initErr != nil {
		return noop, initErr
	}
	if tracerProvider == nil {
		return noop, nil
	}
	return tracerProvider.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(component string) trace.Tracer {
	name := tracerName
	if strings.TrimSpace(component) != "" {
		name = name + "/" + component
	}
	return otel.Tracer(name)
}

// StartSpan is a convenience wrapper around Tracer(component).Start.
func StartSpan(ctx context.Context, component, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, spanName, opts...)
}

// EndWithStatus records an HTTP status and error on span, then ends it.
func EndWithStatus(span trace.Span, status int, err error) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func hostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
