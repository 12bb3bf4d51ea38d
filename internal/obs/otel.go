// Package obs bootstraps tracing and the Prometheus endpoint for the platformauth server.
package obs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultServiceName = "platformauth"
	exportBatchTimeout = 2 * time.Second
)

var errMissingEndpoint = errors.New("otel.missing_endpoint")

// OTELConfig selects the trace exporter. Tracing stays off unless Enable is set.
type OTELConfig struct {
	Enable      bool
	Endpoint    string
	ServiceName string
	SampleRatio float64
}

// Tracing owns the tracer provider installed by SetupOTel.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// SetupOTel installs W3C propagation and, when enabled, an OTLP gRPC span exporter as the global
// tracer provider.
func SetupOTel(ctx context.Context, configuration OTELConfig) (*Tracing, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !configuration.Enable {
		return &Tracing{}, nil
	}
	endpoint := strings.TrimSpace(configuration.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("otel.setup: %w", errMissingEndpoint)
	}
	serviceName := strings.TrimSpace(configuration.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure(), otlptracegrpc.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("otel.exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(exportBatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(configuration.SampleRatio)))),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))),
	)
	otel.SetTracerProvider(provider)
	return &Tracing{provider: provider}, nil
}

func clampRatio(ratio float64) float64 {
	switch {
	case ratio <= 0 || ratio > 1:
		return 1
	default:
		return ratio
	}
}

// Enabled reports whether spans are exported.
func (tracing *Tracing) Enabled() bool {
	return tracing != nil && tracing.provider != nil
}

// Tracer returns a named tracer, or a no-op tracer when tracing is off.
func (tracing *Tracing) Tracer(name string) trace.Tracer {
	if !tracing.Enabled() {
		return noop.NewTracerProvider().Tracer(name)
	}
	return tracing.provider.Tracer(name)
}

// Shutdown flushes pending spans.
func (tracing *Tracing) Shutdown(ctx context.Context) error {
	if !tracing.Enabled() {
		return nil
	}
	if err := tracing.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("otel.shutdown: %w", err)
	}
	return nil
}

// HTTPHandler wraps handler with server spans named after the operation.
func HTTPHandler(handler http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(handler, operation)
}
