// Package telemetry builds the OpenTelemetry tracer provider for the link
// service. Spans go to an OTLP collector when an endpoint is configured and
// to the structured log otherwise.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the tracing settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a host:port or URL of an OTLP gRPC collector. Empty
	// means spans are written to the logger instead.
	OTLPEndpoint string
	// SampleRatio is the fraction of root spans kept, 0 to 1.
	SampleRatio float64
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "link-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
	}
}

// Provider owns the SDK tracer provider and its exporter.
type Provider struct {
	cfg          Config
	tp           *sdktrace.TracerProvider
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option adds SDK options, mostly for tests that need a span recorder.
type Option func(*[]sdktrace.TracerProviderOption)

// WithSpanProcessor registers an extra span processor.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(opts *[]sdktrace.TracerProviderOption) {
		*opts = append(*opts, sdktrace.WithSpanProcessor(sp))
	}
}

// NewProvider builds a tracer provider from cfg. It does not touch the
// global provider; call SetGlobal for that.
func NewProvider(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...Option) (*Provider, error) {
	cfg.applyDefaults()

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}

	if cfg.OTLPEndpoint != "" {
		target, insecure, err := grpcTarget(cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
		if insecure {
			expOpts = append(expOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
		logger.Info().Str("endpoint", target).Msg("exporting traces over OTLP")
	} else {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(NewLogExporter(logger)))
	}

	for _, o := range opts {
		o(&tpOpts)
	}

	return &Provider{cfg: cfg, tp: sdktrace.NewTracerProvider(tpOpts...)}, nil
}

// grpcTarget reduces an endpoint to the host:port the gRPC dialer wants.
// Plain http and bare host:port dial without TLS.
func grpcTarget(endpoint string) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

// TracerProvider returns the provider for instrumentation.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tp
}

// SetGlobal installs the provider and the W3C trace-context propagator as
// the process-wide defaults.
func (p *Provider) SetGlobal() {
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Shutdown flushes pending spans. It is safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.tp.Shutdown(ctx)
	})
	return p.shutdownErr
}

// Resource returns the resource attributes as strings.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}
