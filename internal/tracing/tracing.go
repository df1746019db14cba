// Package tracing wires OpenTelemetry spans around assistant turns.
// Disabled by default; when enabled, spans go to a JSONL file under the
// config directory, stdout, or an OTLP collector.
package tracing

import (
	"context"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "earl"

// Config selects the exporter backend.
type Config struct {
	Enabled bool
	// Exporter is one of none, file, stdout, otlp. Default file.
	Exporter string
	// Root is the state directory; the file exporter writes
	// Root/traces/traces.jsonl.
	Root string
	// OTLPEndpoint defaults to localhost:4317.
	OTLPEndpoint string
}

// Provider owns the tracer provider lifecycle. A disabled provider hands
// out no-op tracers and costs nothing.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider builds a provider from config and installs it globally.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "file", "":
		exporter, err = NewFileExporter(filepath.Join(cfg.Root, "traces", "traces.jsonl"))
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "none":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter: %w", cfg.Exporter, err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Provider{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// Tracer returns the span factory. Always safe to call.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartTurn opens a span covering one assistant turn.
func (p *Provider) StartTurn(ctx context.Context, threadID, channelID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("channel.id", channelID),
		))
}

// EndTurn closes a turn span, recording the outcome and cost.
func EndTurn(span trace.Span, err error, costUSD float64, outputTokens int) {
	if costUSD > 0 {
		span.SetAttributes(attribute.Float64("turn.cost_usd", costUSD))
	}
	if outputTokens > 0 {
		span.SetAttributes(attribute.Int("turn.output_tokens", outputTokens))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}
