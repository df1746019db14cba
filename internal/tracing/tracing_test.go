package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartTurn(context.Background(), "thread-1", "channel-1")
	assert.False(t, span.SpanContext().IsValid(), "noop spans carry no ids")
	EndTurn(span, nil, 0.02, 120)

	assert.NotNil(t, ctx)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "traces.jsonl")
	exporter, err := NewFileExporter(path)
	require.NoError(t, err)

	stub := tracetest.SpanStub{
		Name:      "turn",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(250 * time.Millisecond),
		Attributes: []attribute.KeyValue{
			attribute.String("thread.id", "thread-1"),
		},
	}
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	require.True(t, scanner.Scan(), "one span line written")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, "turn", rec["name"])
	assert.InDelta(t, 250.0, rec["duration_ms"], 1.0)
	attrs, ok := rec["attributes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "thread-1", attrs["thread.id"])
}

func TestFileExporterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"name\":\"earlier\"}\n"), 0600))

	exporter, err := NewFileExporter(path)
	require.NoError(t, err)
	stub := tracetest.SpanStub{Name: "later", StartTime: time.Now(), EndTime: time.Now()}
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "earlier")
	assert.Contains(t, string(data), "later")
}

func TestUnknownExporterRejected(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestEndTurnRecordsError(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.StartTurn(context.Background(), "thread-1", "channel-1")
	EndTurn(span, errors.New("process exited"), 0, 0)
}
