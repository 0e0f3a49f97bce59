package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	options "github.com/kart-io/docchat/pkg/options/tracing"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderInvalid(t *testing.T) {
	opts := options.NewOptions()
	opts.Enabled = true
	opts.ExporterType = "carrier-pigeon"

	_, err := NewProvider(context.Background(), opts)
	assert.Error(t, err)
}

func TestNewProviderNoop(t *testing.T) {
	opts := options.NewOptions()
	opts.Enabled = true
	opts.ExporterType = options.ExporterNoop

	p, err := NewProvider(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, span := Start(context.Background(), "test")
	End(span, nil)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestStdoutExporter(t *testing.T) {
	opts := options.NewOptions()
	opts.ExporterType = options.ExporterStdout

	var buf bytes.Buffer
	exp, err := newExporter(context.Background(), opts, &buf)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("t").Start(context.Background(), "docchat.retrieve")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "docchat.retrieve")
}

func TestEndRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	ctx, span := tp.Tracer(TracerName).Start(context.Background(), "docchat.generate")
	span.SetAttributes(attribute.Int("top_k", 15))
	assert.NotEmpty(t, TraceIDFromContext(ctx))
	End(span, errors.New("upstream failed"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Error", spans[0].Status().Code.String())
	assert.Equal(t, "upstream failed", spans[0].Status().Description)
}

func TestSampler(t *testing.T) {
	opts := options.NewOptions()
	for _, st := range []options.SamplerType{
		options.SamplerAlwaysOn, options.SamplerAlwaysOff, options.SamplerRatio, options.SamplerParentBased,
	} {
		opts.SamplerType = st
		assert.NotNil(t, newSampler(opts), st)
	}
	assert.Empty(t, TraceIDFromContext(context.Background()))
}
