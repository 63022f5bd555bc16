package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	recorder := tracetest.NewSpanRecorder()
	return recorder, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
}

func TestTraceID(t *testing.T) {
	_, provider := newRecorder()
	ctx, span := provider.Tracer(TracerName).Start(context.Background(), "op")
	defer span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
		events   int
	}{
		{"success", nil, codes.Unset, 0},
		{"failure", errors.New("location unavailable"), codes.Error, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, provider := newRecorder()
			_, span := provider.Tracer(TracerName).Start(context.Background(), "geofence.current_location")

			EndSpan(span, tt.err)

			ended := recorder.Ended()
			require.Len(t, ended, 1)
			assert.Equal(t, tt.wantCode, ended[0].Status().Code)
			assert.Len(t, ended[0].Events(), tt.events)
		})
	}
}

func TestSessionAttributes(t *testing.T) {
	attrs := SessionAttributes("session-1", 500)
	require.Len(t, attrs, 2)
	assert.Equal(t, "geofence.session_id", string(attrs[0].Key))
	assert.Equal(t, "session-1", attrs[0].Value.AsString())
	assert.Equal(t, 500.0, attrs[1].Value.AsFloat64())
}
