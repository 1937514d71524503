package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/ledger"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestService_RecordsSpans(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, ledger.WithTracer(tp.Tracer("test")))
	f.earn(t, "aff-1", "order-1", 100)
	_, err := f.svc.Reserve(ctx, "aff-1", money(500))
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ledger.RecordCommission", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	reserve := spans[1]
	assert.Equal(t, "ledger.Reserve", reserve.Name())
	assert.Equal(t, codes.Error, reserve.Status().Code)
	require.NotEmpty(t, reserve.Events(), "error is recorded on the span")
	assert.Equal(t, "exception", reserve.Events()[0].Name)
}
