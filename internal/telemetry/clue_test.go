package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
)

func TestTraceFielders_PrependsCorrelationIDWhenPresent(t *testing.T) {
	tc := NewTraceContext().Child("span-1")
	ctx := WithTraceContext(context.Background(), tc)

	got := traceFielders(ctx, []log.Fielder{log.KV{K: "msg", V: "hello"}})

	require.Len(t, got, 3)
	assert.Equal(t, log.KV{K: "correlation_id", V: tc.CorrelationID}, got[0])
	assert.Equal(t, log.KV{K: "msg", V: "hello"}, got[1])
	assert.Equal(t, log.KV{K: "parent_span_id", V: "span-1"}, got[2])
}

func TestTraceFielders_PassesThroughUnchangedWithoutTraceContext(t *testing.T) {
	fielders := []log.Fielder{log.KV{K: "msg", V: "hello"}}
	got := traceFielders(context.Background(), fielders)
	assert.Equal(t, fielders, got)
}

func TestClueTracer_StartAttachesTraceContextAttributesWithoutPanicking(t *testing.T) {
	tracer := NewClueTracer()
	tc := NewTraceContext()
	tc.Attributes["step"] = "implement-specification"
	ctx := WithTraceContext(context.Background(), tc)

	newCtx, span := tracer.Start(ctx, "test-span")
	require.NotNil(t, span)
	require.NotNil(t, newCtx)
	span.End()
}
