package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/balancer/internal/observability/context"
	"github.com/smallbiznis/balancer/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCarriedIdentifiers(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	ctx := obscontext.WithOrgID(context.Background(), "11")
	ctx = obscontext.WithCustomerID(ctx, "42")
	ctx = correlation.ContextWithCorrelationID(ctx, "corr-1")
	ctx = ContextWithTask(ctx, "scheduler.reset")

	WithContext(ctx, zap.New(core)).Info("done")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "11", fields["org_id"])
	assert.Equal(t, "42", fields["customer_id"])
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, "scheduler.reset", fields["task"])
	assert.NotContains(t, fields, "request_id")
	assert.NotContains(t, fields, "trace_id")
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zap.ErrorLevel, requestLevel(503, "service_unavailable"))
	assert.Equal(t, zap.DebugLevel, requestLevel(422, "overage_blocked"))
	assert.Equal(t, zap.DebugLevel, requestLevel(429, "rate_limited"))
	assert.Equal(t, zap.WarnLevel, requestLevel(404, "not_found"))
	assert.Equal(t, zap.InfoLevel, requestLevel(200, ""))
}
