package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	before := testutil.ToFloat64(rateLimitDecisionsTotal.WithLabelValues("auth", "blocked"))
	IncRateLimitDecision("auth", "blocked")
	assert.InDelta(t, before+1, testutil.ToFloat64(rateLimitDecisionsTotal.WithLabelValues("auth", "blocked")), 0.001)

	IncIPBlock()
	IncStoreFailure("ratelimit")
	ObserveStage("admit", time.Now())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["bookguard_ratelimit_decisions_total"])
	assert.True(t, names["bookguard_ip_blocks_total"])
	assert.True(t, names["bookguard_pipeline_stage_seconds"])
}
