package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubebroker/internal/metrics"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.JobsSubmitted.WithLabelValues("mp4").Inc()
	m.QueueDepth.Set(3)

	n, err := testutil.GatherAndCount(reg, "tubebroker_jobs_submitted_total", "tubebroker_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.QueueDepth), 0)

	assert.Panics(t, func() { metrics.New(reg) }, "instruments register once per registry")
}

func TestNoop_IsIndependent(t *testing.T) {
	t.Parallel()

	a, b := metrics.Noop(), metrics.Noop()
	a.ArtifactsReaped.Inc()
	assert.Zero(t, testutil.ToFloat64(b.ArtifactsReaped))
}
