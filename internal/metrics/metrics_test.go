package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Transition("completed")
	m.Transition("completed")
	m.Transition("enabled")
	m.BudgetOverrun(false)
	m.SpecCache(true)
	m.SpecCache(false)
	m.SpecCache(true)
	m.Eviction()
	m.Instance("completed")
	m.QueueDepth(3)
	m.QueueDepth(-1)
	m.TaskDuration("ok", 2*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetOverruns.WithLabelValues("false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.specCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "tokenflow_task_duration_seconds")
	assert.Contains(t, names, "tokenflow_instances_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("enabled")
		m.TaskDuration("ok", time.Second)
		m.BudgetOverrun(true)
		m.Instance("failed")
		m.SpecCache(false)
		m.Eviction()
		m.QueueDepth(1)
	})
}
