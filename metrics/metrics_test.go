package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTurn("hybrid", "rows")
	m.ObserveTurn("hybrid", "rows")
	m.ObserveTurn("structured", "empty")
	m.TurnDiscarded()
	m.SetActiveSessions(3)
	m.ObserveStage("route", 120*time.Millisecond)
	m.ObserveAttempts(2)
	m.ObserveSimilarity(0.93)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues("hybrid", "rows")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("structured", "empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discardedTurns))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTurn("hybrid", "rows")
		m.ObserveStage("route", time.Second)
		m.ObserveAttempts(1)
		m.ObserveSimilarity(1)
		m.TurnDiscarded()
		m.SetActiveSessions(1)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
