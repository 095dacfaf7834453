package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.ScanSubmitted()
	m.ScanSubmitted()
	m.ScanFinished("completed", "", 120*time.Millisecond)
	m.ScanFinished("failed", "ensemble_failure", time.Second)
	m.DetectorOutcome("bias", "ok")
	m.DetectorOutcome("bias", "timeout")
	m.DetectorOutcome("bias", "timeout")
	m.VoteCast("agree")
	m.SightingRecorded("")

	assert.InDelta(t, 2, testutil.ToFloat64(m.scansSubmitted), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.scansFinished.WithLabelValues("failed", "ensemble_failure")), 0.001)
	assert.InDelta(t, 2, testutil.ToFloat64(m.detectorOutcomes.WithLabelValues("bias", "timeout")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.votesCast.WithLabelValues("agree")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sightings.WithLabelValues("unknown")), 0.001)
	assert.Equal(t, 2, testutil.CollectAndCount(m.scanDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ScanSubmitted()
		m.ScanFinished("completed", "", time.Second)
		m.DetectorOutcome("x", "ok")
		m.VoteCast("agree")
		m.SightingRecorded("x")
	})
	assert.NotNil(t, m.Handler())
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.VoteCast("disagree")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `verimyst_consensus_votes_total{verdict="disagree"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
