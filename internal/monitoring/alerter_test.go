package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verimyst/internal/config"
	"github.com/sells-group/verimyst/internal/model"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{FailureRateThreshold: 0.2, CriticalShareThreshold: 0.5, LookbackWindowHours: 24}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())
	snap := &Snapshot{
		ScansCompleted: 18, ScansFailed: 2, ScansProcessed: 20, ErrorRate: 0.1,
		ByRisk:        map[model.RiskLevel]int{model.RiskLow: 15, model.RiskCritical: 3},
		LookbackHours: 24,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(thresholds())
	snap := &Snapshot{
		ScansCompleted: 6, ScansFailed: 4, ScansProcessed: 10, ErrorRate: 0.4,
		ByRisk:        map[model.RiskLevel]int{model.RiskLow: 6},
		LookbackHours: 24,
	}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertScanFailureRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_SmallSampleIgnored(t *testing.T) {
	a := NewAlerter(thresholds())
	snap := &Snapshot{ScansFailed: 2, ScansProcessed: 2, ErrorRate: 1, ByRisk: map[model.RiskLevel]int{}}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_CriticalSurge(t *testing.T) {
	a := NewAlerter(thresholds())
	snap := &Snapshot{
		ScansCompleted: 10, ScansProcessed: 10,
		ByRisk:        map[model.RiskLevel]int{model.RiskCritical: 8, model.RiskLow: 2},
		LookbackHours: 6,
	}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCriticalSurge, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "8 of 10")
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertScanFailureRate}, {Type: AlertCriticalSurge}})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	assert.Equal(t, 0, NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertScanFailureRate}}))
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	assert.Equal(t, 0, NewAlerter(thresholds()).SendAlerts(context.Background(), []Alert{{Type: AlertScanFailureRate}}))
}

func TestAlerter_Evaluate_OpenCircuits(t *testing.T) {
	a := NewAlerter(thresholds())
	snap := &Snapshot{ByRisk: map[model.RiskLevel]int{}, OpenCircuits: []string{"remote-a"}}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "remote-a")
}

func TestAlerter_SendAlerts_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	assert.Equal(t, 1, NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertScanFailureRate}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	assert.Equal(t, 0, NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertScanFailureRate}}))
	assert.Equal(t, int32(1), calls.Load())
}
