package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verimyst/internal/config"
	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertScanFailureRate AlertType = "scan_failure_rate"
	AlertCriticalSurge   AlertType = "critical_risk_surge"
	AlertCircuitOpen     AlertType = "detector_circuit_open"
)

// minAlertSample is the number of finished scans needed before rates are
// considered meaningful.
const minAlertSample = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and posts
// breaches to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryPolicy
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.RetryFromSettings(3, 250, 2000),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.FailureRateThreshold > 0 && snap.ScansProcessed >= minAlertSample && snap.ErrorRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertScanFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Scan failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed in last %dh)",
				snap.ErrorRate*100, a.cfg.FailureRateThreshold*100,
				snap.ScansFailed, snap.ScansProcessed, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.ErrorRate,
				"threshold":  a.cfg.FailureRateThreshold,
				"failed":     snap.ScansFailed,
				"processed":  snap.ScansProcessed,
				"by_reason":  snap.FailuresByReason,
			},
			Timestamp: now,
		})
	}

	critical := snap.ByRisk[model.RiskCritical]
	if a.cfg.CriticalShareThreshold > 0 && snap.ScansCompleted >= minAlertSample {
		share := float64(critical) / float64(snap.ScansCompleted)
		if share > a.cfg.CriticalShareThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertCriticalSurge,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%d of %d completed scans rated critical in last %dh (%.1f%%)",
					critical, snap.ScansCompleted, snap.LookbackHours, share*100,
				),
				Details: map[string]any{
					"critical":  critical,
					"completed": snap.ScansCompleted,
					"threshold": a.cfg.CriticalShareThreshold,
				},
				Timestamp: now,
			})
		}
	}

	if len(snap.OpenCircuits) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "high",
			Message: fmt.Sprintf("%d detector circuit(s) not closed: %s",
				len(snap.OpenCircuits), strings.Join(snap.OpenCircuits, ", ")),
			Details: map[string]any{
				"detectors": snap.OpenCircuits,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	_, err = resilience.Retry(ctx, a.retry, "alert webhook", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.post(ctx, payload)
	})
	return err
}

// post delivers one payload. 429 and 5xx responses are retryable.
func (a *Alerter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
