package monitoring

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/store"
)

const collectPageSize = 500

// Snapshot holds a point-in-time summary of scan activity.
type Snapshot struct {
	ScansTotal      int     `json:"scans_total"`
	ScansCompleted  int     `json:"scans_completed"`
	ScansFailed     int     `json:"scans_failed"`
	ScansInFlight   int     `json:"scans_in_flight"`
	ScansProcessed  int     `json:"scans_processed"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	ErrorRate       float64 `json:"error_rate"`
	AvgTrustScore   float64 `json:"avg_trust_score"`

	ByRisk           map[model.RiskLevel]int     `json:"by_risk"`
	FailuresByReason map[model.FailureReason]int `json:"failures_by_reason"`

	// OpenCircuits lists detectors whose breaker is not closed. Filled in by
	// the Checker; Collect leaves it empty.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector summarizes scans from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new snapshot collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect summarizes scans created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		ByRisk: map[model.RiskLevel]int{
			model.RiskLow: 0, model.RiskMedium: 0, model.RiskHigh: 0, model.RiskCritical: 0,
		},
		FailuresByReason: map[model.FailureReason]int{},
		LookbackHours:    lookbackHours,
		CollectedAt:      now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var (
		totalProcessing time.Duration
		timed           int
		totalScore      float64
	)
	for offset := 0; ; offset += collectPageSize {
		page, err := c.store.ListScans(ctx, store.ScanFilter{
			CreatedAfter: cutoff,
			Limit:        collectPageSize,
			Offset:       offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list scans")
		}
		for _, s := range page {
			snap.ScansTotal++
			switch s.Status {
			case model.ScanCompleted:
				snap.ScansCompleted++
				if s.RiskLevel != nil {
					snap.ByRisk[*s.RiskLevel]++
				}
				if s.TrustScore != nil {
					totalScore += *s.TrustScore
				}
			case model.ScanFailed:
				snap.ScansFailed++
				snap.FailuresByReason[s.FailureReason]++
			default:
				snap.ScansInFlight++
			}
			if s.StartedAt != nil && s.CompletedAt != nil {
				totalProcessing += s.CompletedAt.Sub(*s.StartedAt)
				timed++
			}
		}
		if len(page) < collectPageSize {
			break
		}
	}

	snap.ScansProcessed = snap.ScansCompleted + snap.ScansFailed
	if snap.ScansProcessed > 0 {
		snap.ErrorRate = round4(float64(snap.ScansFailed) / float64(snap.ScansProcessed))
	}
	if timed > 0 {
		snap.AvgProcessingMs = round4(float64(totalProcessing.Microseconds()) / 1000 / float64(timed))
	}
	if snap.ScansCompleted > 0 {
		snap.AvgTrustScore = round4(totalScore / float64(snap.ScansCompleted))
	}
	return snap, nil
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
