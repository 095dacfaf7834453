// Package consensus tracks crowd votes on scan verdicts. Tallies are derived
// from the vote set on every read and are never stored.
package consensus

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verimyst/internal/keylock"
	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/store"
)

// Config controls dispute detection.
type Config struct {
	DisputeMinVotes int
	DisputeRatio    float64
}

// Observer is told about every accepted vote.
type Observer interface {
	VoteCast(verdict string)
}

// Tracker records votes and computes tallies.
type Tracker struct {
	store    store.Store
	cfg      Config
	locks    keylock.Locks
	observer Observer
	now      func() time.Time
}

// NewTracker creates a tracker. observer may be nil.
func NewTracker(st store.Store, cfg Config, observer Observer) *Tracker {
	return &Tracker{store: st, cfg: cfg, observer: observer, now: time.Now}
}

// CastVote records userID's verdict on scanID, replacing any earlier vote by
// the same user, and returns the fresh tally.
func (t *Tracker) CastVote(ctx context.Context, scanID, userID, verdict, comment string) (model.ConsensusTally, error) {
	v, err := model.ParseVoteVerdict(strings.ToLower(strings.TrimSpace(verdict)))
	if err != nil {
		return model.ConsensusTally{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return model.ConsensusTally{}, eris.Wrap(model.ErrInvalidInput, "consensus: user id is required")
	}
	if _, err := t.store.GetScan(ctx, scanID); err != nil {
		return model.ConsensusTally{}, eris.Wrapf(err, "consensus: scan %s", scanID)
	}

	unlock := t.locks.Lock(scanID)
	defer unlock()

	vote := model.ConsensusVote{
		ScanID:    scanID,
		UserID:    userID,
		Verdict:   v,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: t.now().UTC().Truncate(time.Microsecond),
	}
	if err := t.store.UpsertVote(ctx, vote); err != nil {
		return model.ConsensusTally{}, eris.Wrap(err, "consensus: upsert vote")
	}
	if t.observer != nil {
		t.observer.VoteCast(string(v))
	}

	tally, err := t.tally(ctx, scanID)
	if err != nil {
		return model.ConsensusTally{}, err
	}
	zap.L().Debug("vote cast",
		zap.String("scan_id", scanID),
		zap.String("verdict", string(v)),
		zap.Int("total", tally.Total),
		zap.Bool("disputed", tally.Disputed),
	)
	return tally, nil
}

// GetTally returns the current tally for scanID, which must exist.
func (t *Tracker) GetTally(ctx context.Context, scanID string) (model.ConsensusTally, error) {
	if _, err := t.store.GetScan(ctx, scanID); err != nil {
		return model.ConsensusTally{}, eris.Wrapf(err, "consensus: scan %s", scanID)
	}
	return t.tally(ctx, scanID)
}

// TallyFor is GetTally without the existence check. Used when the caller
// already holds the scan.
func (t *Tracker) TallyFor(ctx context.Context, scanID string) (model.ConsensusTally, error) {
	return t.tally(ctx, scanID)
}

func (t *Tracker) tally(ctx context.Context, scanID string) (model.ConsensusTally, error) {
	votes, err := t.store.ListVotes(ctx, scanID)
	if err != nil {
		return model.ConsensusTally{}, eris.Wrap(err, "consensus: list votes")
	}
	return Tally(scanID, votes, t.cfg), nil
}

// Tally counts votes. Percentages are of the total and are zero when there
// are no votes.
func Tally(scanID string, votes []model.ConsensusVote, cfg Config) model.ConsensusTally {
	out := model.ConsensusTally{ScanID: scanID}
	for _, v := range votes {
		switch v.Verdict {
		case model.VoteAgree:
			out.AgreeCount++
		case model.VoteDisagree:
			out.DisagreeCount++
		case model.VoteUnsure:
			out.UnsureCount++
		default:
			continue
		}
		out.Total++
	}
	if out.Total == 0 {
		return out
	}
	total := float64(out.Total)
	out.AgreePercent = percent(out.AgreeCount, total)
	out.DisagreePercent = percent(out.DisagreeCount, total)
	out.UnsurePercent = percent(out.UnsureCount, total)

	minVotes := max(cfg.DisputeMinVotes, 1)
	out.Disputed = cfg.DisputeRatio > 0 &&
		out.Total >= minVotes &&
		float64(out.DisagreeCount)/total >= cfg.DisputeRatio
	return out
}

func percent(n int, total float64) float64 {
	return math.Round(float64(n)/total*10000) / 100
}
