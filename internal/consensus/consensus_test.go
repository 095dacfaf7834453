package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/store"
)

func setup(t *testing.T) (*Tracker, store.Store) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateScan(context.Background(), model.Scan{
		ID:          "scan-1",
		ContentType: model.ContentText,
		Fingerprint: model.NewFingerprint([]byte("hello")),
		Status:      model.ScanPending,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	return NewTracker(st, Config{DisputeMinVotes: 3, DisputeRatio: 0.5}, nil), st
}

func TestCastVote_RevoteReplaces(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	_, err := tr.CastVote(ctx, "scan-1", "alice", "agree", "")
	require.NoError(t, err)
	tally, err := tr.CastVote(ctx, "scan-1", "alice", "disagree", "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, 1, tally.Total)
	assert.Equal(t, 0, tally.AgreeCount)
	assert.Equal(t, 1, tally.DisagreeCount)
	assert.InDelta(t, 100.0, tally.DisagreePercent, 0.001)
}

func TestCastVote_Validation(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	_, err := tr.CastVote(ctx, "scan-1", "alice", "maybe", "")
	assert.ErrorIs(t, err, model.ErrInvalidVerdict)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = tr.CastVote(ctx, "scan-1", " ", "agree", "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = tr.CastVote(ctx, "missing", "alice", "agree", "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = tr.GetTally(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetTally_NoVotes(t *testing.T) {
	tr, _ := setup(t)
	tally, err := tr.GetTally(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConsensusTally{ScanID: "scan-1"}, tally)
}

func TestCastVote_ConcurrentUsers(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdict := []string{"agree", "disagree"}[i%2]
			_, err := tr.CastVote(ctx, "scan-1", fmt.Sprintf("user-%d", i%25), verdict, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	tally, err := tr.GetTally(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 25, tally.Total)
	assert.Equal(t, tally.Total, tally.AgreeCount+tally.DisagreeCount+tally.UnsureCount)
}

func TestTally(t *testing.T) {
	cfg := Config{DisputeMinVotes: 4, DisputeRatio: 0.5}
	votes := func(verdicts ...model.VoteVerdict) []model.ConsensusVote {
		out := make([]model.ConsensusVote, len(verdicts))
		for i, v := range verdicts {
			out[i] = model.ConsensusVote{UserID: fmt.Sprint(i), Verdict: v}
		}
		return out
	}

	tests := []struct {
		name     string
		votes    []model.ConsensusVote
		agree    float64
		disputed bool
	}{
		{name: "empty", votes: nil},
		{name: "thirds", votes: votes(model.VoteAgree, model.VoteDisagree, model.VoteUnsure), agree: 33.33},
		{name: "too few to dispute", votes: votes(model.VoteDisagree, model.VoteDisagree, model.VoteDisagree), agree: 0},
		{name: "disputed at ratio", votes: votes(model.VoteAgree, model.VoteAgree, model.VoteDisagree, model.VoteDisagree), agree: 50, disputed: true},
		{name: "below ratio", votes: votes(model.VoteAgree, model.VoteAgree, model.VoteAgree, model.VoteDisagree), agree: 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tally("s", tt.votes, cfg)
			assert.Equal(t, len(tt.votes), got.Total)
			assert.InDelta(t, tt.agree, got.AgreePercent, 0.001)
			assert.Equal(t, tt.disputed, got.Disputed)
		})
	}
}
