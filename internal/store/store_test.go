package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verimyst/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)

func newScan(id string, content string, created time.Time) model.Scan {
	return model.Scan{
		ID:          id,
		ContentType: model.ContentText,
		Fingerprint: model.NewFingerprint([]byte(content)),
		ContentSize: len(content),
		Status:      model.ScanPending,
		CreatedAt:   created,
	}
}

func sampleVerdict() model.Verdict {
	return model.Verdict{
		TrustScore: 0.52,
		RiskLevel:  model.RiskMedium,
		Detections: []model.DetectionResult{
			{DetectorType: "Misinformation", Detected: true, Confidence: 0.8, Description: "claims"},
		},
		ExplainChain: model.ExplainChain{
			Steps:      []model.ExplainStep{{Title: "Claim Verification", Confidence: 0.8, Evidence: []string{"e1"}}},
			Conclusion: "Trust score 52% (medium risk).",
		},
	}
}

type storeFactory func(t *testing.T) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "verimyst.db"))
			require.NoError(t, err)
			require.NoError(t, s.Migrate(context.Background()))
			t.Cleanup(func() { s.Close() }) //nolint:errcheck
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, f := range factories() {
		t.Run(name, func(t *testing.T) { fn(t, f(t)) })
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		scan := newScan("s1", "hello", t0)
		require.NoError(t, s.CreateScan(ctx, scan))

		got, err := s.GetScan(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, scan, got.Scan)
		assert.Nil(t, got.Verdict)

		assert.ErrorIs(t, s.CreateScan(ctx, scan), model.ErrDuplicateScan)

		_, err = s.GetScan(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestStore_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateScan(ctx, newScan("s1", "hello", t0)))

		started := t0.Add(time.Second)
		require.NoError(t, s.MarkProcessing(ctx, "s1", started))
		require.NoError(t, s.MarkProcessing(ctx, "s1", started), "processing -> processing is a no-op")

		done := t0.Add(2 * time.Second)
		v := sampleVerdict()
		require.NoError(t, s.CompleteScan(ctx, "s1", v, done))

		got, err := s.GetScan(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.ScanCompleted, got.Status)
		require.NotNil(t, got.TrustScore)
		assert.InDelta(t, 0.52, *got.TrustScore, 1e-12)
		assert.Equal(t, model.RiskMedium, *got.RiskLevel)
		assert.Equal(t, started, *got.StartedAt)
		assert.Equal(t, done, *got.CompletedAt)
		require.NotNil(t, got.Verdict)
		assert.Equal(t, v, *got.Verdict)

		// Frozen.
		assert.ErrorIs(t, s.CompleteScan(ctx, "s1", v, done), model.ErrScanFrozen)
		assert.ErrorIs(t, s.FailScan(ctx, "s1", model.FailureCancelled, done), model.ErrScanFrozen)
		assert.ErrorIs(t, s.MarkProcessing(ctx, "s1", done), model.ErrScanFrozen)

		assert.ErrorIs(t, s.FailScan(ctx, "nope", model.FailureCancelled, done), model.ErrNotFound)
		assert.ErrorIs(t, s.MarkProcessing(ctx, "nope", done), model.ErrNotFound)
	})
}

func TestStore_FailScan(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateScan(ctx, newScan("s1", "x", t0)))
		require.NoError(t, s.FailScan(ctx, "s1", model.FailureEnsemble, t0.Add(time.Second)))

		got, err := s.GetScan(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.ScanFailed, got.Status)
		assert.Equal(t, model.FailureEnsemble, got.FailureReason)
		assert.Nil(t, got.TrustScore)
		assert.Nil(t, got.RiskLevel)
		assert.Nil(t, got.Verdict)
	})
}

func TestStore_ListScans(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.CreateScan(ctx, newScan(fmt.Sprintf("s%d", i), fmt.Sprintf("c%d", i%2), t0.Add(time.Duration(i)*time.Minute))))
		}
		require.NoError(t, s.FailScan(ctx, "s1", model.FailureEnsemble, t0))

		all, err := s.ListScans(ctx, ScanFilter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "s4", all[0].ID, "newest first")

		failed, err := s.ListScans(ctx, ScanFilter{Status: model.ScanFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "s1", failed[0].ID)

		byFP, err := s.ListScans(ctx, ScanFilter{Fingerprint: model.NewFingerprint([]byte("c0"))})
		require.NoError(t, err)
		assert.Len(t, byFP, 3)

		recent, err := s.ListScans(ctx, ScanFilter{CreatedAfter: t0.Add(2 * time.Minute)})
		require.NoError(t, err)
		assert.Len(t, recent, 2)

		page, err := s.ListScans(ctx, ScanFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "s3", page[0].ID)
	})
}

func TestStore_FindCompletedByFingerprint(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fp := model.NewFingerprint([]byte("same"))

		got, err := s.FindCompletedByFingerprint(ctx, fp)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, s.CreateScan(ctx, newScan("old", "same", t0)))
		require.NoError(t, s.CompleteScan(ctx, "old", sampleVerdict(), t0.Add(time.Second)))
		require.NoError(t, s.CreateScan(ctx, newScan("pending", "same", t0.Add(time.Minute))))

		got, err = s.FindCompletedByFingerprint(ctx, fp)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "old", got.ID)
		require.NotNil(t, got.Verdict)
		assert.Len(t, got.Verdict.Detections, 1)
	})
}

func bump(platform string, ts time.Time) MergeFunc {
	return func(e *model.ProvenanceEntry) model.ProvenanceEntry {
		if e == nil {
			return model.ProvenanceEntry{FirstSeen: ts, LastSeen: ts, SpreadCount: 1, Platforms: []string{platform}}
		}
		next := *e
		next.SpreadCount++
		if ts.After(next.LastSeen) {
			next.LastSeen = ts
		}
		if ts.Before(next.FirstSeen) {
			next.FirstSeen = ts
		}
		next.Platforms = append(next.Platforms, platform)
		return next
	}
}

func TestStore_Provenance(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fp := model.NewFingerprint([]byte("viral"))

		empty, err := s.ListProvenance(ctx, fp)
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		_, err = s.MergeProvenance(ctx, fp, "https://a.example/post", bump("x", t0.Add(time.Hour)))
		require.NoError(t, err)
		e, err := s.MergeProvenance(ctx, fp, "https://a.example/post", bump("reddit", t0))
		require.NoError(t, err)
		assert.Equal(t, 2, e.SpreadCount)

		_, err = s.MergeProvenance(ctx, fp, "https://b.example", bump("x", t0.Add(2*time.Hour)))
		require.NoError(t, err)

		list, err := s.ListProvenance(ctx, fp)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "https://a.example/post", list[0].SourceURL)
		assert.Equal(t, t0, list[0].FirstSeen)
		assert.Equal(t, t0.Add(time.Hour), list[0].LastSeen)
		assert.Equal(t, []string{"x", "reddit"}, list[0].Platforms)
		assert.Equal(t, fp, list[1].Fingerprint)
	})
}

func TestStore_ConcurrentMerge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fp := model.NewFingerprint([]byte("race"))
		inc := func(e *model.ProvenanceEntry) model.ProvenanceEntry {
			if e == nil {
				return model.ProvenanceEntry{FirstSeen: t0, LastSeen: t0, SpreadCount: 1, Platforms: []string{}}
			}
			next := *e
			next.SpreadCount++
			return next
		}

		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.MergeProvenance(ctx, fp, "https://same", inc)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		list, err := s.ListProvenance(ctx, fp)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 40, list[0].SpreadCount)
	})
}

func TestStore_Votes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateScan(ctx, newScan("s1", "x", t0)))

		require.NoError(t, s.UpsertVote(ctx, model.ConsensusVote{ScanID: "s1", UserID: "u1", Verdict: model.VoteAgree, CreatedAt: t0}))
		require.NoError(t, s.UpsertVote(ctx, model.ConsensusVote{ScanID: "s1", UserID: "u2", Verdict: model.VoteUnsure, CreatedAt: t0.Add(time.Second)}))
		require.NoError(t, s.UpsertVote(ctx, model.ConsensusVote{ScanID: "s1", UserID: "u1", Verdict: model.VoteDisagree, Comment: "changed my mind", CreatedAt: t0.Add(2 * time.Second)}))

		votes, err := s.ListVotes(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, votes, 2)
		assert.Equal(t, "u2", votes[0].UserID)
		assert.Equal(t, model.VoteDisagree, votes[1].Verdict)
		assert.Equal(t, "changed my mind", votes[1].Comment)

		none, err := s.ListVotes(ctx, "other")
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateScan(ctx, newScan("s1", "x", t0)))
	require.NoError(t, s.CompleteScan(ctx, "s1", sampleVerdict(), t0))

	a, err := s.GetScan(ctx, "s1")
	require.NoError(t, err)
	a.Verdict.Detections[0].Confidence = 0
	*a.TrustScore = 0

	b, err := s.GetScan(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, b.Verdict.Detections[0].Confidence, 1e-12)
	assert.InDelta(t, 0.52, *b.TrustScore, 1e-12)
}
