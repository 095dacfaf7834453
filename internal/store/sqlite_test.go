package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verimyst/internal/model"
)

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Ping(ctx))
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	st, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	scan := newScan("durable-1", "persisted content", t0)
	require.NoError(t, st.CreateScan(ctx, scan))
	require.NoError(t, st.MarkProcessing(ctx, scan.ID, t0))
	require.NoError(t, st.CompleteScan(ctx, scan.ID, sampleVerdict(), t0))
	_, err = st.MergeProvenance(ctx, scan.Fingerprint, "https://example.com/a", bump("twitter", t0))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = NewSQLite(path)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	got, err := st.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanCompleted, got.Status)
	require.NotNil(t, got.Verdict)
	assert.Equal(t, sampleVerdict().ExplainChain.Conclusion, got.Verdict.ExplainChain.Conclusion)
	assert.Len(t, got.Verdict.Detections, 1)
	assert.True(t, got.CreatedAt.Equal(t0))

	entries, err := st.ListProvenance(ctx, scan.Fingerprint)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"twitter"}, entries[0].Platforms)
}

func TestSQLite_ListVotesEmpty(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "fk.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	votes, err := st.ListVotes(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, votes)
}
