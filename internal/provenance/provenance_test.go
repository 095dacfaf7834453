package provenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/store"
)

type countingObserver struct {
	mu    sync.Mutex
	count int
}

func (o *countingObserver) SightingRecorded(string) {
	o.mu.Lock()
	o.count++
	o.mu.Unlock()
}

var (
	fp    = model.NewFingerprint([]byte("viral post"))
	early = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	late  = time.Date(2026, 5, 3, 20, 0, 0, 0, time.UTC)
)

func TestRecordSighting_TwiceMerges(t *testing.T) {
	obs := &countingObserver{}
	tr := NewTracker(store.NewMemory(), obs)
	ctx := context.Background()

	_, err := tr.RecordSighting(ctx, model.Sighting{Fingerprint: fp, SourceURL: "https://news.example/a", Platform: "Twitter", Timestamp: late})
	require.NoError(t, err)
	e, err := tr.RecordSighting(ctx, model.Sighting{Fingerprint: fp, SourceURL: "https://news.example/a", Platform: "facebook", Timestamp: early})
	require.NoError(t, err)

	assert.Equal(t, 2, e.SpreadCount)
	assert.Equal(t, early, e.FirstSeen)
	assert.Equal(t, late, e.LastSeen)
	assert.Equal(t, []string{"facebook", "twitter"}, e.Platforms)
	assert.Equal(t, 2, obs.count)

	list, err := tr.GetProvenance(ctx, fp)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, *e, list[0])
}

func TestGetProvenance_UnknownIsEmpty(t *testing.T) {
	tr := NewTracker(store.NewMemory(), nil)
	list, err := tr.GetProvenance(context.Background(), model.NewFingerprint([]byte("never seen")))
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestRecordSighting_Validation(t *testing.T) {
	tr := NewTracker(store.NewMemory(), nil)
	ctx := context.Background()

	_, err := tr.RecordSighting(ctx, model.Sighting{Fingerprint: "md5:abc", SourceURL: "https://a"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = tr.RecordSighting(ctx, model.Sighting{Fingerprint: fp, SourceURL: "not a url"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = tr.GetProvenance(ctx, "bogus")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestRecordSighting_ZeroTimestampIsNow(t *testing.T) {
	tr := NewTracker(store.NewMemory(), nil)
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	e, err := tr.RecordSighting(context.Background(), model.Sighting{Fingerprint: fp, SourceURL: "https://a.example"})
	require.NoError(t, err)
	assert.Equal(t, fixed, e.FirstSeen)
	assert.Equal(t, []string{}, e.Platforms)
}

func TestRecordSighting_ConcurrentSameKey(t *testing.T) {
	tr := NewTracker(store.NewMemory(), nil)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			platform := []string{"x", "reddit", "tiktok"}[i%3]
			_, err := tr.RecordSighting(ctx, model.Sighting{
				Fingerprint: fp, SourceURL: "https://same.example",
				Platform: platform, Timestamp: early.Add(time.Duration(i) * time.Minute),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list, err := tr.GetProvenance(ctx, fp)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, n, list[0].SpreadCount)
	assert.Equal(t, early, list[0].FirstSeen)
	assert.Equal(t, early.Add((n-1)*time.Minute), list[0].LastSeen)
	assert.Equal(t, []string{"reddit", "tiktok", "x"}, list[0].Platforms)
}

func TestMerge_NeverShrinks(t *testing.T) {
	e := Merge(nil, "x", late)
	e = Merge(&e, "", early)
	assert.Equal(t, 2, e.SpreadCount)
	assert.Equal(t, []string{"x"}, e.Platforms)
	assert.Equal(t, early, e.FirstSeen)
	assert.Equal(t, late, e.LastSeen)
}
