// Package provenance records where fingerprinted content has been seen.
// Entries only ever grow: no deletions and no influence on the trust score.
package provenance

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verimyst/internal/keylock"
	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/store"
)

// Observer is told about every recorded sighting.
type Observer interface {
	SightingRecorded(platform string)
}

// Tracker records sightings and reads provenance history.
type Tracker struct {
	store    store.Store
	locks    keylock.Locks
	observer Observer
	now      func() time.Time
}

// NewTracker creates a tracker backed by st. observer may be nil.
func NewTracker(st store.Store, observer Observer) *Tracker {
	return &Tracker{store: st, observer: observer, now: time.Now}
}

// RecordSighting merges one observation into the (fingerprint, source) entry.
// A zero timestamp means now.
func (t *Tracker) RecordSighting(ctx context.Context, s model.Sighting) (*model.ProvenanceEntry, error) {
	if !s.Fingerprint.Valid() {
		return nil, eris.Wrapf(model.ErrInvalidInput, "provenance: malformed fingerprint %q", s.Fingerprint)
	}
	sourceURL := strings.TrimSpace(s.SourceURL)
	if u, err := url.Parse(sourceURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, eris.Wrapf(model.ErrInvalidInput, "provenance: source url %q must be absolute", s.SourceURL)
	}
	platform := strings.ToLower(strings.TrimSpace(s.Platform))
	ts := s.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	ts = ts.UTC().Truncate(time.Microsecond)

	// The store merge is atomic on its own; the lock keeps concurrent
	// callers in this process from contending inside the database.
	unlock := t.locks.Lock(string(s.Fingerprint) + "\x00" + sourceURL)
	defer unlock()

	entry, err := t.store.MergeProvenance(ctx, s.Fingerprint, sourceURL, func(existing *model.ProvenanceEntry) model.ProvenanceEntry {
		return Merge(existing, platform, ts)
	})
	if err != nil {
		return nil, eris.Wrap(err, "provenance: record sighting")
	}
	if t.observer != nil {
		t.observer.SightingRecorded(platform)
	}
	zap.L().Debug("sighting recorded",
		zap.String("fingerprint", s.Fingerprint.String()),
		zap.String("source_url", sourceURL),
		zap.Int("spread_count", entry.SpreadCount),
	)
	return entry, nil
}

// GetProvenance returns every entry for fp, oldest first. Unknown
// fingerprints yield an empty list.
func (t *Tracker) GetProvenance(ctx context.Context, fp model.Fingerprint) ([]model.ProvenanceEntry, error) {
	if !fp.Valid() {
		return nil, eris.Wrapf(model.ErrInvalidInput, "provenance: malformed fingerprint %q", fp)
	}
	entries, err := t.store.ListProvenance(ctx, fp)
	if err != nil {
		return nil, eris.Wrap(err, "provenance: list")
	}
	if entries == nil {
		entries = []model.ProvenanceEntry{}
	}
	return entries, nil
}

// Merge applies one sighting to an entry. A nil entry starts a new one with
// a spread count of 1; otherwise the time window widens, the count grows by
// one and the platform joins the set.
func Merge(existing *model.ProvenanceEntry, platform string, ts time.Time) model.ProvenanceEntry {
	if existing == nil {
		next := model.ProvenanceEntry{FirstSeen: ts, LastSeen: ts, SpreadCount: 1, Platforms: []string{}}
		if platform != "" {
			next.Platforms = []string{platform}
		}
		return next
	}

	next := *existing
	if ts.Before(next.FirstSeen) {
		next.FirstSeen = ts
	}
	if ts.After(next.LastSeen) {
		next.LastSeen = ts
	}
	next.SpreadCount++
	next.Platforms = addPlatform(existing.Platforms, platform)
	return next
}

func addPlatform(platforms []string, p string) []string {
	out := make([]string, 0, len(platforms)+1)
	seen := make(map[string]bool, len(platforms)+1)
	for _, x := range platforms {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	if p != "" && !seen[p] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
