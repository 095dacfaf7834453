package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verimyst/internal/model"
)

type provKey struct {
	fp  model.Fingerprint
	url string
}

type voteKey struct {
	scanID string
	userID string
}

// MemoryStore implements Store in process memory. Data is lost on exit.
type MemoryStore struct {
	mu         sync.RWMutex
	scans      map[string]*model.StoredScan
	provenance map[provKey]model.ProvenanceEntry
	votes      map[voteKey]model.ConsensusVote
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		scans:      make(map[string]*model.StoredScan),
		provenance: make(map[provKey]model.ProvenanceEntry),
		votes:      make(map[voteKey]model.ConsensusVote),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) CreateScan(_ context.Context, scan model.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[scan.ID]; ok {
		return eris.Wrapf(model.ErrDuplicateScan, "scan %s", scan.ID)
	}
	s.scans[scan.ID] = &model.StoredScan{Scan: cloneScan(scan)}
	return nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, scanID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scans[scanID]
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "scan %s", scanID)
	}
	switch {
	case st.Status.Terminal():
		return eris.Wrapf(model.ErrScanFrozen, "scan %s is %s", scanID, st.Status)
	case st.Status == model.ScanProcessing:
		return nil
	}
	st.Status = model.ScanProcessing
	st.StartedAt = &startedAt
	return nil
}

func (s *MemoryStore) CompleteScan(_ context.Context, scanID string, v model.Verdict, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.mutable(scanID)
	if err != nil {
		return err
	}
	score, risk := v.TrustScore, v.RiskLevel
	st.Status = model.ScanCompleted
	st.TrustScore = &score
	st.RiskLevel = &risk
	st.CompletedAt = &completedAt
	st.Verdict = cloneVerdict(&v)
	return nil
}

func (s *MemoryStore) FailScan(_ context.Context, scanID string, reason model.FailureReason, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.mutable(scanID)
	if err != nil {
		return err
	}
	st.Status = model.ScanFailed
	st.FailureReason = reason
	st.CompletedAt = &completedAt
	return nil
}

func (s *MemoryStore) mutable(scanID string) (*model.StoredScan, error) {
	st, ok := s.scans[scanID]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "scan %s", scanID)
	}
	if st.Status.Terminal() {
		return nil, eris.Wrapf(model.ErrScanFrozen, "scan %s is %s", scanID, st.Status)
	}
	return st, nil
}

func (s *MemoryStore) GetScan(_ context.Context, scanID string) (*model.StoredScan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.scans[scanID]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "scan %s", scanID)
	}
	return &model.StoredScan{Scan: cloneScan(st.Scan), Verdict: cloneVerdict(st.Verdict)}, nil
}

func (s *MemoryStore) ListScans(_ context.Context, f ScanFilter) ([]model.Scan, error) {
	s.mu.RLock()
	var out []model.Scan
	for _, st := range s.scans {
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		if f.Fingerprint != "" && st.Fingerprint != f.Fingerprint {
			continue
		}
		if !f.CreatedAfter.IsZero() && !st.CreatedAt.After(f.CreatedAfter) {
			continue
		}
		out = append(out, cloneScan(st.Scan))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if limit := limitOrDefault(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindCompletedByFingerprint(_ context.Context, fp model.Fingerprint) (*model.StoredScan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.StoredScan
	for _, st := range s.scans {
		if st.Fingerprint != fp || st.Status != model.ScanCompleted {
			continue
		}
		if best == nil || st.CompletedAt.After(*best.CompletedAt) {
			best = st
		}
	}
	if best == nil {
		return nil, nil
	}
	return &model.StoredScan{Scan: cloneScan(best.Scan), Verdict: cloneVerdict(best.Verdict)}, nil
}

func (s *MemoryStore) MergeProvenance(_ context.Context, fp model.Fingerprint, sourceURL string, fn MergeFunc) (*model.ProvenanceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provKey{fp: fp, url: sourceURL}
	var existing *model.ProvenanceEntry
	if e, ok := s.provenance[key]; ok {
		e.Platforms = slices.Clone(e.Platforms)
		existing = &e
	}
	next := fn(existing)
	next.Fingerprint, next.SourceURL = fp, sourceURL
	next.Platforms = slices.Clone(next.Platforms)
	s.provenance[key] = next
	return &next, nil
}

func (s *MemoryStore) ListProvenance(_ context.Context, fp model.Fingerprint) ([]model.ProvenanceEntry, error) {
	s.mu.RLock()
	out := []model.ProvenanceEntry{}
	for k, e := range s.provenance {
		if k.fp == fp {
			e.Platforms = slices.Clone(e.Platforms)
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sortProvenance(out)
	return out, nil
}

func (s *MemoryStore) UpsertVote(_ context.Context, v model.ConsensusVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[voteKey{scanID: v.ScanID, userID: v.UserID}] = v
	return nil
}

func (s *MemoryStore) ListVotes(_ context.Context, scanID string) ([]model.ConsensusVote, error) {
	s.mu.RLock()
	out := []model.ConsensusVote{}
	for k, v := range s.votes {
		if k.scanID == scanID {
			out = append(out, v)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func sortProvenance(es []model.ProvenanceEntry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].FirstSeen.Equal(es[j].FirstSeen) {
			return es[i].FirstSeen.Before(es[j].FirstSeen)
		}
		return es[i].SourceURL < es[j].SourceURL
	})
}

func cloneScan(s model.Scan) model.Scan {
	if s.TrustScore != nil {
		v := *s.TrustScore
		s.TrustScore = &v
	}
	if s.RiskLevel != nil {
		v := *s.RiskLevel
		s.RiskLevel = &v
	}
	if s.StartedAt != nil {
		v := *s.StartedAt
		s.StartedAt = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		s.CompletedAt = &v
	}
	return s
}

func cloneVerdict(v *model.Verdict) *model.Verdict {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Detections = slices.Clone(v.Detections)
	cp.ExplainChain.Steps = slices.Clone(v.ExplainChain.Steps)
	for i := range cp.ExplainChain.Steps {
		cp.ExplainChain.Steps[i].Evidence = slices.Clone(cp.ExplainChain.Steps[i].Evidence)
	}
	return &cp
}
