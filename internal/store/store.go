// Package store persists scans, provenance and consensus votes.
package store

import (
	"context"
	"time"

	"github.com/sells-group/verimyst/internal/model"
)

// DefaultListLimit caps ListScans when no limit is given.
const DefaultListLimit = 100

// ScanFilter specifies criteria for listing scans.
type ScanFilter struct {
	Status       model.ScanStatus  `json:"status,omitempty"`
	Fingerprint  model.Fingerprint `json:"fingerprint,omitempty"`
	CreatedAfter time.Time         `json:"created_after,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// MergeFunc computes the next provenance entry from the current one, which
// is nil when the (fingerprint, source) pair has never been seen.
type MergeFunc func(existing *model.ProvenanceEntry) model.ProvenanceEntry

// Store defines the persistence interface for the trust pipeline.
//
// Scan rows are append-once: after CompleteScan or FailScan the row never
// changes again and further transitions fail with model.ErrScanFrozen.
type Store interface {
	// Scans
	CreateScan(ctx context.Context, scan model.Scan) error
	MarkProcessing(ctx context.Context, scanID string, startedAt time.Time) error
	CompleteScan(ctx context.Context, scanID string, verdict model.Verdict, completedAt time.Time) error
	FailScan(ctx context.Context, scanID string, reason model.FailureReason, completedAt time.Time) error
	GetScan(ctx context.Context, scanID string) (*model.StoredScan, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]model.Scan, error)
	FindCompletedByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.StoredScan, error)

	// Provenance. MergeProvenance runs fn and writes its result atomically
	// with respect to other merges of the same key.
	MergeProvenance(ctx context.Context, fp model.Fingerprint, sourceURL string, fn MergeFunc) (*model.ProvenanceEntry, error)
	ListProvenance(ctx context.Context, fp model.Fingerprint) ([]model.ProvenanceEntry, error)

	// Consensus
	UpsertVote(ctx context.Context, vote model.ConsensusVote) error
	ListVotes(ctx context.Context, scanID string) ([]model.ConsensusVote, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}
