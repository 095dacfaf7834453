package model

import "time"

// ProvenanceEntry is one observed source of fingerprinted content.
// Entries are keyed by (Fingerprint, SourceURL) and only ever grow.
type ProvenanceEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	SourceURL   string      `json:"source_url"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
	SpreadCount int         `json:"spread_count"`
	Platforms   []string    `json:"platforms"`
}

// Sighting is a single observation fed to the provenance tracker.
type Sighting struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	SourceURL   string      `json:"source_url"`
	Platform    string      `json:"platform"`
	Timestamp   time.Time   `json:"timestamp"`
}
