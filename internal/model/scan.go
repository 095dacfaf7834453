package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ContentType is the media kind of a submission.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
)

// ParseContentType validates s as a ContentType.
func ParseContentType(s string) (ContentType, error) {
	switch ct := ContentType(s); ct {
	case ContentText, ContentImage, ContentAudio, ContentVideo:
		return ct, nil
	default:
		return "", eris.Wrapf(ErrInvalidContentType, "%q (valid: text, image, audio, video)", s)
	}
}

// ScanStatus is the lifecycle state of a scan.
type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanProcessing ScanStatus = "processing"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

// RiskLevel is the discrete tier derived from a trust score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// FailureReason explains why a scan ended failed.
type FailureReason string

const (
	FailureEnsemble     FailureReason = "ensemble_failure"
	FailureCancelled    FailureReason = "cancelled"
	FailureInterrupted  FailureReason = "interrupted"
	FailureInvalidInput FailureReason = "invalid_content"
)

// Scan is the unit of work tracked by the pipeline.
type Scan struct {
	ID            string        `json:"id"`
	ContentType   ContentType   `json:"content_type"`
	Fingerprint   Fingerprint   `json:"fingerprint"`
	ContentSize   int           `json:"content_size"`
	Status        ScanStatus    `json:"status"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	TrustScore    *float64      `json:"trust_score"`
	RiskLevel     *RiskLevel    `json:"risk_level"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// DetectionResult is one detector's opinion about one scan.
type DetectionResult struct {
	DetectorType string  `json:"type"`
	Detected     bool    `json:"detected"`
	Confidence   float64 `json:"confidence"`
	Description  string  `json:"description"`
}

// ExplainStep is one stage of the reasoning behind a verdict.
type ExplainStep struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence"`
}

// ExplainChain is the ordered reasoning plus its conclusion.
type ExplainChain struct {
	Steps      []ExplainStep `json:"steps"`
	Conclusion string        `json:"conclusion"`
}

// Verdict is the frozen output of a completed scan.
type Verdict struct {
	TrustScore   float64           `json:"trust_score"`
	RiskLevel    RiskLevel         `json:"risk_level"`
	Detections   []DetectionResult `json:"detections"`
	ExplainChain ExplainChain      `json:"explain_chain"`
	Reused       bool              `json:"reused_detections,omitempty"`
}

// ScanRecord is what callers read back: the scan, its frozen verdict, and
// the live provenance and consensus attached to the same identity.
type ScanRecord struct {
	Scan
	Detections   []DetectionResult `json:"detections,omitempty"`
	ExplainChain *ExplainChain     `json:"explain_chain,omitempty"`
	Conclusion   string            `json:"conclusion,omitempty"`
	Provenance   []ProvenanceEntry `json:"provenance"`
	Consensus    ConsensusTally    `json:"consensus"`
}

// StoredScan is a scan row together with its verdict, if any.
type StoredScan struct {
	Scan
	Verdict *Verdict `json:"verdict,omitempty"`
}
