package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// VoteVerdict is a user's opinion of a scan's result.
type VoteVerdict string

const (
	VoteAgree    VoteVerdict = "agree"
	VoteDisagree VoteVerdict = "disagree"
	VoteUnsure   VoteVerdict = "unsure"
)

// ParseVoteVerdict validates s as a VoteVerdict.
func ParseVoteVerdict(s string) (VoteVerdict, error) {
	switch v := VoteVerdict(s); v {
	case VoteAgree, VoteDisagree, VoteUnsure:
		return v, nil
	default:
		return "", eris.Wrapf(ErrInvalidVerdict, "%q (valid: agree, disagree, unsure)", s)
	}
}

// ConsensusVote is one user's live vote on a scan. At most one exists per
// (ScanID, UserID).
type ConsensusVote struct {
	ScanID    string      `json:"scan_id"`
	UserID    string      `json:"user_id"`
	Verdict   VoteVerdict `json:"verdict"`
	Comment   string      `json:"comment,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ConsensusTally is derived from the current vote set; it is never stored.
type ConsensusTally struct {
	ScanID          string  `json:"scan_id"`
	AgreeCount      int     `json:"agree_count"`
	DisagreeCount   int     `json:"disagree_count"`
	UnsureCount     int     `json:"unsure_count"`
	Total           int     `json:"total"`
	AgreePercent    float64 `json:"agree_percent"`
	DisagreePercent float64 `json:"disagree_percent"`
	UnsurePercent   float64 `json:"unsure_percent"`
	Disputed        bool    `json:"disputed"`
}
