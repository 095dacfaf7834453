package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/resilience"
	"github.com/sells-group/verimyst/pkg/anthropic"
)

const (
	NameClaimCheck = "claim_check"
	TypeClaimCheck = "Claim Check"

	claimCheckMaxRunes = 8000
)

const claimCheckSystem = `You are a fact-checking assistant. Read the user's text and decide whether it makes factual claims that are false or misleading.
Respond with JSON only, no prose, in this exact shape:
{"misleading": true|false, "confidence": 0.0-1.0, "claims": ["short quote of each problematic claim"], "summary": "one sentence"}`

type claimVerdict struct {
	Misleading bool     `json:"misleading"`
	Confidence float64  `json:"confidence"`
	Claims     []string `json:"claims"`
	Summary    string   `json:"summary"`
}

// ClaimCheckDetector asks an LLM to judge the factual claims in text.
type ClaimCheckDetector struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     resilience.RetryPolicy
}

// NewClaimCheckDetector creates a claim checker using the given client.
func NewClaimCheckDetector(client anthropic.Client, model string, maxTokens int64, retry resilience.RetryPolicy) *ClaimCheckDetector {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &ClaimCheckDetector{client: client, model: model, maxTokens: maxTokens, retry: retry}
}

func (d *ClaimCheckDetector) Name() string { return NameClaimCheck }
func (d *ClaimCheckDetector) Type() string { return TypeClaimCheck }

func (d *ClaimCheckDetector) Evaluate(ctx context.Context, c Content) (*model.DetectionResult, error) {
	if c.Type != model.ContentText {
		return nil, notApplicable(d, c.Type)
	}

	text := string(c.Data)
	if r := []rune(text); len(r) > claimCheckMaxRunes {
		text = string(r[:claimCheckMaxRunes])
	}
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       d.model,
		MaxTokens:   d.maxTokens,
		System:      claimCheckSystem,
		Messages:    []anthropic.Message{{Role: "user", Content: text}},
		Temperature: &temp,
	}

	resp, err := resilience.Retry(ctx, d.retry, NameClaimCheck, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := d.client.CreateMessage(ctx, req)
		var apiErr *anthropic.APIError
		if err != nil && errors.As(err, &apiErr) && resilience.IsTransientStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return resp, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "detector: claim check")
	}
	resp.Usage.Log(d.model, NameClaimCheck)

	v, err := parseClaimVerdict(resp.Text())
	if err != nil {
		return nil, err
	}

	desc := v.Summary
	if desc == "" {
		desc = "No problematic claims identified"
	}
	if len(v.Claims) > 0 {
		desc = fmt.Sprintf("%s Claims: %s", strings.TrimSpace(desc), quoteAll(v.Claims))
	}
	return &model.DetectionResult{
		DetectorType: TypeClaimCheck,
		Detected:     v.Misleading,
		Confidence:   v.Confidence,
		Description:  desc,
	}, nil
}

// parseClaimVerdict extracts the JSON object from a model reply, tolerating
// code fences or stray prose around it.
func parseClaimVerdict(text string) (*claimVerdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.Errorf("detector: claim check: no JSON object in reply %q", truncate(text, 120))
	}
	var v claimVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, eris.Wrap(err, "detector: claim check: decode verdict")
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, eris.Errorf("detector: claim check: confidence %v outside [0,1]", v.Confidence)
	}
	return &v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
