package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/verimyst/internal/config"
	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/resilience"
)

const defaultRemoteTimeout = 10 * time.Second

// RemoteDetector delegates evaluation to a model served over HTTP.
//
// Request body:  {"content_type": "...", "fingerprint": "...", "content": "<base64>"}
// Response body: {"detected": bool, "confidence": float, "description": "..."}
type RemoteDetector struct {
	name         string
	typ          string
	url          string
	apiKey       string
	http         *http.Client
	limiter      *rate.Limiter
	retry        resilience.RetryPolicy
	contentTypes map[model.ContentType]bool
}

type remoteRequest struct {
	ContentType string `json:"content_type"`
	Fingerprint string `json:"fingerprint"`
	Content     string `json:"content"`
}

type remoteResponse struct {
	Detected    bool    `json:"detected"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// NewRemoteDetector builds a detector from its config entry.
func NewRemoteDetector(cfg config.RemoteDetectorConfig, retry resilience.RetryPolicy) (*RemoteDetector, error) {
	if cfg.Name == "" || cfg.URL == "" || cfg.Type == "" {
		return nil, eris.Errorf("detector: remote detector requires name, type and url (got name=%q)", cfg.Name)
	}

	timeout := defaultRemoteTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = max(1, int(cfg.RatePerSec))
	}

	var types map[model.ContentType]bool
	if len(cfg.ContentTypes) > 0 {
		types = make(map[model.ContentType]bool, len(cfg.ContentTypes))
		for _, s := range cfg.ContentTypes {
			ct, err := model.ParseContentType(s)
			if err != nil {
				return nil, eris.Wrapf(err, "detector: remote %s", cfg.Name)
			}
			types[ct] = true
		}
	}

	return &RemoteDetector{
		name:         cfg.Name,
		typ:          cfg.Type,
		url:          cfg.URL,
		apiKey:       cfg.APIKey,
		http:         &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(limit, burst),
		retry:        retry,
		contentTypes: types,
	}, nil
}

func (d *RemoteDetector) Name() string { return d.name }
func (d *RemoteDetector) Type() string { return d.typ }

func (d *RemoteDetector) Evaluate(ctx context.Context, c Content) (*model.DetectionResult, error) {
	if d.contentTypes != nil && !d.contentTypes[c.Type] {
		return nil, notApplicable(d, c.Type)
	}

	body, err := json.Marshal(remoteRequest{
		ContentType: string(c.Type),
		Fingerprint: c.Fingerprint.String(),
		Content:     base64.StdEncoding.EncodeToString(c.Data),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "detector: %s: marshal request", d.name)
	}

	resp, err := resilience.Retry(ctx, d.retry, d.name, func(ctx context.Context) (*remoteResponse, error) {
		return d.call(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	if resp.Confidence < 0 || resp.Confidence > 1 {
		return nil, eris.Errorf("detector: %s: confidence %v outside [0,1]", d.name, resp.Confidence)
	}
	desc := resp.Description
	if desc == "" {
		desc = fmt.Sprintf("%s model verdict", d.typ)
	}
	return &model.DetectionResult{
		DetectorType: d.typ,
		Detected:     resp.Detected,
		Confidence:   resp.Confidence,
		Description:  desc,
	}, nil
}

func (d *RemoteDetector) call(ctx context.Context, body []byte) (*remoteResponse, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "detector: %s: rate limit", d.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "detector: %s: build request", d.name)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "detector: %s: request", d.name)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("detector: %s: status %d: %s", d.name, resp.StatusCode, bytes.TrimSpace(snippet))
		if resilience.IsTransientStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrapf(err, "detector: %s: decode response", d.name)
	}
	return &out, nil
}
