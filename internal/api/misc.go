package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/verimyst/internal/model"
)

type sightingRequest struct {
	Fingerprint string    `json:"fingerprint"`
	SourceURL   string    `json:"source_url"`
	Platform    string    `json:"platform"`
	Timestamp   time.Time `json:"timestamp"`
}

func (h *handler) recordSighting(w http.ResponseWriter, r *http.Request) {
	var req sightingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, badRequest(err, "invalid request body"))
		return
	}
	entry, err := h.Provenance.RecordSighting(r.Context(), model.Sighting{
		Fingerprint: model.Fingerprint(req.Fingerprint),
		SourceURL:   req.SourceURL,
		Platform:    req.Platform,
		Timestamp:   req.Timestamp,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) getProvenance(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Provenance.GetProvenance(r.Context(), model.Fingerprint(chi.URLParam(r, "fingerprint")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.Breakers != nil {
		circuits := make(map[string]string)
		for name, s := range h.Breakers.States() {
			circuits[name] = s.String()
		}
		body["circuits"] = circuits
	}
	writeJSON(w, status, body)
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	lookback, err := intParam(r.URL.Query().Get("lookback_hours"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if lookback == 0 {
		lookback = 24
	}
	snap, err := h.Summary.Collect(r.Context(), lookback)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
