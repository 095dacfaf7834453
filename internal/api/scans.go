package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/store"
)

// multipart and base64 framing allowance on top of the content limit.
const bodyOverhead = 1 << 20

type submitRequest struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
	// Content is base64 (standard encoding).
	Content string `json:"content"`
	// Text is a convenience for text scans and is used when Content is empty.
	Text string `json:"text"`
}

func (h *handler) maxBody() int64 {
	if h.MaxContentBytes <= 0 {
		return 64 << 20
	}
	return int64(h.MaxContentBytes)*4/3 + bodyOverhead
}

func (h *handler) submitScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody())

	req, data, err := h.decodeSubmit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	scan, err := h.Scans.Submit(r.Context(), req.ID, data, req.ContentType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), h.WaitTimeout)
		defer cancel()
		rec, err := h.Scans.Wait(ctx, scan.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	w.Header().Set("Location", "/scans/"+scan.ID)
	writeJSON(w, http.StatusAccepted, scan)
}

func (h *handler) decodeSubmit(r *http.Request) (submitRequest, []byte, error) {
	var req submitRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return req, nil, badRequest(err, "parse multipart form")
		}
		req.ID = r.FormValue("id")
		req.ContentType = r.FormValue("content_type")
		file, _, err := r.FormFile("file")
		if err != nil {
			return req, nil, badRequest(err, "multipart field \"file\" is required")
		}
		defer file.Close() //nolint:errcheck
		data, err := io.ReadAll(file)
		if err != nil {
			return req, nil, eris.Wrap(err, "api: read upload")
		}
		return req, data, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, badRequest(err, "invalid request body")
	}
	if req.Content == "" {
		return req, []byte(req.Text), nil
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return req, nil, badRequest(err, "content must be base64")
	}
	return req, data, nil
}

func (h *handler) listScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ScanFilter{
		Status:      model.ScanStatus(q.Get("status")),
		Fingerprint: model.Fingerprint(q.Get("fingerprint")),
	}
	switch f.Status {
	case "", model.ScanPending, model.ScanProcessing, model.ScanCompleted, model.ScanFailed:
	default:
		writeError(w, r, eris.Wrapf(model.ErrInvalidInput, "unknown status %q", f.Status))
		return
	}
	if v := q.Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, badRequest(err, "created_after must be RFC 3339"))
			return
		}
		f.CreatedAfter = t.UTC()
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, err)
		return
	}

	scans, err := h.Scans.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans, "count": len(scans)})
}

func (h *handler) getScan(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Scans.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) cancelScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Scans.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.Scans.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type voteRequest struct {
	UserID  string `json:"user_id"`
	Verdict string `json:"verdict"`
	Comment string `json:"comment"`
}

func (h *handler) castVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, badRequest(err, "invalid request body"))
		return
	}
	tally, err := h.Consensus.CastVote(r.Context(), chi.URLParam(r, "id"), req.UserID, req.Verdict, req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

func (h *handler) getConsensus(w http.ResponseWriter, r *http.Request) {
	tally, err := h.Consensus.GetTally(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, eris.Wrapf(model.ErrInvalidInput, "expected a non-negative integer, got %q", v)
	}
	return n, nil
}

// badRequest tags a decoding error as caller input, keeping body-size
// errors distinguishable.
func badRequest(err error, msg string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return eris.Wrapf(model.ErrInvalidInput, "%s: %v", msg, err)
}
