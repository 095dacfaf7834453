// Package api exposes the scan pipeline, provenance and consensus over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/monitoring"
	"github.com/sells-group/verimyst/internal/resilience"
	"github.com/sells-group/verimyst/internal/store"
)

// Scans is the pipeline surface used by the scan routes.
type Scans interface {
	Submit(ctx context.Context, id string, content []byte, contentType string) (*model.Scan, error)
	Wait(ctx context.Context, id string) (*model.ScanRecord, error)
	Get(ctx context.Context, id string) (*model.ScanRecord, error)
	List(ctx context.Context, f store.ScanFilter) ([]model.Scan, error)
	Cancel(ctx context.Context, id string) error
}

// Provenance records and reads sightings.
type Provenance interface {
	RecordSighting(ctx context.Context, s model.Sighting) (*model.ProvenanceEntry, error)
	GetProvenance(ctx context.Context, fp model.Fingerprint) ([]model.ProvenanceEntry, error)
}

// Consensus records votes and reads tallies.
type Consensus interface {
	CastVote(ctx context.Context, scanID, userID, verdict, comment string) (model.ConsensusTally, error)
	GetTally(ctx context.Context, scanID string) (model.ConsensusTally, error)
}

// Summarizer produces the metrics summary.
type Summarizer interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.Snapshot, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerStates reports detector circuit states for /health.
type BreakerStates interface {
	States() map[string]resilience.State
}

// Deps wires the handlers. Health, Breakers, Metrics and Summary are
// optional.
type Deps struct {
	Scans       Scans
	Provenance  Provenance
	Consensus   Consensus
	Summary     Summarizer
	Health      Pinger
	Breakers    BreakerStates
	Metrics     http.Handler
	CORSOrigins []string

	// MaxContentBytes bounds decoded scan content; request bodies may be
	// larger to allow for base64 and multipart framing.
	MaxContentBytes int
	// WaitTimeout bounds POST /scans?wait=true.
	WaitTimeout time.Duration
}

type handler struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.WaitTimeout <= 0 {
		d.WaitTimeout = 30 * time.Second
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Summary != nil {
		r.Get("/metrics/summary", h.summary)
	}

	r.Route("/scans", func(r chi.Router) {
		r.Post("/", h.submitScan)
		r.Get("/", h.listScans)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getScan)
			r.Delete("/", h.cancelScan)
			r.Post("/votes", h.castVote)
			r.Get("/consensus", h.getConsensus)
		})
	})

	r.Post("/provenance", h.recordSighting)
	r.Get("/provenance/{fingerprint}", h.getProvenance)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
