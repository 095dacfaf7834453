package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "verimyst"

// Metrics holds the process's prometheus instruments on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	scansSubmitted   prometheus.Counter
	scansFinished    *prometheus.CounterVec
	scanDuration     *prometheus.HistogramVec
	detectorOutcomes *prometheus.CounterVec
	votesCast        *prometheus.CounterVec
	sightings        *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scansSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "submitted_total",
			Help:      "Scans accepted for processing",
		}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "finished_total",
			Help:      "Scans that reached a terminal state, by status and failure reason",
		}, []string{"status", "reason"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Time from processing start to terminal state",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),
		detectorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "outcomes_total",
			Help:      "Detector evaluations by detector and outcome",
		}, []string{"detector", "outcome"}),
		votesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_total",
			Help:      "Crowd votes accepted, by verdict",
		}, []string{"verdict"}),
		sightings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provenance",
			Name:      "sightings_total",
			Help:      "Provenance sightings recorded, by platform",
		}, []string{"platform"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scansSubmitted,
		m.scansFinished,
		m.scanDuration,
		m.detectorOutcomes,
		m.votesCast,
		m.sightings,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ScanSubmitted() {
	if m == nil {
		return
	}
	m.scansSubmitted.Inc()
}

// ScanFinished records a terminal transition. reason is empty for completed
// scans.
func (m *Metrics) ScanFinished(status, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.scansFinished.WithLabelValues(status, reason).Inc()
	m.scanDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) DetectorOutcome(detector, outcome string) {
	if m == nil {
		return
	}
	m.detectorOutcomes.WithLabelValues(detector, outcome).Inc()
}

func (m *Metrics) VoteCast(verdict string) {
	if m == nil {
		return
	}
	m.votesCast.WithLabelValues(verdict).Inc()
}

// SightingRecorded counts a sighting. An empty platform is counted as
// "unknown".
func (m *Metrics) SightingRecorded(platform string) {
	if m == nil {
		return
	}
	if platform == "" {
		platform = "unknown"
	}
	m.sightings.WithLabelValues(platform).Inc()
}
