// Package ensemble runs every registered detector against one piece of
// content concurrently and collects whatever usable results arrive within
// the per-detector timeout.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verimyst/internal/detector"
	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/resilience"
)

// FailureKind classifies why a detector contributed no result.
type FailureKind string

const (
	KindTimeout        FailureKind = "timeout"
	KindError          FailureKind = "error"
	KindCircuitOpen    FailureKind = "circuit_open"
	KindPanic          FailureKind = "panic"
	KindInvalidContent FailureKind = "invalid_content"
)

// Observer outcomes besides the failure kinds.
const (
	OutcomeOK            = "ok"
	OutcomeNotApplicable = "not_applicable"
)

// Failure records one detector that was absorbed by the runner.
type Failure struct {
	Detector string      `json:"detector"`
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
}

// Report is the outcome of one ensemble run. Results are in completion order.
// Skipped lists detectors that do not apply to the content type; they count
// neither as results nor as failures.
type Report struct {
	Results  []model.DetectionResult
	Failures []Failure
	Skipped  []string
	Elapsed  time.Duration
}

// AllInvalidContent reports whether every failure blamed the content itself.
func (r *Report) AllInvalidContent() bool {
	if len(r.Failures) == 0 {
		return false
	}
	for _, f := range r.Failures {
		if f.Kind != KindInvalidContent {
			return false
		}
	}
	return true
}

// Observer receives one outcome per detector per run.
type Observer interface {
	DetectorOutcome(detector, outcome string)
}

// Runner fans content out to a fixed detector list.
type Runner struct {
	detectors []detector.Detector
	timeout   time.Duration
	breakers  *resilience.Breakers
	observer  Observer
}

// Option configures a Runner.
type Option func(*Runner)

// WithBreakers guards each detector with a circuit breaker from bs.
func WithBreakers(bs *resilience.Breakers) Option {
	return func(r *Runner) { r.breakers = bs }
}

// WithObserver reports per-detector outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// New creates a runner. The detector list is copied and never changes.
func New(detectors []detector.Detector, timeout time.Duration, opts ...Option) *Runner {
	r := &Runner{
		detectors: append([]detector.Detector(nil), detectors...),
		timeout:   timeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Detectors returns the names of the detectors run per scan.
func (r *Runner) Detectors() []string {
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

type outcome struct {
	name    string
	result  *model.DetectionResult
	failure *Failure
	skipped bool
}

// Run evaluates c with every detector and returns once all of them have
// settled. Wall time is bounded by the per-detector timeout because
// detectors run in parallel.
//
// If ctx is cancelled Run returns model.ErrCancelled immediately; detectors
// still running are detached and their results discarded. If no detector
// produced a usable result, including when none applies to the content
// type, Run returns the report together with model.ErrEnsembleFailure.
func (r *Runner) Run(ctx context.Context, c detector.Content) (*Report, error) {
	start := time.Now()
	if len(r.detectors) == 0 {
		return &Report{}, eris.Wrap(model.ErrEnsembleFailure, "ensemble: no detectors registered")
	}

	// Buffered so detached goroutines never block after Run returns.
	settled := make(chan outcome, len(r.detectors))
	for _, d := range r.detectors {
		go r.evaluate(ctx, d, c, settled)
	}

	report := &Report{}
	for range r.detectors {
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(model.ErrCancelled, "ensemble: run cancelled")
		case o := <-settled:
			if o.skipped {
				report.Skipped = append(report.Skipped, o.name)
				r.observe(o.name, OutcomeNotApplicable)
				continue
			}
			if o.failure != nil {
				report.Failures = append(report.Failures, *o.failure)
				r.observe(o.name, string(o.failure.Kind))
				continue
			}
			report.Results = append(report.Results, *o.result)
			r.observe(o.name, OutcomeOK)
		}
	}
	report.Elapsed = time.Since(start)

	if len(report.Results) == 0 {
		if len(report.Failures) == 0 {
			return report, eris.Wrapf(model.ErrEnsembleFailure, "ensemble: no detector applies to %s content", c.Type)
		}
		return report, eris.Wrapf(model.ErrEnsembleFailure, "ensemble: %d applicable detectors failed", len(report.Failures))
	}
	return report, nil
}

func (r *Runner) observe(name, outcome string) {
	if r.observer != nil {
		r.observer.DetectorOutcome(name, outcome)
	}
}

type evalResult struct {
	res *model.DetectionResult
	err error
}

func (r *Runner) evaluate(ctx context.Context, d detector.Detector, c detector.Content, out chan<- outcome) {
	name := d.Name()
	log := zap.L().With(zap.String("detector", name), zap.String("fingerprint", c.Fingerprint.String()))

	var breaker *resilience.Breaker
	if r.breakers != nil {
		breaker = r.breakers.For(name)
		if err := breaker.Allow(); err != nil {
			log.Warn("detector skipped, circuit open")
			out <- fail(name, KindCircuitOpen, err)
			return
		}
	}

	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// The detector runs in its own goroutine so one that ignores its
	// context cannot hold the scan past the timeout.
	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- evalResult{err: &panicError{value: p}}
			}
		}()
		res, err := d.Evaluate(dctx, c)
		done <- evalResult{res: res, err: err}
	}()

	var er evalResult
	select {
	case er = <-done:
	case <-dctx.Done():
		if ctx.Err() != nil {
			if breaker != nil {
				breaker.Abandon()
			}
			out <- fail(name, KindError, model.ErrCancelled)
			return
		}
		er = evalResult{err: eris.Wrapf(model.ErrDetectorTimeout, "%s after %s", name, r.timeout)}
	}

	if errors.Is(er.err, model.ErrNotApplicable) {
		if breaker != nil {
			breaker.Abandon()
		}
		out <- outcome{name: name, skipped: true}
		return
	}

	res, kind, err := classify(d, er)
	if breaker != nil {
		if kind == KindInvalidContent || ctx.Err() != nil {
			breaker.Abandon()
		} else {
			breaker.Record(err)
		}
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("detector failed", zap.String("kind", string(kind)), zap.Error(err))
		}
		out <- fail(name, kind, err)
		return
	}
	out <- outcome{name: name, result: res}
}

// classify turns a raw detector return into a usable result or a failure.
func classify(d detector.Detector, er evalResult) (*model.DetectionResult, FailureKind, error) {
	var pe *panicError
	switch {
	case er.err == nil && er.res == nil:
		return nil, KindError, eris.Wrapf(model.ErrDetectorError, "%s returned no result", d.Name())
	case er.err == nil:
	case errors.As(er.err, &pe):
		return nil, KindPanic, eris.Wrapf(model.ErrDetectorError, "%s panicked: %v", d.Name(), pe.value)
	case errors.Is(er.err, model.ErrDetectorTimeout), errors.Is(er.err, context.DeadlineExceeded):
		return nil, KindTimeout, er.err
	case errors.Is(er.err, model.ErrInvalidInput):
		return nil, KindInvalidContent, er.err
	default:
		return nil, KindError, eris.Wrapf(model.ErrDetectorError, "%s: %v", d.Name(), er.err)
	}

	res := *er.res
	if res.Confidence < 0 || res.Confidence > 1 {
		return nil, KindError, eris.Wrapf(model.ErrDetectorError, "%s: confidence %v outside [0,1]", d.Name(), res.Confidence)
	}
	if res.DetectorType == "" {
		res.DetectorType = d.Type()
	}
	return &res, "", nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func fail(name string, kind FailureKind, err error) outcome {
	return outcome{name: name, failure: &Failure{Detector: name, Kind: kind, Message: err.Error()}}
}
