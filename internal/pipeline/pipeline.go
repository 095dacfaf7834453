// Package pipeline owns the scan lifecycle: it accepts submissions, runs
// the detector ensemble under a concurrency limit, aggregates and explains
// the results, and commits each scan exactly once.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/verimyst/internal/aggregate"
	"github.com/sells-group/verimyst/internal/detector"
	"github.com/sells-group/verimyst/internal/ensemble"
	"github.com/sells-group/verimyst/internal/explain"
	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/store"
)

// Overload policies for submissions beyond MaxConcurrent.
const (
	PolicyQueue  = "queue"
	PolicyReject = "reject"
)

// Runner evaluates content with the detector ensemble.
type Runner interface {
	Run(ctx context.Context, c detector.Content) (*ensemble.Report, error)
}

// ProvenanceReader supplies provenance for explain chains and records.
type ProvenanceReader interface {
	GetProvenance(ctx context.Context, fp model.Fingerprint) ([]model.ProvenanceEntry, error)
}

// TallyReader supplies the live consensus tally for records.
type TallyReader interface {
	TallyFor(ctx context.Context, scanID string) (model.ConsensusTally, error)
}

// Recorder receives lifecycle metrics.
type Recorder interface {
	ScanSubmitted()
	ScanFinished(status, reason string, d time.Duration)
}

// Deps are the collaborators of a Pipeline. Provenance, Consensus and
// Metrics are optional.
type Deps struct {
	Store      store.Store
	Runner     Runner
	Aggregator *aggregate.Aggregator
	Explainer  *explain.Builder
	Provenance ProvenanceReader
	Consensus  TallyReader
	Metrics    Recorder
}

// Options tune scheduling and admission.
type Options struct {
	MaxConcurrent   int
	OverloadPolicy  string
	MaxContentBytes int
	ReuseDetections bool
}

type job struct {
	id        string
	scan      model.Scan
	submitted time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Pipeline manages scans from submission to their frozen terminal state.
type Pipeline struct {
	store      store.Store
	runner     Runner
	aggregator *aggregate.Aggregator
	explainer  *explain.Builder
	provenance ProvenanceReader
	consensus  TallyReader
	metrics    Recorder
	opts       Options

	sem     *semaphore.Weighted
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*job
	closed   bool

	now func() time.Time
}

// New creates a pipeline.
func New(d Deps, opts Options) *Pipeline {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.OverloadPolicy == "" {
		opts.OverloadPolicy = PolicyQueue
	}
	if d.Metrics == nil {
		d.Metrics = noopRecorder{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Pipeline{
		store:      d.Store,
		runner:     d.Runner,
		aggregator: d.Aggregator,
		explainer:  d.Explainer,
		provenance: d.Provenance,
		consensus:  d.Consensus,
		metrics:    d.Metrics,
		opts:       opts,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		baseCtx:    ctx,
		stop:       stop,
		inflight:   make(map[string]*job),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Submit registers a scan and starts processing it in the background. An
// empty id is replaced by a generated one. Resubmitting a scan that is still
// in flight returns its current state; resubmitting a stored scan fails with
// model.ErrDuplicateScan.
func (p *Pipeline) Submit(ctx context.Context, id string, content []byte, contentType string) (*model.Scan, error) {
	ct, err := model.ParseContentType(contentType)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, eris.Wrap(model.ErrInvalidInput, "pipeline: content is empty")
	}
	if p.opts.MaxContentBytes > 0 && len(content) > p.opts.MaxContentBytes {
		return nil, eris.Wrapf(model.ErrInvalidInput, "pipeline: content is %d bytes (max %d)", len(content), p.opts.MaxContentBytes)
	}
	if id == "" {
		id = uuid.NewString()
	}

	scan := model.Scan{
		ID:          id,
		ContentType: ct,
		Fingerprint: model.NewFingerprint(content),
		ContentSize: len(content),
		Status:      model.ScanPending,
		CreatedAt:   p.now(),
	}

	j, existing, err := p.reserve(scan)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return p.current(ctx, existing)
	}

	acquired := false
	if p.opts.OverloadPolicy == PolicyReject {
		if !p.sem.TryAcquire(1) {
			p.release(id)
			return nil, eris.Wrapf(model.ErrOverloaded, "pipeline: %d scans already running", p.opts.MaxConcurrent)
		}
		acquired = true
	}

	// Stored scans, terminal or orphaned, are never resubmitted.
	if err := p.store.CreateScan(ctx, scan); err != nil {
		p.abort(id, acquired)
		return nil, eris.Wrap(err, "pipeline: create scan")
	}
	p.metrics.ScanSubmitted()

	go p.run(j.ctx, j, content, acquired)

	zap.L().Info("pipeline: scan submitted",
		zap.String("scan_id", id),
		zap.String("content_type", string(ct)),
		zap.Int("content_size", len(content)),
		zap.String("fingerprint", scan.Fingerprint.String()),
	)
	out := scan
	return &out, nil
}

// reserve claims id in the in-flight table. If another submission holds it
// the existing job is returned instead.
func (p *Pipeline) reserve(scan model.Scan) (*job, *job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, eris.Wrap(model.ErrOverloaded, "pipeline: shutting down")
	}
	if j, ok := p.inflight[scan.ID]; ok {
		return nil, j, nil
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	j := &job{id: scan.ID, scan: scan, submitted: time.Now(), ctx: ctx, cancel: cancel, done: make(chan struct{})}
	p.inflight[scan.ID] = j
	p.wg.Add(1)
	return j, nil, nil
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	if j, ok := p.inflight[id]; ok {
		delete(p.inflight, id)
		j.cancel()
		close(j.done)
	}
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Pipeline) abort(id string, acquired bool) {
	if acquired {
		p.sem.Release(1)
	}
	p.release(id)
}

func (p *Pipeline) current(ctx context.Context, j *job) (*model.Scan, error) {
	st, err := p.store.GetScan(ctx, j.id)
	if errors.Is(err, model.ErrNotFound) {
		out := j.scan
		return &out, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: lookup scan")
	}
	return &st.Scan, nil
}

func (p *Pipeline) run(ctx context.Context, j *job, data []byte, acquired bool) {
	defer p.release(j.id)

	log := zap.L().With(zap.String("scan_id", j.id), zap.String("fingerprint", j.scan.Fingerprint.String()))
	// Terminal writes must land even after the scan's context is cancelled.
	storeCtx := context.WithoutCancel(ctx)

	if !acquired {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.fail(storeCtx, j, p.cancelReason(), log)
			return
		}
	}
	defer p.sem.Release(1)

	if ctx.Err() != nil {
		p.fail(storeCtx, j, p.cancelReason(), log)
		return
	}
	started := p.now()
	if err := p.store.MarkProcessing(storeCtx, j.id, started); err != nil {
		if errors.Is(err, model.ErrScanFrozen) {
			log.Debug("pipeline: scan finished before processing started")
			return
		}
		log.Error("pipeline: mark processing failed", zap.Error(err))
		p.fail(storeCtx, j, model.FailureEnsemble, log)
		return
	}

	results, reused, reason := p.detect(ctx, storeCtx, j, data, log)
	if reason != "" {
		p.fail(storeCtx, j, reason, log)
		return
	}

	score, risk := p.aggregator.Score(results)
	var prov []model.ProvenanceEntry
	if p.provenance != nil {
		var err error
		prov, err = p.provenance.GetProvenance(storeCtx, j.scan.Fingerprint)
		if err != nil {
			log.Warn("pipeline: provenance unavailable for explain chain", zap.Error(err))
		}
	}
	chain := p.explainer.Build(explain.Input{
		Results:    results,
		Provenance: prov,
		TrustScore: score,
		RiskLevel:  risk,
	})

	// Results that arrive after a cancel are discarded.
	if ctx.Err() != nil {
		p.fail(storeCtx, j, p.cancelReason(), log)
		return
	}
	verdict := model.Verdict{
		TrustScore:   score,
		RiskLevel:    risk,
		Detections:   results,
		ExplainChain: chain,
		Reused:       reused,
	}
	if err := p.store.CompleteScan(storeCtx, j.id, verdict, p.now()); err != nil {
		if errors.Is(err, model.ErrScanFrozen) {
			log.Info("pipeline: verdict discarded, scan already terminal")
			return
		}
		log.Error("pipeline: commit verdict failed", zap.Error(err))
		p.fail(storeCtx, j, model.FailureEnsemble, log)
		return
	}

	elapsed := time.Since(j.submitted)
	p.metrics.ScanFinished(string(model.ScanCompleted), "", elapsed)
	log.Info("pipeline: scan complete",
		zap.Float64("trust_score", score),
		zap.String("risk_level", string(risk)),
		zap.Int("detections", len(results)),
		zap.Int("explain_steps", len(chain.Steps)),
		zap.Bool("reused", reused),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
}

// detect returns detection results in completion order, or the failure
// reason that ends the scan.
func (p *Pipeline) detect(ctx, storeCtx context.Context, j *job, data []byte, log *zap.Logger) ([]model.DetectionResult, bool, model.FailureReason) {
	if p.opts.ReuseDetections {
		prior, err := p.store.FindCompletedByFingerprint(storeCtx, j.scan.Fingerprint)
		switch {
		case err != nil:
			log.Warn("pipeline: reuse lookup failed, running detectors", zap.Error(err))
		case prior != nil && prior.Verdict != nil && len(prior.Verdict.Detections) > 0:
			log.Debug("pipeline: reusing detections", zap.String("source_scan_id", prior.ID))
			return slices.Clone(prior.Verdict.Detections), true, ""
		}
	}

	report, err := p.runner.Run(ctx, detector.Content{Data: data, Type: j.scan.ContentType, Fingerprint: j.scan.Fingerprint})
	switch {
	case ctx.Err() != nil || errors.Is(err, model.ErrCancelled):
		return nil, false, p.cancelReason()
	case err != nil:
		reason := model.FailureEnsemble
		failures := 0
		if report != nil {
			failures = len(report.Failures)
			if report.AllInvalidContent() {
				reason = model.FailureInvalidInput
			}
		}
		log.Warn("pipeline: ensemble produced no usable result",
			zap.Int("failures", failures),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return nil, false, reason
	}

	for _, f := range report.Failures {
		log.Warn("pipeline: detector absorbed",
			zap.String("detector", f.Detector),
			zap.String("kind", string(f.Kind)),
			zap.String("error", f.Message),
		)
	}
	results := slices.Clone(report.Results)
	log.Debug("pipeline: ensemble settled",
		zap.Int("results", len(results)),
		zap.Int("failures", len(report.Failures)),
		zap.Strings("skipped", report.Skipped),
		zap.Duration("elapsed", report.Elapsed),
	)
	return results, false, ""
}

// cancelReason distinguishes a caller cancel from process shutdown.
func (p *Pipeline) cancelReason() model.FailureReason {
	if p.baseCtx.Err() != nil {
		return model.FailureInterrupted
	}
	return model.FailureCancelled
}

// fail is a no-op when the scan is already terminal.
func (p *Pipeline) fail(ctx context.Context, j *job, reason model.FailureReason, log *zap.Logger) {
	err := p.store.FailScan(ctx, j.id, reason, p.now())
	if errors.Is(err, model.ErrScanFrozen) {
		return
	}
	if err != nil {
		log.Error("pipeline: mark failed", zap.String("reason", string(reason)), zap.Error(err))
		return
	}
	p.metrics.ScanFinished(string(model.ScanFailed), string(reason), time.Since(j.submitted))
	log.Info("pipeline: scan failed", zap.String("reason", string(reason)))
}

// Cancel marks an unfinished scan failed with reason cancelled and detaches
// its detectors. It does not wait for them.
func (p *Pipeline) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	j := p.inflight[id]
	p.mu.Unlock()

	var submitted time.Time
	if j != nil {
		submitted = j.submitted
	} else {
		st, err := p.store.GetScan(ctx, id)
		if err != nil {
			return eris.Wrap(err, "pipeline: cancel")
		}
		submitted = st.CreatedAt
	}

	// Freeze first so a racing commit is the one discarded.
	if err := p.store.FailScan(ctx, id, model.FailureCancelled, p.now()); err != nil {
		return eris.Wrap(err, "pipeline: cancel")
	}
	if j != nil {
		j.cancel()
	}
	p.metrics.ScanFinished(string(model.ScanFailed), string(model.FailureCancelled), time.Since(submitted))
	zap.L().Info("pipeline: scan cancelled", zap.String("scan_id", id))
	return nil
}

// Wait blocks until scan id is terminal or ctx is done, then returns its
// record.
func (p *Pipeline) Wait(ctx context.Context, id string) (*model.ScanRecord, error) {
	p.mu.Lock()
	j := p.inflight[id]
	p.mu.Unlock()
	if j != nil {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "pipeline: wait")
		}
	}
	return p.Get(ctx, id)
}

// Get returns the scan with its verdict and the live provenance and
// consensus for it. Unfinished scans carry no verdict fields.
func (p *Pipeline) Get(ctx context.Context, id string) (*model.ScanRecord, error) {
	st, err := p.store.GetScan(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: get scan")
	}
	rec := &model.ScanRecord{
		Scan:       st.Scan,
		Provenance: []model.ProvenanceEntry{},
		Consensus:  model.ConsensusTally{ScanID: id},
	}
	if v := st.Verdict; v != nil && st.Status == model.ScanCompleted {
		rec.Detections = v.Detections
		chain := v.ExplainChain
		rec.ExplainChain = &chain
		rec.Conclusion = chain.Conclusion
	}
	if p.provenance != nil {
		prov, err := p.provenance.GetProvenance(ctx, st.Fingerprint)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: get provenance")
		}
		rec.Provenance = prov
	}
	if p.consensus != nil {
		tally, err := p.consensus.TallyFor(ctx, id)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: get consensus")
		}
		rec.Consensus = tally
	}
	return rec, nil
}

// List returns scans matching f, newest first.
func (p *Pipeline) List(ctx context.Context, f store.ScanFilter) ([]model.Scan, error) {
	scans, err := p.store.ListScans(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list scans")
	}
	if scans == nil {
		scans = []model.Scan{}
	}
	return scans, nil
}

// Recover fails every unfinished scan not owned by this process with reason
// interrupted. Call it once at startup before accepting submissions.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	var orphans []string
	for _, status := range []model.ScanStatus{model.ScanPending, model.ScanProcessing} {
		for offset := 0; ; offset += store.DefaultListLimit {
			page, err := p.store.ListScans(ctx, store.ScanFilter{Status: status, Limit: store.DefaultListLimit, Offset: offset})
			if err != nil {
				return 0, eris.Wrap(err, "pipeline: list unfinished scans")
			}
			for _, s := range page {
				orphans = append(orphans, s.ID)
			}
			if len(page) < store.DefaultListLimit {
				break
			}
		}
	}

	recovered := 0
	for _, id := range orphans {
		p.mu.Lock()
		_, owned := p.inflight[id]
		p.mu.Unlock()
		if owned {
			continue
		}
		err := p.store.FailScan(ctx, id, model.FailureInterrupted, p.now())
		if errors.Is(err, model.ErrScanFrozen) {
			continue
		}
		if err != nil {
			return recovered, eris.Wrapf(err, "pipeline: recover scan %s", id)
		}
		recovered++
	}
	if recovered > 0 {
		zap.L().Warn("pipeline: recovered interrupted scans", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Close stops accepting submissions and waits for running scans. If ctx
// ends first the remaining scans are failed as interrupted.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		p.stop()
		<-done
		return eris.Wrap(ctx.Err(), "pipeline: close")
	}
}

type noopRecorder struct{}

func (noopRecorder) ScanSubmitted()                             {}
func (noopRecorder) ScanFinished(string, string, time.Duration) {}
