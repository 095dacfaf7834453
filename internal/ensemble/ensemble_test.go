package ensemble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verimyst/internal/detector"
	"github.com/sells-group/verimyst/internal/model"
	"github.com/sells-group/verimyst/internal/resilience"
)

// stub is a scripted detector.
type stub struct {
	name     string
	typ      string
	delay    time.Duration
	result   *model.DetectionResult
	err      error
	panicMsg string
	ignoreCx bool
}

func (s *stub) Name() string { return s.name }
func (s *stub) Type() string { return s.typ }

func (s *stub) Evaluate(ctx context.Context, _ detector.Content) (*model.DetectionResult, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.delay > 0 {
		if s.ignoreCx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func ok(name string, detected bool, conf float64) *stub {
	return &stub{name: name, typ: name, result: &model.DetectionResult{DetectorType: name, Detected: detected, Confidence: conf, Description: name}}
}

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]string
}

func (r *recorder) DetectorOutcome(d, o string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]string{}
	}
	r.outcomes[d] = o
}

var content = detector.Content{Data: []byte("text"), Type: model.ContentText, Fingerprint: model.NewFingerprint([]byte("text"))}

func TestRun_AllSucceed(t *testing.T) {
	r := New([]detector.Detector{ok("a", true, 0.8), ok("b", false, 0.1)}, time.Second)
	report, err := r.Run(context.Background(), content)
	require.NoError(t, err)
	assert.Len(t, report.Results, 2)
	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{"a", "b"}, r.Detectors())
}

func TestRun_PartialFailureStillSucceeds(t *testing.T) {
	rec := &recorder{}
	r := New([]detector.Detector{
		ok("good", true, 0.7),
		&stub{name: "broken", err: errors.New("model unavailable")},
		&stub{name: "slow", delay: time.Second},
	}, 50*time.Millisecond, WithObserver(rec))

	report, err := r.Run(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "good", report.Results[0].DetectorType)
	require.Len(t, report.Failures, 2)

	kinds := map[string]FailureKind{}
	for _, f := range report.Failures {
		kinds[f.Detector] = f.Kind
	}
	assert.Equal(t, KindError, kinds["broken"])
	assert.Equal(t, KindTimeout, kinds["slow"])
	assert.Equal(t, map[string]string{"good": "ok", "broken": "error", "slow": "timeout"}, rec.outcomes)
}

func TestRun_AllFailIsEnsembleFailure(t *testing.T) {
	r := New([]detector.Detector{
		&stub{name: "a", err: errors.New("boom")},
		&stub{name: "b", delay: time.Second},
	}, 20*time.Millisecond)

	report, err := r.Run(context.Background(), content)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrEnsembleFailure))
	require.NotNil(t, report)
	assert.Empty(t, report.Results)
	assert.Len(t, report.Failures, 2)
	assert.False(t, report.AllInvalidContent())
}

func TestRun_WallTimeBoundedByTimeout(t *testing.T) {
	var ds []detector.Detector
	for i := 0; i < 8; i++ {
		ds = append(ds, &stub{name: string(rune('a' + i)), delay: time.Second, ignoreCx: true})
	}
	ds = append(ds, ok("fast", false, 0.1))
	r := New(ds, 60*time.Millisecond)

	start := time.Now()
	report, err := r.Run(context.Background(), content)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, report.Results, 1)
	assert.Less(t, elapsed, 500*time.Millisecond, "detectors must run in parallel and be detached on timeout")
}

func TestRun_PanicIsIsolated(t *testing.T) {
	r := New([]detector.Detector{&stub{name: "crashy", panicMsg: "nil map"}, ok("fine", false, 0.2)}, time.Second)
	report, err := r.Run(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, KindPanic, report.Failures[0].Kind)
	assert.Contains(t, report.Failures[0].Message, "nil map")
}

func TestRun_InvalidContent(t *testing.T) {
	r := New([]detector.Detector{
		&stub{name: "img", err: eris.Wrap(model.ErrInvalidInput, "unreadable header")},
	}, time.Second)
	report, err := r.Run(context.Background(), content)
	require.ErrorIs(t, err, model.ErrEnsembleFailure)
	assert.True(t, report.AllInvalidContent())
}

func TestRun_RejectsOutOfRangeConfidence(t *testing.T) {
	r := New([]detector.Detector{ok("weird", true, 1.7), ok("fine", false, 0.1)}, time.Second)
	report, err := r.Run(context.Background(), content)
	require.NoError(t, err)
	assert.Len(t, report.Results, 1)
	assert.Equal(t, KindError, report.Failures[0].Kind)
}

func TestRun_FillsMissingDetectorType(t *testing.T) {
	s := &stub{name: "n", typ: "Typed", result: &model.DetectionResult{Confidence: 0.2}}
	report, err := New([]detector.Detector{s}, time.Second).Run(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, "Typed", report.Results[0].DetectorType)
}

func TestRun_CancelReturnsPromptly(t *testing.T) {
	r := New([]detector.Detector{&stub{name: "slow", delay: 5 * time.Second, ignoreCx: true}}, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, content)
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_OpenCircuitSkipsDetector(t *testing.T) {
	bs := resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	failing := &stub{name: "flaky", err: errors.New("500")}
	r := New([]detector.Detector{failing, ok("steady", false, 0.1)}, time.Second, WithBreakers(bs))

	_, err := r.Run(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, resilience.Open, bs.For("flaky").State())

	report, err := r.Run(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, KindCircuitOpen, report.Failures[0].Kind)
}

func TestRun_NoDetectors(t *testing.T) {
	_, err := New(nil, time.Second).Run(context.Background(), content)
	assert.ErrorIs(t, err, model.ErrEnsembleFailure)
}

func skips(name string) *stub {
	return &stub{name: name, typ: name, err: eris.Wrapf(model.ErrNotApplicable, "%s: text content", name)}
}

func TestRun_SkippedDetectorsAreNotResults(t *testing.T) {
	rec := &recorder{}
	r := New([]detector.Detector{ok("claims", true, 0.6), skips("media")}, time.Second, WithObserver(rec))

	report, err := r.Run(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "claims", report.Results[0].DetectorType)
	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{"media"}, report.Skipped)
	assert.Equal(t, OutcomeNotApplicable, rec.outcomes["media"])
}

func TestRun_ApplicableFailuresWithSkippedIsEnsembleFailure(t *testing.T) {
	r := New([]detector.Detector{
		&stub{name: "claims", err: errors.New("model unavailable")},
		&stub{name: "tone", delay: time.Second},
		skips("media"),
		skips("deepfake"),
	}, 20*time.Millisecond)

	report, err := r.Run(context.Background(), content)
	require.ErrorIs(t, err, model.ErrEnsembleFailure)
	assert.Empty(t, report.Results)
	assert.Len(t, report.Failures, 2)
	assert.Len(t, report.Skipped, 2)
	assert.False(t, report.AllInvalidContent())
}

func TestRun_InvalidContentIgnoresSkipped(t *testing.T) {
	r := New([]detector.Detector{
		&stub{name: "img", err: eris.Wrap(model.ErrInvalidInput, "unreadable header")},
		skips("claims"),
		skips("tone"),
	}, time.Second)

	report, err := r.Run(context.Background(), content)
	require.ErrorIs(t, err, model.ErrEnsembleFailure)
	assert.True(t, report.AllInvalidContent())
}

func TestRun_NothingApplies(t *testing.T) {
	r := New([]detector.Detector{skips("media"), skips("deepfake")}, time.Second)

	report, err := r.Run(context.Background(), content)
	require.ErrorIs(t, err, model.ErrEnsembleFailure)
	assert.Contains(t, err.Error(), "no detector applies")
	assert.Empty(t, report.Failures)
	assert.False(t, report.AllInvalidContent())
}

func TestRun_SkippedDoesNotTripBreaker(t *testing.T) {
	bs := resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	r := New([]detector.Detector{skips("media"), ok("claims", false, 0.1)}, time.Second, WithBreakers(bs))

	for range 3 {
		_, err := r.Run(context.Background(), content)
		require.NoError(t, err)
	}
	assert.Equal(t, resilience.Closed, bs.For("media").State())
}

func TestRun_ResultsInCompletionOrder(t *testing.T) {
	slow := &stub{name: "alpha", typ: "Alpha", delay: 100 * time.Millisecond,
		result: &model.DetectionResult{DetectorType: "Alpha", Confidence: 0.1}}
	fast := ok("Zeta", false, 0.2)
	r := New([]detector.Detector{slow, fast}, time.Second)

	report, err := r.Run(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "Zeta", report.Results[0].DetectorType)
	assert.Equal(t, "Alpha", report.Results[1].DetectorType)
}
