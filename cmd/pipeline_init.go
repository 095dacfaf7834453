package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verimyst/internal/aggregate"
	"github.com/sells-group/verimyst/internal/config"
	"github.com/sells-group/verimyst/internal/consensus"
	"github.com/sells-group/verimyst/internal/detector"
	"github.com/sells-group/verimyst/internal/ensemble"
	"github.com/sells-group/verimyst/internal/explain"
	"github.com/sells-group/verimyst/internal/monitoring"
	"github.com/sells-group/verimyst/internal/pipeline"
	"github.com/sells-group/verimyst/internal/provenance"
	"github.com/sells-group/verimyst/internal/resilience"
	"github.com/sells-group/verimyst/internal/store"
	anthropicpkg "github.com/sells-group/verimyst/pkg/anthropic"
)

// pipelineEnv holds the store, trackers and pipeline needed by the serve
// and scan commands.
type pipelineEnv struct {
	Store      store.Store
	Pipeline   *pipeline.Pipeline
	Provenance *provenance.Tracker
	Consensus  *consensus.Tracker
	Collector  *monitoring.Collector
	Metrics    *monitoring.Metrics
	Breakers   *resilience.Breakers
	Detectors  []string
}

// Close drains in-flight scans until ctx expires, then releases the store.
func (pe *pipelineEnv) Close(ctx context.Context) {
	if pe.Pipeline != nil {
		if err := pe.Pipeline.Close(ctx); err != nil {
			zap.L().Warn("pipeline close", zap.Error(err))
		}
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, the detector ensemble and the pipeline,
// then fails any scans a previous process left unfinished. Callers should
// defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	weights, err := aggregate.FromConfig(cfg.Weights)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load weights")
	}

	metrics := monitoring.NewMetrics()
	breakers := resilience.NewBreakers(resilience.FromSettings(
		cfg.Ensemble.Circuit.FailureThreshold,
		cfg.Ensemble.Circuit.ResetTimeoutSecs,
	))
	runner := ensemble.New(reg.All(),
		time.Duration(cfg.Ensemble.DetectorTimeoutMs)*time.Millisecond,
		ensemble.WithBreakers(breakers),
		ensemble.WithObserver(metrics),
	)

	prov := provenance.NewTracker(st, metrics)
	votes := consensus.NewTracker(st, consensus.Config{
		DisputeMinVotes: cfg.Consensus.DisputeMinVotes,
		DisputeRatio:    cfg.Consensus.DisputeRatio,
	}, metrics)

	p := pipeline.New(pipeline.Deps{
		Store:      st,
		Runner:     runner,
		Aggregator: aggregate.New(weights),
		Explainer:  explain.NewBuilder(nil),
		Provenance: prov,
		Consensus:  votes,
		Metrics:    metrics,
	}, pipeline.Options{
		MaxConcurrent:   cfg.Scan.MaxConcurrent,
		OverloadPolicy:  cfg.Scan.OverloadPolicy,
		MaxContentBytes: cfg.Scan.MaxContentBytes,
		ReuseDetections: cfg.Scan.ReuseDetections,
	})

	recovered, err := p.Recover(ctx)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "recover scans")
	}

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("detectors", reg.Names()),
		zap.Int("recovered", recovered),
	)

	return &pipelineEnv{
		Store:      st,
		Pipeline:   p,
		Provenance: prov,
		Consensus:  votes,
		Collector:  monitoring.NewCollector(st),
		Metrics:    metrics,
		Breakers:   breakers,
		Detectors:  reg.Names(),
	}, nil
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "init sqlite store")
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, eris.Wrap(err, "init postgres store")
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// buildRegistry registers the configured builtin, remote and claim-check
// detectors and freezes the set.
func buildRegistry(c *config.Config) (*detector.Registry, error) {
	reg := detector.NewRegistry()
	retry := resilience.RetryFromSettings(
		c.Ensemble.Retry.MaxAttempts,
		c.Ensemble.Retry.InitialBackoffMs,
		c.Ensemble.Retry.MaxBackoffMs,
	)

	for _, name := range c.Detectors.Builtin {
		d, err := detector.Builtin(name)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}

	for _, rc := range c.Detectors.Remote {
		d, err := detector.NewRemoteDetector(rc, retry)
		if err != nil {
			return nil, eris.Wrapf(err, "remote detector %s", rc.Name)
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}

	if c.Detectors.ClaimCheck.Enabled {
		client := anthropicpkg.NewClient(c.Anthropic.Key)
		d := detector.NewClaimCheckDetector(client, c.Anthropic.Model, c.Detectors.ClaimCheck.MaxTokens, retry)
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}

	if reg.Len() == 0 {
		return nil, eris.New("no detectors configured")
	}
	reg.Freeze()
	return reg, nil
}
