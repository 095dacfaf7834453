package monitoring

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/verimyst/internal/config"
	"github.com/sells-group/verimyst/internal/resilience"
)

// CircuitSource reports detector breaker states.
type CircuitSource interface {
	States() map[string]resilience.State
}

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	circuits  CircuitSource
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker. circuits may be nil.
func NewChecker(collector *Collector, alerter *Alerter, circuits CircuitSource, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		circuits:  circuits,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		return 0
	}
	snap.OpenCircuits = c.openCircuits()

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

func (c *Checker) openCircuits() []string {
	if c.circuits == nil {
		return nil
	}
	var open []string
	for name, st := range c.circuits.States() {
		if st != resilience.Closed {
			open = append(open, name)
		}
	}
	slices.Sort(open)
	return open
}
