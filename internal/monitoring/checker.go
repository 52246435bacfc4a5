package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Report is the outcome of one health check.
type Report struct {
	Metrics *MetricsSnapshot `json:"metrics"`
	Alerts  []Alert          `json:"alerts"`
	// Sent counts alerts the webhook accepted.
	Sent int `json:"alerts_sent"`
}

// Breached reports whether any threshold was crossed.
func (r *Report) Breached() bool { return len(r.Alerts) > 0 }

// Checker evaluates run health over the lookback window, on demand or on
// a schedule.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration
}

// NewChecker creates a Checker. A non-positive check interval means five
// minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  interval,
	}
}

// Interval is how often Run checks.
func (c *Checker) Interval() time.Duration { return c.interval }

// Run checks every interval until ctx is cancelled. A failed check is
// logged and the next tick tries again.
func (c *Checker) Run(ctx context.Context) {
	zap.L().Info("monitoring: watching run health",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: stopped watching run health")
			return
		case <-ticker.C:
		}
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("monitoring: run health check failed", zap.Error(err))
		}
	}
}

// Check collects run metrics, evaluates them and posts any alerts.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: check")
	}

	rep := &Report{Metrics: snap, Alerts: c.alerter.Evaluate(snap)}
	if len(snap.StuckRuns) > 0 {
		zap.L().Warn("monitoring: runs stuck on expired leases",
			zap.Strings("run_ids", snap.StuckRuns),
		)
	}
	if !rep.Breached() {
		zap.L().Debug("monitoring: run health ok",
			zap.Int("runs", snap.RunsTotal),
			zap.Float64("fail_rate", snap.FailRate),
		)
		return rep, nil
	}

	rep.Sent = c.alerter.SendAlerts(ctx, rep.Alerts)
	zap.L().Info("monitoring: thresholds breached",
		zap.Int("runs", snap.RunsTotal),
		zap.Int("alerts", len(rep.Alerts)),
		zap.Int("alerts_sent", rep.Sent),
	)
	return rep, nil
}
