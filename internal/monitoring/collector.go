// Package monitoring watches run health in the run store and raises
// webhook alerts when failure rate, spend or stuck runs cross thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsComplete  int     `json:"runs_complete"`
	RunsFailed    int     `json:"runs_failed"`
	RunsAborted   int     `json:"runs_aborted"`
	RunsInFlight  int     `json:"runs_in_flight"`
	FailRate      float64 `json:"fail_rate"`
	BudgetLimited int     `json:"budget_limited"`
	CostTotal     float64 `json:"cost_total"`
	AvgCost       float64 `json:"avg_cost"`

	FailuresByKind map[model.FailureKind]int `json:"failures_by_kind,omitempty"`

	// StuckRuns are running runs whose lease expired and that have not
	// moved for the stuck threshold.
	StuckRuns []string `json:"stuck_runs,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the store surface the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers run metrics from the store.
type Collector struct {
	store      RunLister
	stuckAfter time.Duration
	pageSize   int

	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector. stuckAfter is how long a
// running run may sit on an expired lease before it counts as stuck; zero
// means one hour.
func NewCollector(st RunLister, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = time.Hour
	}
	return &Collector{
		store:      st,
		stuckAfter: stuckAfter,
		pageSize:   500,
		nowFunc:    func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot of runs created in the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc()
	snap := &MetricsSnapshot{
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
		FailuresByKind: make(map[model.FailureKind]int),
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs are listed newest first, so paging stops at the first run older
	// than the cutoff.
	for offset := 0; ; offset += c.pageSize {
		runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: c.pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		for i := range runs {
			r := &runs[i]
			if r.CreatedAt.Before(cutoff) {
				return finish(snap), nil
			}
			c.observe(snap, r, now)
		}
		if len(runs) < c.pageSize {
			break
		}
	}
	return finish(snap), nil
}

func (c *Collector) observe(snap *MetricsSnapshot, r *model.Run, now time.Time) {
	snap.RunsTotal++
	snap.CostTotal += r.AccumulatedCost

	switch r.Status {
	case model.RunStatusComplete:
		snap.RunsComplete++
	case model.RunStatusFailed:
		snap.RunsFailed++
	case model.RunStatusAborted:
		snap.RunsAborted++
	default:
		snap.RunsInFlight++
	}

	if f := r.Failure; f != nil {
		snap.FailuresByKind[f.Kind]++
		if f.Kind == model.FailureBudgetExceeded {
			snap.BudgetLimited++
		}
	}

	if r.Status == model.RunStatusRunning && r.LeaseExpired(now) && now.Sub(r.UpdatedAt) >= c.stuckAfter {
		snap.StuckRuns = append(snap.StuckRuns, r.ID)
	}
}

func finish(snap *MetricsSnapshot) *MetricsSnapshot {
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsTotal > 0 {
		snap.AvgCost = snap.CostTotal / float64(snap.RunsTotal)
	}
	return snap
}
