// Package monitoring periodically checks pipeline health and posts alerts to
// a webhook when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/store"
)

const maxRunsScanned = 10000

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsSuccess  int     `json:"runs_success"`
	RunsPartial  int     `json:"runs_partial"`
	RunsFailed   int     `json:"runs_failed"`
	FailureRate  float64 `json:"failure_rate"`
	ItemsWritten int     `json:"items_written"`
	ItemsFailed  int     `json:"items_failed"`

	// Staging and entity backlog.
	StagingUnprocessed int                      `json:"staging_unprocessed"`
	Entities           map[model.EntityKind]int `json:"entities"`

	// StuckRuns lists pipelines whose active run started before the stuck cutoff.
	StuckRuns []model.PipelineStatus `json:"stuck_runs,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store    store.Store
	stuckFor time.Duration
	now      func() time.Time
}

// NewCollector creates a collector. Runs active for longer than stuckFor
// are reported as stuck; zero disables the check.
func NewCollector(st store.Store, stuckFor time.Duration) *Collector {
	return &Collector{store: st, stuckFor: stuckFor, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: maxRunsScanned})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		// Newest first, so the window ends at the first older run.
		if r.StartedAt.Before(cutoff) {
			break
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusSuccess:
			snap.RunsSuccess++
		case model.RunStatusPartial:
			snap.RunsPartial++
		case model.RunStatusFailed:
			snap.RunsFailed++
		}
		snap.ItemsWritten += r.Stats.ItemsWritten
		snap.ItemsFailed += r.Stats.ItemsFailed
	}
	if finished := snap.RunsSuccess + snap.RunsPartial + snap.RunsFailed; finished > 0 {
		snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
	}

	staging, err := c.store.CountStaging(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count staging")
	}
	snap.StagingUnprocessed = staging[model.StagingUnprocessed]

	if snap.Entities, err = c.store.CountEntities(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count entities")
	}

	if c.stuckFor > 0 {
		statuses, err := c.store.ListStatuses(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list statuses")
		}
		for _, st := range statuses {
			if st.IsRunning && st.StartedAt != nil && now.Sub(*st.StartedAt) > c.stuckFor {
				snap.StuckRuns = append(snap.StuckRuns, st)
			}
		}
	}
	return snap, nil
}
