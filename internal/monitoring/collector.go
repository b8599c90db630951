package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal     int `json:"runs_total"`
	RunsCompleted int `json:"runs_completed"`
	RunsRunning   int `json:"runs_running"`
	RunsCancelled int `json:"runs_cancelled"`
	RunsFailed    int `json:"runs_failed"`

	// StaleRunIDs are running runs whose executor stopped heartbeating.
	StaleRunIDs []string `json:"stale_run_ids,omitempty"`

	ItemsProcessed int     `json:"items_processed"`
	ItemErrors     int     `json:"item_errors"`
	ItemErrorRate  float64 `json:"item_error_rate"`
	CostUSD        float64 `json:"cost_usd"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the store surface the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store      RunLister
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. A running run whose last
// heartbeat is older than staleAfter is reported as stale.
func NewCollector(st RunLister, staleAfter time.Duration) *Collector {
	return &Collector{
		store:      st,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		// Stale detection ignores the window; a run can hang for days.
		if r.Status == model.RunStatusRunning && c.stale(r, now) {
			snap.StaleRunIDs = append(snap.StaleRunIDs, r.ID)
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}

		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusRunning:
			snap.RunsRunning++
		case model.RunStatusCancelled:
			snap.RunsCancelled++
		case model.RunStatusFailed:
			snap.RunsFailed++
		}
		snap.ItemsProcessed += r.Counters.EmailsProcessed
		snap.ItemErrors += r.Counters.ErrorCount
		snap.CostUSD += r.CostUSD
	}

	if snap.ItemsProcessed > 0 {
		snap.ItemErrorRate = float64(snap.ItemErrors) / float64(snap.ItemsProcessed)
	}
	return snap, nil
}

func (c *Collector) stale(r model.Run, now time.Time) bool {
	last := r.StartedAt
	if r.HeartbeatAt != nil {
		last = *r.HeartbeatAt
	}
	return now.Sub(last) > c.staleAfter
}
