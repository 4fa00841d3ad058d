package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/dfesync/internal/indexing/metrics"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

// StaleJobMessage is recorded on jobs closed by the reaper.
const StaleJobMessage = "abandoned: closed by stale job reaper"

// Reaper closes sync jobs left open by a crashed or killed process so the
// per-tenant soft lock does not linger.
type Reaper struct {
	jobs       storage.JobRepository
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewReaper creates a new Reaper worker.
func NewReaper(jobs storage.JobRepository, staleAfter time.Duration) *Reaper {
	// Check at a tenth of the stale window, between 1 minute and 1 hour
	interval := min(staleAfter/10, time.Hour)
	interval = max(interval, time.Minute)

	return &Reaper{
		jobs:       jobs,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
	}
}

// Start runs the reaper loop until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	if r.staleAfter <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Reap(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap closes every open job older than the stale window and returns how many were closed.
func (r *Reaper) Reap(ctx context.Context) int {
	before := r.now().Add(-r.staleAfter)
	n, err := r.jobs.CloseStale(ctx, before, StaleJobMessage)
	if err != nil {
		slog.Error("[Reaper] failed to close stale jobs", "error", err)
		return 0
	}
	if n > 0 {
		metrics.StaleJobsReaped.Add(float64(n))
		slog.Warn("[Reaper] closed stale jobs", "count", n, "started_before", before)
	}
	return n
}
