package control

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/orchestrator"
	"github.com/vietddude/dfesync/internal/indexing/throttle"
)

// schedule syncs a tenant repeatedly, waiting between runs as the authority's pacing
// rules require, until ctx is cancelled.
func (s *Service) schedule(ctx context.Context, t *tenant) {
	adaptive := throttle.DefaultConfig()
	adaptive.CaughtUpInterval = s.cfg.Sync.CaughtUpInterval
	ctrl := throttle.NewAdaptiveController(t.cfg.ID, s.cfg.Sync.Interval, adaptive)

	for {
		report, err := t.orch.Sync(ctx, t.request())
		if ctx.Err() != nil {
			return
		}

		wait := ctrl.ComputeInterval(observe(report, err), s.now())
		s.log.Debug("Next sync scheduled",
			"tenant", t.cfg.ID,
			"wait", wait,
			"consecutive_errors", ctrl.ConsecutiveErrors(),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func observe(report *orchestrator.Report, err error) throttle.Observation {
	if report == nil {
		return throttle.Observation{Failed: true}
	}
	if errors.Is(err, domain.ErrSyncRunning) {
		return throttle.Observation{}
	}

	obs := throttle.Observation{
		CaughtUp:     report.CaughtUp,
		Failed:       report.Outcome == domain.JobOutcomeError,
		BlockedUntil: report.BlockedUntil,
	}
	if report.MaxNSU > report.NSUEnd {
		obs.Lag = report.MaxNSU - report.NSUEnd
	}
	return obs
}
