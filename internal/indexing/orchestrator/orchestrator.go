// Package orchestrator wraps a sync run in a job record: soft lock, timeout, outcome
// mapping and the automatic acknowledgment of newly imported documents.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/metrics"
	"github.com/vietddude/dfesync/internal/indexing/syncer"
	"github.com/vietddude/dfesync/internal/infra/storage"
	"github.com/vietddude/dfesync/internal/signing"
)

// Config holds orchestration limits.
type Config struct {
	SyncTimeout  time.Duration
	LockWindow   time.Duration
	CloseTimeout time.Duration
	AutoManifest bool
	// ManifestLimit caps the documents acknowledged after one sync.
	ManifestLimit int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		SyncTimeout:   120 * time.Second,
		LockWindow:    10 * time.Minute,
		CloseTimeout:  10 * time.Second,
		AutoManifest:  true,
		ManifestLimit: 100,
	}
}

// Request identifies the tenant to synchronize.
type Request struct {
	TenantID string
	CNPJ     string
	UFCode   string
}

func (r Request) target() syncer.Target {
	return syncer.Target{TenantID: r.TenantID, CNPJ: r.CNPJ, UFCode: r.UFCode}
}

// Report is what a caller learns about one sync.
type Report struct {
	JobID        string
	Outcome      domain.JobOutcome
	Imported     int
	Skipped      int
	Failed       int
	NSUStart     uint64
	NSUEnd       uint64
	MaxNSU       uint64
	CaughtUp     bool
	SafetyStop   bool
	BlockedUntil *time.Time
	Manifested   int
	Message      string
}

// Runner executes the distribution state machine.
type Runner interface {
	Run(ctx context.Context, target syncer.Target) (*syncer.Result, error)
	Consult(ctx context.Context, target syncer.Target, lookup syncer.Lookup) (*syncer.Result, error)
}

// Manifester submits manifestation events.
type Manifester interface {
	ManifestBatch(ctx context.Context, reqs []signing.ManifestRequest) ([]*signing.ManifestResult, error)
}

// Orchestrator runs syncs for one tenant certificate.
type Orchestrator struct {
	cfg        Config
	jobs       storage.JobRepository
	docs       storage.DocumentRepository
	runner     Runner
	manifester Manifester
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
}

// New creates an orchestrator. manifester may be nil, which disables auto-manifest.
func New(
	cfg Config,
	jobs storage.JobRepository,
	docs storage.DocumentRepository,
	runner Runner,
	manifester Manifester,
) *Orchestrator {
	d := DefaultConfig()
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = d.SyncTimeout
	}
	if cfg.LockWindow <= 0 {
		cfg.LockWindow = d.LockWindow
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = d.CloseTimeout
	}
	if cfg.ManifestLimit <= 0 {
		cfg.ManifestLimit = d.ManifestLimit
	}
	return &Orchestrator{
		cfg:        cfg,
		jobs:       jobs,
		docs:       docs,
		runner:     runner,
		manifester: manifester,
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     slog.Default().With("component", "orchestrator"),
	}
}

// Sync runs one distribution sync. Blocked and failed syncs return the report together
// with the cause.
func (o *Orchestrator) Sync(ctx context.Context, req Request) (*Report, error) {
	return o.execute(ctx, req, func(ctx context.Context) (*syncer.Result, error) {
		return o.runner.Run(ctx, req.target())
	})
}

// Consult runs a point lookup under the same job and lock rules as Sync.
func (o *Orchestrator) Consult(ctx context.Context, req Request, lookup syncer.Lookup) (*Report, error) {
	return o.execute(ctx, req, func(ctx context.Context) (*syncer.Result, error) {
		return o.runner.Consult(ctx, req.target(), lookup)
	})
}

func (o *Orchestrator) execute(
	ctx context.Context,
	req Request,
	run func(ctx context.Context) (*syncer.Result, error),
) (*Report, error) {
	started := o.now()

	open, err := o.jobs.FindOpen(ctx, req.TenantID, req.CNPJ, started.Add(-o.cfg.LockWindow))
	if err != nil {
		return nil, fmt.Errorf("check running sync: %w", err)
	}
	if open != nil {
		o.logger.Info("Sync already running",
			"tenant", req.TenantID,
			"job", open.ID,
			"started_at", open.StartedAt.Format(time.RFC3339),
		)
		return &Report{
			JobID:    open.ID,
			Outcome:  domain.JobOutcomeRunning,
			NSUStart: open.NSUStart,
			Message:  domain.ErrSyncRunning.Error(),
		}, domain.ErrSyncRunning
	}

	job := &domain.SyncJob{
		ID:        o.newID(),
		TenantID:  req.TenantID,
		CNPJ:      req.CNPJ,
		StartedAt: started,
		Outcome:   domain.JobOutcomeRunning,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("open sync job: %w", err)
	}

	report := &Report{JobID: job.ID}

	syncCtx, cancel := context.WithTimeout(ctx, o.cfg.SyncTimeout)
	res, runErr := run(syncCtx)
	cancel()
	if res == nil && runErr == nil {
		runErr = errors.New("sync returned no result")
	}

	if res != nil {
		report.Imported = res.Imported
		report.Skipped = res.Skipped
		report.Failed = res.Failed
		report.NSUStart = res.NSUStart
		report.NSUEnd = res.NSUEnd
		report.MaxNSU = res.MaxNSU
		report.CaughtUp = res.CaughtUp
		report.SafetyStop = res.SafetyStop
		report.BlockedUntil = res.BlockedUntil
	}
	report.Outcome, report.Message = classify(res, runErr)

	// Acknowledgment runs outside the job and its lock window.
	o.closeJob(ctx, job, report)

	switch report.Outcome {
	case domain.JobOutcomeSuccess, domain.JobOutcomePartial:
		if res.Imported > 0 && o.cfg.AutoManifest && o.manifester != nil {
			report.Manifested = o.autoManifest(ctx, req, res.Keys)
		}
		return report, nil
	default:
		return report, runErr
	}
}

// classify maps a run to a job outcome and message.
func classify(res *syncer.Result, err error) (domain.JobOutcome, string) {
	if err != nil {
		var terr *domain.ThrottledError
		if errors.As(err, &terr) {
			return domain.JobOutcomeBlocked, "retry after " + terr.Until.Format(time.RFC3339)
		}
		return domain.JobOutcomeError, err.Error()
	}

	msg := fmt.Sprintf("imported %d, skipped %d, failed %d", res.Imported, res.Skipped, res.Failed)
	switch {
	case res.SafetyStop:
		return domain.JobOutcomePartial, fmt.Sprintf("%s; stopped after %d iterations", msg, res.Iterations)
	case res.Failed > 0:
		return domain.JobOutcomePartial, msg
	default:
		return domain.JobOutcomeSuccess, msg
	}
}

// closeJob writes the final job row on a context that outlives the sync timeout.
func (o *Orchestrator) closeJob(ctx context.Context, job *domain.SyncJob, report *Report) {
	ended := o.now()
	job.EndedAt = &ended
	job.NSUStart = report.NSUStart
	job.NSUEnd = report.NSUEnd
	job.CountImported = report.Imported
	job.CountSkipped = report.Skipped
	job.CountFailed = report.Failed
	job.Outcome = report.Outcome
	job.Message = report.Message

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CloseTimeout)
	defer cancel()
	if err := o.jobs.Close(closeCtx, job); err != nil {
		o.logger.Error("Failed to close sync job",
			"tenant", job.TenantID,
			"job", job.ID,
			"error", err,
		)
	}

	duration := ended.Sub(job.StartedAt)
	metrics.SyncJobs.WithLabelValues(job.TenantID, string(job.Outcome)).Inc()
	metrics.SyncDuration.WithLabelValues(job.TenantID).Observe(duration.Seconds())

	o.logger.Info("Sync finished",
		"tenant", job.TenantID,
		"job", job.ID,
		"outcome", job.Outcome,
		"imported", job.CountImported,
		"skipped", job.CountSkipped,
		"failed", job.CountFailed,
		"nsu_start", job.NSUStart,
		"nsu_end", job.NSUEnd,
		"duration", duration,
		"message", job.Message,
	)
}
