// Package recovery replays dead-lettered payloads with backoff until they ingest or run
// out of attempts.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/ingest"
	"github.com/vietddude/dfesync/internal/indexing/metrics"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

// Replayer re-ingests failed payloads and resolves the ones that succeed.
type Replayer interface {
	Replay(ctx context.Context, scope ingest.Scope, failed []*domain.FailedDocument) ingest.Result
}

// Handler processes the dead-letter queue.
type Handler struct {
	repo     storage.FailedDocumentRepository
	replayer Replayer
	strategy RetryStrategy
	now      func() time.Time
	logger   *slog.Logger
}

// NewHandler creates a new dead-letter handler.
func NewHandler(
	repo storage.FailedDocumentRepository,
	replayer Replayer,
	strategy RetryStrategy,
) *Handler {
	return &Handler{
		repo:     repo,
		replayer: replayer,
		strategy: strategy,
		now:      time.Now,
		logger:   slog.Default().With("component", "recovery"),
	}
}

// ProcessTenant replays every payload of a tenant whose backoff has elapsed and returns
// how many were resolved.
func (h *Handler) ProcessTenant(ctx context.Context, scope ingest.Scope) (int, error) {
	queued, err := h.repo.GetAll(ctx, scope.TenantID, scope.CNPJ)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed documents: %w", err)
	}

	resolved := 0
	for _, fd := range queued {
		if !h.due(fd) {
			continue
		}

		res := h.replayer.Replay(ctx, scope, []*domain.FailedDocument{fd})
		if res.Failed == 0 && len(res.Errors) == 0 {
			resolved++
			metrics.DeadLetterReplays.WithLabelValues(scope.TenantID, "resolved").Inc()
			continue
		}
		metrics.DeadLetterReplays.WithLabelValues(scope.TenantID, "failed").Inc()

		now := h.now()
		fd.Attempts++
		fd.LastAttemptAt = &now
		if len(res.Errors) > 0 {
			fd.Reason = res.Errors[0].Error()
		}
		if err := h.repo.Add(ctx, fd); err != nil {
			return resolved, fmt.Errorf("failed to record retry of %s: %w", fd.ID, err)
		}
		if !h.strategy.ShouldRetry(fd.Attempts) {
			h.logger.Warn("Failed document exhausted its replays",
				"tenant", scope.TenantID,
				"id", fd.ID,
				"nsu", fd.NSU,
				"attempts", fd.Attempts,
				"reason", fd.Reason,
			)
		}
	}
	return resolved, nil
}

func (h *Handler) due(fd *domain.FailedDocument) bool {
	if !h.strategy.ShouldRetry(fd.Attempts) {
		return false
	}
	return !h.now().Before(fd.LastTried().Add(h.strategy.GetDelay(fd.Attempts)))
}

// Run processes every scope each interval until ctx is cancelled.
func (h *Handler) Run(ctx context.Context, scopes []ingest.Scope, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, scope := range scopes {
				n, err := h.ProcessTenant(ctx, scope)
				if err != nil {
					h.logger.Error("Dead-letter replay failed", "tenant", scope.TenantID, "error", err)
					continue
				}
				if n > 0 {
					h.logger.Info("Replayed failed documents", "tenant", scope.TenantID, "resolved", n)
				}
			}
		}
	}
}
