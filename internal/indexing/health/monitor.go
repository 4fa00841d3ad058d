package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

// Tenant identifies a monitored tenant.
type Tenant struct {
	ID   string
	CNPJ string
}

// Monitor aggregates health status from cursors, jobs and the dead-letter queue.
type Monitor struct {
	tenants    []Tenant
	cursors    storage.CursorRepository
	jobs       storage.JobRepository
	failedRepo storage.FailedDocumentRepository
	now        func() time.Time
	lastCheck  time.Time
	lastReport map[string]TenantHealth
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. failedRepo may be nil.
func NewMonitor(
	tenants []Tenant,
	cursors storage.CursorRepository,
	jobs storage.JobRepository,
	failedRepo storage.FailedDocumentRepository,
) *Monitor {
	return &Monitor{
		tenants:    tenants,
		cursors:    cursors,
		jobs:       jobs,
		failedRepo: failedRepo,
		now:        time.Now,
		lastReport: make(map[string]TenantHealth),
	}
}

// CheckHealth performs a health check for all tenants.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]TenantHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	// Rate limit checks (max once per 10s) to spare the database
	if now.Sub(m.lastCheck) < 10*time.Second && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]TenantHealth)

	for _, tenant := range m.tenants {
		health := TenantHealth{
			TenantID: tenant.ID,
			CNPJ:     tenant.CNPJ,
			Status:   StatusHealthy,
		}
		blocked := false

		// 1. Cursor position and throttle window
		c, err := m.cursors.Get(ctx, tenant.ID, tenant.CNPJ)
		switch {
		case err == nil:
			health.LastNSU = c.LastNSU
			health.MaxNSU = c.MaxNSU
			if c.MaxNSU > c.LastNSU {
				health.Lag = c.MaxNSU - c.LastNSU
			}
			health.LastSyncedAt = c.LastSyncedAt
			if c.IsBlocked(now) {
				health.BlockedUntil = c.BlockedUntil
				blocked = true
			}
		case !errors.Is(err, storage.ErrCursorNotFound):
			health.Status = StatusDegraded
		}

		// 2. Last job
		job, err := m.jobs.Latest(ctx, tenant.ID, tenant.CNPJ)
		if err != nil {
			health.Status = StatusDegraded
		} else if job != nil {
			health.LastJobOutcome = string(job.Outcome)
			health.LastJobMessage = job.Message
		}

		// 3. Dead-letter queue
		if m.failedRepo != nil {
			if count, err := m.failedRepo.Count(ctx, tenant.ID, tenant.CNPJ); err == nil {
				health.FailedDocuments = count
			}
		}

		// Evaluate Status
		switch {
		case job != nil && job.Outcome == domain.JobOutcomeError:
			health.Status = StatusCritical
		case blocked,
			job != nil && job.Outcome == domain.JobOutcomePartial,
			health.FailedDocuments > 0:
			health.Status = StatusDegraded
		}

		report[domain.CursorKey(tenant.ID, tenant.CNPJ)] = health
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}
