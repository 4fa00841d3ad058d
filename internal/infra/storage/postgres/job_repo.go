package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL sync job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID            string       `db:"id"`
	TenantID      string       `db:"tenant_id"`
	CNPJ          string       `db:"cnpj"`
	StartedAt     time.Time    `db:"started_at"`
	EndedAt       sql.NullTime `db:"ended_at"`
	NSUStart      int64        `db:"nsu_start"`
	NSUEnd        int64        `db:"nsu_end"`
	CountImported int          `db:"count_imported"`
	CountSkipped  int          `db:"count_skipped"`
	CountFailed   int          `db:"count_failed"`
	Outcome       string       `db:"outcome"`
	Message       string       `db:"message"`
}

func (row jobRow) toDomain() *domain.SyncJob {
	return &domain.SyncJob{
		ID:            row.ID,
		TenantID:      row.TenantID,
		CNPJ:          row.CNPJ,
		StartedAt:     row.StartedAt,
		EndedAt:       timePtr(row.EndedAt),
		NSUStart:      uint64(row.NSUStart),
		NSUEnd:        uint64(row.NSUEnd),
		CountImported: row.CountImported,
		CountSkipped:  row.CountSkipped,
		CountFailed:   row.CountFailed,
		Outcome:       domain.JobOutcome(row.Outcome),
		Message:       row.Message,
	}
}

const jobColumns = `id, tenant_id, cnpj, started_at, ended_at, nsu_start, nsu_end,
	count_imported, count_skipped, count_failed, outcome, message`

// Create inserts an open job.
func (r *JobRepo) Create(ctx context.Context, job *domain.SyncJob) error {
	query := `
		INSERT INTO sync_jobs (id, tenant_id, cnpj, started_at, nsu_start, nsu_end, outcome)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.TenantID, job.CNPJ, job.StartedAt, int64(job.NSUStart), string(job.Outcome),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

// Close writes the final state of an open job, NSU range included. Closing twice returns
// storage.ErrJobClosed.
func (r *JobRepo) Close(ctx context.Context, job *domain.SyncJob) error {
	query := `
		UPDATE sync_jobs SET
			ended_at = $2,
			nsu_start = $3,
			nsu_end = $4,
			count_imported = $5,
			count_skipped = $6,
			count_failed = $7,
			outcome = $8,
			message = $9
		WHERE id = $1 AND ended_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query,
		job.ID,
		nullTime(job.EndedAt),
		int64(job.NSUStart),
		int64(job.NSUEnd),
		job.CountImported,
		job.CountSkipped,
		job.CountFailed,
		string(job.Outcome),
		job.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to close sync job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to close sync job: %w", err)
	}
	if n == 0 {
		return storage.ErrJobClosed
	}
	return nil
}

// FindOpen returns the newest open job started after since.
func (r *JobRepo) FindOpen(
	ctx context.Context,
	tenantID, cnpj string,
	since time.Time,
) (*domain.SyncJob, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE tenant_id = $1 AND cnpj = $2 AND ended_at IS NULL AND started_at > $3
		ORDER BY started_at DESC
		LIMIT 1
	`, tenantID, cnpj, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open sync job: %w", err)
	}
	return row.toDomain(), nil
}

// CloseStale marks abandoned open jobs as errors.
func (r *JobRepo) CloseStale(ctx context.Context, before time.Time, message string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_jobs SET ended_at = NOW(), outcome = 'error', message = $2
		WHERE ended_at IS NULL AND started_at < $1
	`, before, message)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sync jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sync jobs: %w", err)
	}
	return int(n), nil
}

// Latest returns the most recent job for a tenant.
func (r *JobRepo) Latest(ctx context.Context, tenantID, cnpj string) (*domain.SyncJob, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE tenant_id = $1 AND cnpj = $2
		ORDER BY started_at DESC
		LIMIT 1
	`, tenantID, cnpj)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync job: %w", err)
	}
	return row.toDomain(), nil
}
