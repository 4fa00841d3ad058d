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

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

type cursorRow struct {
	TenantID       string         `db:"tenant_id"`
	CNPJ           string         `db:"cnpj"`
	LastNSU        int64          `db:"last_nsu"`
	MaxNSU         int64          `db:"max_nsu"`
	LastSyncedAt   sql.NullTime   `db:"last_synced_at"`
	LastStatusCode sql.NullString `db:"last_status_code"`
	BlockedUntil   sql.NullTime   `db:"blocked_until"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (row cursorRow) toDomain() *domain.SyncCursor {
	return &domain.SyncCursor{
		TenantID:       row.TenantID,
		CNPJ:           row.CNPJ,
		LastNSU:        uint64(row.LastNSU),
		MaxNSU:         uint64(row.MaxNSU),
		LastSyncedAt:   timePtr(row.LastSyncedAt),
		LastStatusCode: row.LastStatusCode.String,
		BlockedUntil:   timePtr(row.BlockedUntil),
		UpdatedAt:      row.UpdatedAt,
	}
}

const cursorColumns = `tenant_id, cnpj, last_nsu, max_nsu, last_synced_at, last_status_code, blocked_until, updated_at`

// Get retrieves a cursor by tenant and tax id.
func (r *CursorRepo) Get(ctx context.Context, tenantID, cnpj string) (*domain.SyncCursor, error) {
	var row cursorRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+cursorColumns+` FROM sync_cursors WHERE tenant_id = $1 AND cnpj = $2`,
		tenantID, cnpj,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return row.toDomain(), nil
}

// Save upserts the cursor in a single statement.
func (r *CursorRepo) Save(ctx context.Context, cursor *domain.SyncCursor) error {
	query := `
		INSERT INTO sync_cursors (tenant_id, cnpj, last_nsu, max_nsu, last_synced_at, last_status_code, blocked_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NOW())
		ON CONFLICT (tenant_id, cnpj) DO UPDATE SET
			last_nsu = EXCLUDED.last_nsu,
			max_nsu = EXCLUDED.max_nsu,
			last_synced_at = EXCLUDED.last_synced_at,
			last_status_code = EXCLUDED.last_status_code,
			blocked_until = EXCLUDED.blocked_until,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		cursor.TenantID,
		cursor.CNPJ,
		int64(cursor.LastNSU),
		int64(cursor.MaxNSU),
		nullTime(cursor.LastSyncedAt),
		cursor.LastStatusCode,
		nullTime(cursor.BlockedUntil),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// List returns all cursors ordered by tenant.
func (r *CursorRepo) List(ctx context.Context) ([]*domain.SyncCursor, error) {
	var rows []cursorRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+cursorColumns+` FROM sync_cursors ORDER BY tenant_id, cnpj`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	out := make([]*domain.SyncCursor, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
