package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

// DocumentRepo implements storage.DocumentRepository using PostgreSQL.
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new PostgreSQL fiscal document repository.
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

type documentRow struct {
	AccessKey            string         `db:"access_key"`
	TenantID             string         `db:"tenant_id"`
	CNPJ                 string         `db:"cnpj"`
	NSU                  int64          `db:"nsu"`
	SchemaKind           string         `db:"schema_kind"`
	IssuerName           string         `db:"issuer_name"`
	IssuerTaxID          string         `db:"issuer_tax_id"`
	RecipientName        string         `db:"recipient_name"`
	RecipientTaxID       string         `db:"recipient_tax_id"`
	Amount               string         `db:"amount"`
	IssueDate            sql.NullTime   `db:"issue_date"`
	Status               string         `db:"status"`
	RawXML               sql.NullString `db:"raw_xml"`
	StorageRef           sql.NullString `db:"storage_ref"`
	ManifestationType    string         `db:"manifestation_type"`
	ManifestationStatus  string         `db:"manifestation_status"`
	ManifestationMessage string         `db:"manifestation_message"`
	ManifestedAt         sql.NullTime   `db:"manifested_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (row documentRow) toDomain() *domain.FiscalDocument {
	return &domain.FiscalDocument{
		AccessKey:            row.AccessKey,
		TenantID:             row.TenantID,
		CNPJ:                 row.CNPJ,
		NSU:                  uint64(row.NSU),
		SchemaKind:           domain.SchemaKind(row.SchemaKind),
		IssuerName:           row.IssuerName,
		IssuerTaxID:          row.IssuerTaxID,
		RecipientName:        row.RecipientName,
		RecipientTaxID:       row.RecipientTaxID,
		Amount:               row.Amount,
		IssueDate:            timePtr(row.IssueDate),
		Status:               domain.DocumentStatus(row.Status),
		RawXML:               stringPtr(row.RawXML),
		StorageRef:           stringPtr(row.StorageRef),
		ManifestationType:    row.ManifestationType,
		ManifestationStatus:  row.ManifestationStatus,
		ManifestationMessage: row.ManifestationMessage,
		ManifestedAt:         timePtr(row.ManifestedAt),
		UpdatedAt:            row.UpdatedAt,
	}
}

const documentColumns = `access_key, tenant_id, cnpj, nsu, schema_kind, issuer_name, issuer_tax_id,
	recipient_name, recipient_tax_id, COALESCE(amount::text, '') AS amount, issue_date, status,
	raw_xml, storage_ref, manifestation_type, manifestation_status, manifestation_message,
	manifested_at, updated_at`

// Get retrieves a document by access key.
func (r *DocumentRepo) Get(ctx context.Context, accessKey string) (*domain.FiscalDocument, error) {
	return getDocument(ctx, r.db, accessKey, false)
}

type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

func getDocument(
	ctx context.Context,
	q queryer,
	accessKey string,
	forUpdate bool,
) (*domain.FiscalDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM fiscal_documents WHERE access_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row documentRow
	err := q.GetContext(ctx, &row, query, accessKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return row.toDomain(), nil
}

// Upsert locks the current row, merges the incoming payload into it and writes the result.
func (r *DocumentRepo) Upsert(
	ctx context.Context,
	doc *domain.FiscalDocument,
) (*domain.FiscalDocument, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// A concurrent insert of the same key blocks here until it commits.
	fresh := domain.MergeDocument(nil, doc)
	if fresh.UpdatedAt.IsZero() {
		fresh.UpdatedAt = time.Now()
	}
	inserted, err := insertDocument(ctx, tx, fresh)
	if err != nil {
		return nil, err
	}
	if inserted {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit document upsert: %w", err)
		}
		return fresh, nil
	}

	existing, err := getDocument(ctx, tx, doc.AccessKey, true)
	if err != nil {
		return nil, err
	}
	merged := domain.MergeDocument(existing, doc)
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = time.Now()
	}
	if err := writeDocument(ctx, tx, merged); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit document upsert: %w", err)
	}
	return merged, nil
}

const insertDocumentQuery = `
	INSERT INTO fiscal_documents (
		access_key, tenant_id, cnpj, nsu, schema_kind, issuer_name, issuer_tax_id,
		recipient_name, recipient_tax_id, amount, issue_date, status, raw_xml, storage_ref,
		manifestation_type, manifestation_status, manifestation_message, manifested_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::numeric, $11, $12, $13, $14,
		$15, $16, $17, $18, $19
	)
`

func documentArgs(d *domain.FiscalDocument) []any {
	return []any{
		d.AccessKey,
		d.TenantID,
		d.CNPJ,
		int64(d.NSU),
		string(d.SchemaKind),
		d.IssuerName,
		d.IssuerTaxID,
		d.RecipientName,
		d.RecipientTaxID,
		d.Amount,
		nullTime(d.IssueDate),
		string(d.Status),
		nullString(d.RawXML),
		nullString(d.StorageRef),
		d.ManifestationType,
		d.ManifestationStatus,
		d.ManifestationMessage,
		nullTime(d.ManifestedAt),
		d.UpdatedAt,
	}
}

// insertDocument reports false when the key already exists.
func insertDocument(ctx context.Context, tx *sqlx.Tx, d *domain.FiscalDocument) (bool, error) {
	res, err := tx.ExecContext(ctx, insertDocumentQuery+`ON CONFLICT (access_key) DO NOTHING`,
		documentArgs(d)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert document %s: %w", d.AccessKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert document %s: %w", d.AccessKey, err)
	}
	return n == 1, nil
}

// writeDocument stores a merged document over the locked row.
func writeDocument(ctx context.Context, tx *sqlx.Tx, d *domain.FiscalDocument) error {
	query := insertDocumentQuery + `
		ON CONFLICT (access_key) DO UPDATE SET
			nsu = EXCLUDED.nsu,
			schema_kind = EXCLUDED.schema_kind,
			issuer_name = EXCLUDED.issuer_name,
			issuer_tax_id = EXCLUDED.issuer_tax_id,
			recipient_name = EXCLUDED.recipient_name,
			recipient_tax_id = EXCLUDED.recipient_tax_id,
			amount = EXCLUDED.amount,
			issue_date = EXCLUDED.issue_date,
			status = EXCLUDED.status,
			raw_xml = EXCLUDED.raw_xml,
			storage_ref = EXCLUDED.storage_ref,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, documentArgs(d)...); err != nil {
		return fmt.Errorf("failed to write document %s: %w", d.AccessKey, err)
	}
	return nil
}

// ListUnmanifested returns documents still waiting for a recipient manifestation.
func (r *DocumentRepo) ListUnmanifested(
	ctx context.Context,
	tenantID, cnpj string,
	keys []string,
	limit int,
) ([]*domain.FiscalDocument, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT ` + documentColumns + ` FROM fiscal_documents
		WHERE tenant_id = $1 AND cnpj = $2
			AND manifested_at IS NULL
			AND status IN ('received', 'authorized', 'xml_available')
			AND (cardinality($3::text[]) = 0 OR access_key = ANY($3::text[]))
		ORDER BY nsu
		LIMIT $4
	`
	if keys == nil {
		keys = []string{}
	}
	var rows []documentRow
	if err := r.db.SelectContext(ctx, &rows, query, tenantID, cnpj, pq.Array(keys), limit); err != nil {
		return nil, fmt.Errorf("failed to list unmanifested documents: %w", err)
	}
	out := make([]*domain.FiscalDocument, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// RecordManifestation stores the authority reply; ManifestedAt is only set when accepted.
func (r *DocumentRepo) RecordManifestation(
	ctx context.Context,
	accessKey string,
	rec storage.ManifestationRecord,
) error {
	var manifestedAt *time.Time
	if rec.Accepted {
		manifestedAt = &rec.At
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE fiscal_documents SET
			manifestation_type = $2,
			manifestation_status = $3,
			manifestation_message = $4,
			manifested_at = COALESCE($5, manifested_at),
			updated_at = NOW()
		WHERE access_key = $1
	`, accessKey, string(rec.Type), rec.Status, rec.Message, nullTime(manifestedAt))
	if err != nil {
		return fmt.Errorf("failed to record manifestation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record manifestation: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
