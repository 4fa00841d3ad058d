package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/dfesync/internal/core/domain"
)

var (
	// ErrCursorNotFound is returned when a cursor doesn't exist
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrJobClosed is returned when closing a job that was already closed
	ErrJobClosed = errors.New("sync job already closed")
)

// CursorRepository handles sync cursor storage operations
type CursorRepository interface {
	// Get retrieves the cursor for a tenant and tax id
	Get(ctx context.Context, tenantID, cnpj string) (*domain.SyncCursor, error)

	// Save inserts or replaces the cursor (single atomic write)
	Save(ctx context.Context, cursor *domain.SyncCursor) error

	// List returns every known cursor
	List(ctx context.Context) ([]*domain.SyncCursor, error)
}

// DocumentRepository handles fiscal document storage operations
type DocumentRepository interface {
	// Get retrieves a document by access key
	Get(ctx context.Context, accessKey string) (*domain.FiscalDocument, error)

	// Upsert merges doc into the row with the same access key (domain.MergeDocument)
	// and returns the stored result
	Upsert(ctx context.Context, doc *domain.FiscalDocument) (*domain.FiscalDocument, error)

	// ListUnmanifested returns documents of a tenant still waiting for a manifestation.
	// When keys is non-empty only those access keys are considered.
	ListUnmanifested(
		ctx context.Context,
		tenantID, cnpj string,
		keys []string,
		limit int,
	) ([]*domain.FiscalDocument, error)

	// RecordManifestation writes the authority reply for a manifestation event
	RecordManifestation(ctx context.Context, accessKey string, rec ManifestationRecord) error
}

// ManifestationRecord is the authority acknowledgment written back onto a document.
type ManifestationRecord struct {
	Type     domain.ManifestationType
	Status   string
	Message  string
	Accepted bool
	At       time.Time
}

// JobRepository handles the append-only sync job log
type JobRepository interface {
	// Create inserts a new open job
	Create(ctx context.Context, job *domain.SyncJob) error

	// Close writes the final counts and outcome of an open job
	Close(ctx context.Context, job *domain.SyncJob) error

	// FindOpen returns the newest open job started after since, or nil
	FindOpen(ctx context.Context, tenantID, cnpj string, since time.Time) (*domain.SyncJob, error)

	// CloseStale closes open jobs started before the given time as errors
	CloseStale(ctx context.Context, before time.Time, message string) (int, error)

	// Latest returns the most recent job for a tenant, or nil
	Latest(ctx context.Context, tenantID, cnpj string) (*domain.SyncJob, error)
}

// FailedDocumentRepository handles the dead-letter queue of payloads that failed ingestion
type FailedDocumentRepository interface {
	// Add adds a failed document
	Add(ctx context.Context, doc *domain.FailedDocument) error

	// GetAll retrieves all failed documents of a tenant
	GetAll(ctx context.Context, tenantID, cnpj string) ([]*domain.FailedDocument, error)

	// MarkResolved removes a failed document
	MarkResolved(ctx context.Context, tenantID, cnpj, id string) error

	// Count returns the number of failed documents of a tenant
	Count(ctx context.Context, tenantID, cnpj string) (int, error)
}
