package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

type MemoryStorage struct {
	cursors   map[string]*domain.SyncCursor
	documents map[string]*domain.FiscalDocument
	jobs      []*domain.SyncJob
	failed    map[string][]*domain.FailedDocument
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cursors:   make(map[string]*domain.SyncCursor),
		documents: make(map[string]*domain.FiscalDocument),
		failed:    make(map[string][]*domain.FailedDocument),
	}
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(ctx context.Context, tenantID, cnpj string) (*domain.SyncCursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.cursors[domain.CursorKey(tenantID, cnpj)]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	out := *c
	return &out, nil
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.SyncCursor) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *cursor
	c.UpdatedAt = time.Now()
	r.store.cursors[cursor.Key()] = &c
	return nil
}

func (r *CursorRepo) List(ctx context.Context) ([]*domain.SyncCursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.SyncCursor, 0, len(r.store.cursors))
	for _, c := range r.store.cursors {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// -----------------------------------------------------------------------------
// Document Repository
// -----------------------------------------------------------------------------

type DocumentRepo struct {
	store *MemoryStorage
}

func NewDocumentRepo(store *MemoryStorage) *DocumentRepo {
	return &DocumentRepo{store: store}
}

func (r *DocumentRepo) Get(ctx context.Context, accessKey string) (*domain.FiscalDocument, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	d, ok := r.store.documents[accessKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (r *DocumentRepo) Upsert(
	ctx context.Context,
	doc *domain.FiscalDocument,
) (*domain.FiscalDocument, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	merged := domain.MergeDocument(r.store.documents[doc.AccessKey], doc)
	r.store.documents[doc.AccessKey] = merged
	out := *merged
	return &out, nil
}

func (r *DocumentRepo) ListUnmanifested(
	ctx context.Context,
	tenantID, cnpj string,
	keys []string,
	limit int,
) ([]*domain.FiscalDocument, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	candidates := make([]*domain.FiscalDocument, 0)
	if len(keys) > 0 {
		seen := make(map[string]bool, len(keys))
		for _, k := range keys {
			if d, ok := r.store.documents[k]; ok && !seen[k] {
				seen[k] = true
				candidates = append(candidates, d)
			}
		}
	} else {
		for _, d := range r.store.documents {
			candidates = append(candidates, d)
		}
	}

	var out []*domain.FiscalDocument
	for _, d := range candidates {
		if d.TenantID != tenantID || d.CNPJ != cnpj || d.Manifested() {
			continue
		}
		switch d.Status {
		case domain.DocumentStatusReceived,
			domain.DocumentStatusAuthorized,
			domain.DocumentStatusXMLAvailable:
		default:
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NSU < out[j].NSU })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DocumentRepo) RecordManifestation(
	ctx context.Context,
	accessKey string,
	rec storage.ManifestationRecord,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	d, ok := r.store.documents[accessKey]
	if !ok {
		return domain.ErrNotFound
	}
	d.ManifestationType = string(rec.Type)
	d.ManifestationStatus = rec.Status
	d.ManifestationMessage = rec.Message
	if rec.Accepted {
		at := rec.At
		d.ManifestedAt = &at
	}
	return nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.SyncJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j := *job
	r.store.jobs = append(r.store.jobs, &j)
	return nil
}

func (r *JobRepo) Close(ctx context.Context, job *domain.SyncJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for i, j := range r.store.jobs {
		if j.ID == job.ID {
			if !j.Open() {
				return storage.ErrJobClosed
			}
			closed := *job
			r.store.jobs[i] = &closed
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *JobRepo) FindOpen(
	ctx context.Context,
	tenantID, cnpj string,
	since time.Time,
) (*domain.SyncJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for i := len(r.store.jobs) - 1; i >= 0; i-- {
		j := r.store.jobs[i]
		if j.TenantID == tenantID && j.CNPJ == cnpj && j.Open() && j.StartedAt.After(since) {
			out := *j
			return &out, nil
		}
	}
	return nil, nil
}

func (r *JobRepo) CloseStale(ctx context.Context, before time.Time, message string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now()
	n := 0
	for _, j := range r.store.jobs {
		if j.Open() && j.StartedAt.Before(before) {
			ended := now
			j.EndedAt = &ended
			j.Outcome = domain.JobOutcomeError
			j.Message = message
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) Latest(ctx context.Context, tenantID, cnpj string) (*domain.SyncJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for i := len(r.store.jobs) - 1; i >= 0; i-- {
		j := r.store.jobs[i]
		if j.TenantID == tenantID && j.CNPJ == cnpj {
			out := *j
			return &out, nil
		}
	}
	return nil, nil
}

// All returns every job in insertion order.
func (r *JobRepo) All() []*domain.SyncJob {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.SyncJob, 0, len(r.store.jobs))
	for _, j := range r.store.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// -----------------------------------------------------------------------------
// Failed Document Repository
// -----------------------------------------------------------------------------

type FailedRepo struct {
	store *MemoryStorage
}

func NewFailedRepo(store *MemoryStorage) *FailedRepo {
	return &FailedRepo{store: store}
}

// Add stores a failed payload. An entry with the same ID is merged, not duplicated.
func (r *FailedRepo) Add(ctx context.Context, doc *domain.FailedDocument) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	key := domain.CursorKey(doc.TenantID, doc.CNPJ)
	for i, existing := range r.store.failed[key] {
		if existing.ID == doc.ID {
			r.store.failed[key][i] = domain.MergeFailedDocument(existing, doc)
			return nil
		}
	}
	r.store.failed[key] = append(r.store.failed[key], domain.MergeFailedDocument(nil, doc))
	return nil
}

func (r *FailedRepo) GetAll(
	ctx context.Context,
	tenantID, cnpj string,
) ([]*domain.FailedDocument, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	list := r.store.failed[domain.CursorKey(tenantID, cnpj)]
	out := make([]*domain.FailedDocument, 0, len(list))
	for _, d := range list {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (r *FailedRepo) MarkResolved(ctx context.Context, tenantID, cnpj, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := domain.CursorKey(tenantID, cnpj)
	list := r.store.failed[key]
	for i, d := range list {
		if d.ID == id {
			r.store.failed[key] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *FailedRepo) Count(ctx context.Context, tenantID, cnpj string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.failed[domain.CursorKey(tenantID, cnpj)]), nil
}
