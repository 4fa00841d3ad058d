// Package ingest classifies distributed documents and persists them idempotently.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/etree"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/metrics"
	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/storage"
)

// Scope identifies the tenant a batch belongs to.
type Scope struct {
	TenantID string
	CNPJ     string
}

// Result partitions a batch: Imported+Skipped+Failed equals the number of inputs.
type Result struct {
	Imported int
	Skipped  int
	Failed   int
	// Keys are the access keys of imported summary and full documents.
	Keys   []string
	Errors []error
}

// Total returns the number of documents accounted for.
func (r Result) Total() int {
	return r.Imported + r.Skipped + r.Failed
}

type outcome int

const (
	outcomeImported outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeImported:
		return "imported"
	case outcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Ingestor persists documents through the document repository. Failed payloads are
// pushed to the dead-letter repository when one is configured.
type Ingestor struct {
	docs   storage.DocumentRepository
	failed storage.FailedDocumentRepository
	now    func() time.Time
	logger *slog.Logger
}

// NewIngestor creates an ingestor. deadLetter may be nil.
func NewIngestor(docs storage.DocumentRepository, deadLetter storage.FailedDocumentRepository) *Ingestor {
	return &Ingestor{
		docs:   docs,
		failed: deadLetter,
		now:    time.Now,
		logger: slog.Default().With("component", "ingest"),
	}
}

// addKey records an imported access key once, in arrival order.
func (r *Result) addKey(seen map[string]struct{}, key string) {
	if key == "" {
		return
	}
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = struct{}{}
	r.Keys = append(r.Keys, key)
}

// Ingest processes every document independently. A failing document never aborts the batch.
// Keys holds each access key once even when its summary and full document share the batch.
func (i *Ingestor) Ingest(ctx context.Context, scope Scope, docs []soap.Document) Result {
	var res Result
	seen := make(map[string]struct{})
	for _, doc := range docs {
		kind := Classify(doc.Schema)
		out, key, err := i.ingestOne(ctx, scope, kind, doc)

		switch out {
		case outcomeImported:
			res.Imported++
			res.addKey(seen, key)
		case outcomeSkipped:
			res.Skipped++
			i.logger.Debug("Document skipped",
				"tenant", scope.TenantID,
				"nsu", doc.NSU,
				"schema", doc.Schema,
				"reason", err,
			)
		case outcomeFailed:
			res.Failed++
			ierr := &domain.IngestionError{NSU: doc.NSU, Schema: doc.Schema, Err: err}
			res.Errors = append(res.Errors, ierr)
			i.logger.Warn("Document ingestion failed",
				"tenant", scope.TenantID,
				"nsu", doc.NSU,
				"schema", doc.Schema,
				"error", err,
			)
			i.deadLetterDocument(ctx, scope, doc, err)
		}
		metrics.DocumentsIngested.WithLabelValues(scope.TenantID, kind.String(), out.String()).Inc()
	}
	return res
}

func (i *Ingestor) ingestOne(
	ctx context.Context,
	scope Scope,
	kind Kind,
	doc soap.Document,
) (outcome, string, error) {
	if kind == KindUnknown {
		return outcomeSkipped, "", fmt.Errorf("unknown schema %q", doc.Schema)
	}

	root, err := parseXML(doc.XML)
	if err != nil {
		return outcomeFailed, "", err
	}

	switch kind {
	case KindSummary:
		return i.ingestSummary(ctx, scope, doc, root)
	case KindFull:
		return i.ingestFull(ctx, scope, doc, root)
	case KindEvent:
		return i.ingestEvent(ctx, scope, doc, root)
	default:
		return outcomeSkipped, "", fmt.Errorf("unhandled kind %s", kind)
	}
}

func (i *Ingestor) ingestSummary(
	ctx context.Context,
	scope Scope,
	doc soap.Document,
	root *etree.Element,
) (outcome, string, error) {
	s, err := extractSummary(root)
	if err != nil {
		return outcomeSkipped, "", err
	}
	_, err = i.docs.Upsert(ctx, &domain.FiscalDocument{
		AccessKey:   s.AccessKey,
		TenantID:    scope.TenantID,
		CNPJ:        scope.CNPJ,
		NSU:         doc.NSU,
		SchemaKind:  domain.SchemaKindSummary,
		IssuerName:  s.IssuerName,
		IssuerTaxID: s.IssuerTaxID,
		Amount:      s.Amount,
		IssueDate:   s.IssueDate,
		Status:      s.Status,
		UpdatedAt:   i.now(),
	})
	if err != nil {
		return outcomeFailed, "", fmt.Errorf("upsert summary %s: %w", s.AccessKey, err)
	}
	return outcomeImported, s.AccessKey, nil
}

func (i *Ingestor) ingestFull(
	ctx context.Context,
	scope Scope,
	doc soap.Document,
	root *etree.Element,
) (outcome, string, error) {
	f, err := extractFull(root)
	if err != nil {
		return outcomeSkipped, "", err
	}
	raw := doc.XML
	ref := StorageRef(scope.CNPJ, f.AccessKey)
	_, err = i.docs.Upsert(ctx, &domain.FiscalDocument{
		AccessKey:      f.AccessKey,
		TenantID:       scope.TenantID,
		CNPJ:           scope.CNPJ,
		NSU:            doc.NSU,
		SchemaKind:     domain.SchemaKindFull,
		IssuerName:     f.IssuerName,
		IssuerTaxID:    f.IssuerTaxID,
		RecipientName:  f.RecipientName,
		RecipientTaxID: f.RecipientTaxID,
		Amount:         f.Amount,
		IssueDate:      f.IssueDate,
		Status:         domain.DocumentStatusXMLAvailable,
		RawXML:         &raw,
		StorageRef:     &ref,
		UpdatedAt:      i.now(),
	})
	if err != nil {
		return outcomeFailed, "", fmt.Errorf("upsert document %s: %w", f.AccessKey, err)
	}
	return outcomeImported, f.AccessKey, nil
}

// ingestEvent projects cancellations onto the document. When the document has not
// arrived yet a canceled placeholder row is written so later payloads cannot revert it.
func (i *Ingestor) ingestEvent(
	ctx context.Context,
	scope Scope,
	doc soap.Document,
	root *etree.Element,
) (outcome, string, error) {
	ev, err := extractEvent(root)
	if err != nil {
		return outcomeSkipped, "", err
	}
	if !domain.IsCancellation(ev.EventType) {
		return outcomeImported, "", nil
	}
	_, err = i.docs.Upsert(ctx, &domain.FiscalDocument{
		AccessKey:  ev.AccessKey,
		TenantID:   scope.TenantID,
		CNPJ:       scope.CNPJ,
		NSU:        doc.NSU,
		SchemaKind: domain.SchemaKindEvent,
		Status:     domain.DocumentStatusCanceled,
		UpdatedAt:  i.now(),
	})
	if err != nil {
		return outcomeFailed, "", fmt.Errorf("mark %s canceled: %w", ev.AccessKey, err)
	}
	return outcomeImported, "", nil
}

func (i *Ingestor) deadLetterDocument(ctx context.Context, scope Scope, doc soap.Document, cause error) {
	i.deadLetter(ctx, scope, &domain.FailedDocument{
		ID:        domain.FailedDocumentID(doc.NSU, doc.XML),
		TenantID:  scope.TenantID,
		CNPJ:      scope.CNPJ,
		NSU:       doc.NSU,
		Schema:    doc.Schema,
		Reason:    cause.Error(),
		Payload:   doc.XML,
		CreatedAt: i.now(),
	})
}

// DeadLetterUndecoded queues docZip entries that could not be decoded, keeping the raw
// content so a replay can decode them again.
func (i *Ingestor) DeadLetterUndecoded(ctx context.Context, scope Scope, failures []soap.DocumentFailure) {
	for _, f := range failures {
		i.logger.Warn("Document could not be decoded",
			"tenant", scope.TenantID,
			"nsu", f.NSU,
			"schema", f.Schema,
			"error", f.Err,
		)
		metrics.DocumentsIngested.WithLabelValues(scope.TenantID, "undecoded", outcomeFailed.String()).Inc()
		i.deadLetter(ctx, scope, &domain.FailedDocument{
			ID:        domain.FailedDocumentID(f.NSU, f.Raw),
			TenantID:  scope.TenantID,
			CNPJ:      scope.CNPJ,
			NSU:       f.NSU,
			Schema:    f.Schema,
			Reason:    f.Err.Error(),
			Payload:   f.Raw,
			Encoded:   true,
			CreatedAt: i.now(),
		})
	}
}

func (i *Ingestor) deadLetter(ctx context.Context, scope Scope, fd *domain.FailedDocument) {
	if i.failed == nil {
		return
	}
	if err := i.failed.Add(ctx, fd); err != nil {
		i.logger.Error("Failed to dead-letter document",
			"tenant", scope.TenantID,
			"nsu", fd.NSU,
			"error", err,
		)
	}
}

// Replay re-ingests dead-lettered payloads and resolves every entry that no longer fails.
// Encoded entries are decoded first.
func (i *Ingestor) Replay(ctx context.Context, scope Scope, failed []*domain.FailedDocument) Result {
	var res Result
	seen := make(map[string]struct{})
	for _, fd := range failed {
		doc := soap.Document{NSU: fd.NSU, Schema: fd.Schema, XML: fd.Payload}
		var (
			out outcome
			key string
			err error
		)
		if fd.Encoded {
			doc.XML, err = soap.DecodeDocZip(fd.Payload)
			if err != nil {
				out = outcomeFailed
			}
		}
		if err == nil {
			out, key, err = i.ingestOne(ctx, scope, Classify(fd.Schema), doc)
		}
		switch out {
		case outcomeImported:
			res.Imported++
			res.addKey(seen, key)
		case outcomeSkipped:
			res.Skipped++
		case outcomeFailed:
			res.Failed++
			res.Errors = append(res.Errors, &domain.IngestionError{NSU: fd.NSU, Schema: fd.Schema, Err: err})
			continue
		}
		if i.failed != nil {
			if err := i.failed.MarkResolved(ctx, scope.TenantID, scope.CNPJ, fd.ID); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("resolve %s: %w", fd.ID, err))
			}
		}
	}
	return res
}

// StorageRef is the object key under which the full XML is rendered downstream.
func StorageRef(cnpj, accessKey string) string {
	return fmt.Sprintf("nfe/%s/%s.xml", cnpj, accessKey)
}
