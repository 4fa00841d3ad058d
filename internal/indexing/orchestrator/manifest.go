package orchestrator

import (
	"context"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/storage"
	"github.com/vietddude/dfesync/internal/signing"
)

// autoManifest acknowledges (210210) the documents imported by this sync that still wait
// for a manifestation. Failures are logged and never fail the job.
func (o *Orchestrator) autoManifest(ctx context.Context, req Request, keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	pending, err := o.docs.ListUnmanifested(ctx, req.TenantID, req.CNPJ, keys, o.cfg.ManifestLimit)
	if err != nil {
		o.logger.Warn("Auto-manifest skipped, listing failed",
			"tenant", req.TenantID,
			"error", err,
		)
		return 0
	}

	pending = uniqueDocuments(pending)

	accepted := 0
	for start := 0; start < len(pending); start += soap.MaxEventsPerBatch {
		end := min(start+soap.MaxEventsPerBatch, len(pending))
		batch := make([]signing.ManifestRequest, 0, end-start)
		for _, d := range pending[start:end] {
			batch = append(batch, signing.ManifestRequest{
				AccessKey: d.AccessKey,
				Type:      domain.ManifestationAcknowledgment,
				Sequence:  1,
			})
		}

		results, err := o.manifester.ManifestBatch(ctx, batch)
		if err != nil {
			o.logger.Warn("Auto-manifest batch failed",
				"tenant", req.TenantID,
				"documents", len(batch),
				"error", err,
			)
			continue
		}
		accepted += o.recordResults(ctx, req, results)
	}

	o.logger.Info("Auto-manifest finished",
		"tenant", req.TenantID,
		"pending", len(pending),
		"accepted", accepted,
	)
	return accepted
}

// uniqueDocuments drops repeated access keys; one envEvento cannot carry two events
// with the same Id.
func uniqueDocuments(docs []*domain.FiscalDocument) []*domain.FiscalDocument {
	seen := make(map[string]struct{}, len(docs))
	out := docs[:0:0]
	for _, d := range docs {
		if _, ok := seen[d.AccessKey]; ok {
			continue
		}
		seen[d.AccessKey] = struct{}{}
		out = append(out, d)
	}
	return out
}

func (o *Orchestrator) recordResults(ctx context.Context, req Request, results []*signing.ManifestResult) int {
	accepted := 0
	for _, r := range results {
		if r.StatusCode == "" {
			o.logger.Warn("No manifestation result returned",
				"tenant", req.TenantID,
				"key", r.AccessKey,
			)
			continue
		}
		ok := r.Accepted || r.Duplicate
		at := r.RegisteredAt
		if at.IsZero() {
			at = o.now()
		}
		err := o.docs.RecordManifestation(ctx, r.AccessKey, storage.ManifestationRecord{
			Type:     r.Type,
			Status:   r.StatusCode,
			Message:  r.StatusMessage,
			Accepted: ok,
			At:       at,
		})
		if err != nil {
			o.logger.Warn("Failed to record manifestation",
				"tenant", req.TenantID,
				"key", r.AccessKey,
				"error", err,
			)
		}
		if ok {
			accepted++
		} else {
			o.logger.Warn("Manifestation rejected",
				"tenant", req.TenantID,
				"key", r.AccessKey,
				"cstat", r.StatusCode,
				"motivo", r.StatusMessage,
			)
		}
	}
	return accepted
}
