package syncer

import (
	"context"
	"fmt"

	"github.com/vietddude/dfesync/internal/core/cursor"
	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/ingest"
	"github.com/vietddude/dfesync/internal/infra/soap"
)

// Lookup selects a single document by access key, or by NSU when AccessKey is empty.
type Lookup struct {
	AccessKey string
	NSU       uint64
}

// Consult fetches one document outside the NSU window and ingests it. The cursor is
// never moved, but a throttle reply still blocks the tenant.
func (m *Machine) Consult(ctx context.Context, target Target, lookup Lookup) (*Result, error) {
	r := &run{target: target, state: cursor.StateIdle, res: &Result{}}
	defer func() {
		if r.state.Terminal() {
			m.enter(r, cursor.StateIdle, "lookup finished")
		}
	}()

	c, err := m.cursors.Load(ctx, target.TenantID, target.CNPJ)
	if err != nil {
		r.res.State = cursor.StateError
		return r.res, fmt.Errorf("load cursor: %w", err)
	}
	r.res.NSUStart = c.LastNSU
	r.res.NSUEnd = c.LastNSU

	if c.IsBlocked(m.now()) {
		until := *c.BlockedUntil
		r.res.BlockedUntil = &until
		m.enter(r, cursor.StateBlocked, "throttle window active")
		return r.res, &domain.ThrottledError{Until: until, Message: "tenant still blocked"}
	}

	m.enter(r, cursor.StatePolling, "lookup started")

	body, err := soap.BuildConsultRequest(soap.ConsultRequest{
		Environment: m.cfg.Environment,
		UFCode:      target.UFCode,
		TaxID:       target.CNPJ,
		AccessKey:   lookup.AccessKey,
		NSU:         lookup.NSU,
	})
	if err != nil {
		m.enter(r, cursor.StateError, err.Error())
		return r.res, &domain.ConfigurationError{Reason: "build consult request", Err: err}
	}

	resp, err := m.exchange(ctx, body)
	r.res.Iterations = 1
	if err != nil {
		m.enter(r, cursor.StateError, err.Error())
		return r.res, err
	}
	r.res.StatusCode = resp.StatusCode
	r.res.StatusMessage = resp.StatusMessage
	r.res.MaxNSU = resp.MaxNSU

	switch resp.StatusCode {
	case soap.StatusNoDocuments, soap.StatusDocumentsFound:
	case soap.StatusThrottled:
		return m.block(ctx, r, c, resp, 0)
	default:
		perr := &domain.ProtocolError{Code: resp.StatusCode, Message: resp.StatusMessage}
		m.enter(r, cursor.StateError, perr.Error())
		return r.res, perr
	}

	scope := ingest.Scope{TenantID: target.TenantID, CNPJ: target.CNPJ}
	res := m.ingestor.Ingest(ctx, scope, resp.Documents)
	m.ingestor.DeadLetterUndecoded(ctx, scope, resp.Failures)
	r.res.Imported = res.Imported
	r.res.Skipped = res.Skipped
	r.res.Failed = res.Failed + len(resp.Failures)
	r.res.Keys = res.Keys

	m.enter(r, cursor.StateSuccess, "lookup ingested")
	m.logger.Info("Point lookup processed",
		"tenant", target.TenantID,
		"access_key", lookup.AccessKey,
		"nsu", lookup.NSU,
		"cstat", resp.StatusCode,
		"imported", res.Imported,
	)
	return r.res, nil
}
