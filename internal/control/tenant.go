package control

import (
	"context"
	"fmt"

	"github.com/vietddude/dfesync/internal/core/config"
	"github.com/vietddude/dfesync/internal/indexing/orchestrator"
	"github.com/vietddude/dfesync/internal/indexing/syncer"
	"github.com/vietddude/dfesync/internal/infra/certstore"
	"github.com/vietddude/dfesync/internal/signing"
)

// tenant holds the pipeline bound to one certificate.
type tenant struct {
	cfg        config.TenantConfig
	manifester *signing.Manifester
	orch       *orchestrator.Orchestrator
}

func (t *tenant) request() orchestrator.Request {
	return orchestrator.Request{TenantID: t.cfg.ID, CNPJ: t.cfg.CNPJ, UFCode: t.cfg.UF}
}

// tenant returns the pipeline of a tenant, building it on first use.
func (s *Service) tenant(ctx context.Context, id string) (*tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tenants[id]; ok {
		return t, nil
	}

	tc, ok := s.cfg.Tenant(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}

	creds, err := certstore.Load(ctx, s.certs, id)
	if err != nil {
		return nil, err
	}
	if creds.Expired(s.now()) {
		s.log.Warn("Tenant certificate outside its validity window",
			"tenant", id,
			"not_after", creds.Certificate.NotAfter,
		)
	}
	if taxID := creds.TaxID(); len(taxID) == 14 && len(tc.CNPJ) == 14 && taxID[:8] != tc.CNPJ[:8] {
		s.log.Warn("Certificate belongs to another company root",
			"tenant", id,
			"certificate_tax_id", taxID,
		)
	}

	doer, err := s.newDoer(s.cfg.Transport, creds)
	if err != nil {
		return nil, err
	}

	authority := s.cfg.Authority
	machine := syncer.NewMachine(syncer.Config{
		Environment:   authority.Environment,
		Endpoint:      authority.DistributionURL,
		MaxIterations: s.cfg.Sync.MaxIterations,
		BlockDuration: s.cfg.Sync.BlockDuration,
	}, doer, s.cursors, s.ingestor)

	manifester := signing.NewManifester(signing.ManifesterConfig{
		TaxID:       tc.CNPJ,
		Environment: authority.Environment,
		Endpoint:    authority.EventsURL,
	}, signing.NewSigner(creds), doer)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.SyncTimeout = s.cfg.Sync.Timeout
	orchCfg.LockWindow = s.cfg.Sync.StaleJobAfter
	orchCfg.AutoManifest = tc.ManifestEnabled(s.cfg.Sync)

	t := &tenant{
		cfg:        tc,
		manifester: manifester,
		orch:       orchestrator.New(orchCfg, s.jobRepo, s.docRepo, machine, manifester),
	}
	s.tenants[id] = t
	return t, nil
}
