package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/dfesync/internal/core/config"
	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/health"
	"github.com/vietddude/dfesync/internal/indexing/orchestrator"
	"github.com/vietddude/dfesync/internal/indexing/syncer"
	"github.com/vietddude/dfesync/internal/infra/certstore"
	"github.com/vietddude/dfesync/internal/infra/certstore/certtest"
	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/transport"
	"github.com/vietddude/dfesync/internal/signing"
	"github.com/vietddude/dfesync/internal/testutil/fixtures"
)

const testTenant = "acme"

func reply(body string) fixtures.Reply {
	return fixtures.Reply{Body: body}
}

func summaryDoc(nsu uint64, n int) fixtures.Doc {
	return fixtures.Doc{NSU: nsu, Schema: fixtures.SchemaSummary, XML: fixtures.Summary(fixtures.AccessKey(n), "1")}
}

func testConfig(t *testing.T, autoManifest bool) *config.AppConfig {
	t.Helper()
	pfx := certtest.NewPair(t, certtest.DefaultCommonName).PFX(t, "secret")
	path := filepath.Join(t.TempDir(), "acme.pfx")
	require.NoError(t, os.WriteFile(path, pfx, 0o600))

	return &config.AppConfig{
		Authority: config.AuthorityConfig{Environment: soap.Homologation},
		Sync: config.SyncConfig{
			MaxIterations:    20,
			Timeout:          5 * time.Second,
			BlockDuration:    time.Hour,
			StaleJobAfter:    10 * time.Minute,
			Interval:         10 * time.Minute,
			CaughtUpInterval: time.Hour,
			AutoManifest:     &autoManifest,
		},
		Tenants: []config.TenantConfig{{
			ID:         testTenant,
			CNPJ:       fixtures.TenantCNPJ,
			UF:         "35",
			PFXPath:    path,
			Passphrase: "secret",
		}},
	}
}

func newTestService(t *testing.T, cfg *config.AppConfig, doer *fixtures.Doer) *Service {
	t.Helper()
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	s.newDoer = func(transport.Config, *certstore.Credentials) (transport.Doer, error) {
		return doer, nil
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestService_SyncImportsAndAcknowledges(t *testing.T) {
	doer := fixtures.NewDoer(
		reply(fixtures.DistributionResponse("138", 2, 2, summaryDoc(1, 1), summaryDoc(2, 2))),
		reply(fixtures.EventResponse("135", fixtures.AccessKey(1), fixtures.AccessKey(2))),
	)
	s := newTestService(t, testConfig(t, true), doer)
	ctx := context.Background()

	report, err := s.Sync(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, domain.JobOutcomeSuccess, report.Outcome)
	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, 2, report.Manifested)
	assert.Equal(t, 2, doer.Calls())
	assert.Equal(t, soap.Homologation.DistributionURL(), doer.Requests[0].Endpoint)
	assert.Equal(t, soap.Homologation.EventsURL(), doer.Requests[1].Endpoint)

	doc, err := s.docRepo.Get(ctx, fixtures.AccessKey(1))
	require.NoError(t, err)
	assert.True(t, doc.Manifested())

	c, err := s.cursorRepo.Get(ctx, testTenant, fixtures.TenantCNPJ)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.LastNSU)
}

func TestService_AutoManifestDisabled(t *testing.T) {
	doer := fixtures.NewDoer(reply(fixtures.DistributionResponse("138", 1, 1, summaryDoc(1, 1))))
	s := newTestService(t, testConfig(t, false), doer)

	report, err := s.Sync(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 0, report.Manifested)
	assert.Equal(t, 1, doer.Calls())
}

func TestService_UnknownTenant(t *testing.T) {
	s := newTestService(t, testConfig(t, true), fixtures.NewDoer())
	ctx := context.Background()

	_, err := s.Sync(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownTenant)
	_, err = s.ResetCursor(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrUnknownTenant)
	_, err = s.FailedDocuments(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownTenant)
	_, err = s.RetryFailed(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestService_BadCertificate(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Tenants[0].Passphrase = "wrong"
	s := newTestService(t, cfg, fixtures.NewDoer())

	_, err := s.Sync(context.Background(), testTenant)
	var cfgErr *domain.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestService_ConsultByKey(t *testing.T) {
	doer := fixtures.NewDoer(
		reply(fixtures.DistributionResponse("138", 0, 9, fixtures.Doc{
			NSU: 7, Schema: fixtures.SchemaFull, XML: fixtures.Full(fixtures.AccessKey(7)),
		})),
	)
	s := newTestService(t, testConfig(t, false), doer)
	ctx := context.Background()

	report, err := s.Consult(ctx, testTenant, syncer.Lookup{AccessKey: fixtures.AccessKey(7)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)

	doc, err := s.docRepo.Get(ctx, fixtures.AccessKey(7))
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusXMLAvailable, doc.Status)
}

func TestService_ManifestRecordsVerdict(t *testing.T) {
	doer := fixtures.NewDoer(
		reply(fixtures.DistributionResponse("138", 1, 1, summaryDoc(1, 1))),
		reply(fixtures.EventResponse("135", fixtures.AccessKey(1))),
	)
	s := newTestService(t, testConfig(t, false), doer)
	ctx := context.Background()

	_, err := s.Sync(ctx, testTenant)
	require.NoError(t, err)

	res, err := s.Manifest(ctx, testTenant, signing.ManifestRequest{
		AccessKey: fixtures.AccessKey(1),
		Type:      domain.ManifestationAcknowledgment,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	doc, err := s.docRepo.Get(ctx, fixtures.AccessKey(1))
	require.NoError(t, err)
	assert.True(t, doc.Manifested())
	assert.Equal(t, "135", doc.ManifestationStatus)
}

func TestService_ResetCursorAndStatus(t *testing.T) {
	s := newTestService(t, testConfig(t, true), fixtures.NewDoer())
	ctx := context.Background()

	c, err := s.ResetCursor(ctx, testTenant, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), c.LastNSU)

	report := s.Status(ctx)
	require.Contains(t, report.Tenants, domain.CursorKey(testTenant, fixtures.TenantCNPJ))
	th := report.Tenants[domain.CursorKey(testTenant, fixtures.TenantCNPJ)]
	assert.Equal(t, uint64(42), th.LastNSU)
	assert.Equal(t, health.StatusHealthy, report.SystemStatus)
}

func TestService_RetryAndDropFailed(t *testing.T) {
	s := newTestService(t, testConfig(t, true), fixtures.NewDoer())
	ctx := context.Background()

	require.NoError(t, s.failedRepo.Add(ctx, &domain.FailedDocument{
		ID: "f1", TenantID: testTenant, CNPJ: fixtures.TenantCNPJ,
		NSU: 3, Schema: fixtures.SchemaSummary, Payload: fixtures.Summary(fixtures.AccessKey(3), "1"),
	}))
	require.NoError(t, s.failedRepo.Add(ctx, &domain.FailedDocument{
		ID: "f2", TenantID: testTenant, CNPJ: fixtures.TenantCNPJ,
		NSU: 4, Schema: fixtures.SchemaSummary, Payload: "<<broken",
	}))

	res, err := s.RetryFailed(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Failed)

	left, err := s.FailedDocuments(ctx, testTenant)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "f2", left[0].ID)

	require.NoError(t, s.DropFailed(ctx, testTenant, "f2"))
	left, err = s.FailedDocuments(ctx, testTenant)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestService_RunSchedulesUntilCancelled(t *testing.T) {
	doer := fixtures.NewDoer(reply(fixtures.DistributionResponse("137", 0, 0)))
	s := newTestService(t, testConfig(t, true), doer)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))
	// Caught up on the first sync, so the next one is an hour away
	assert.Equal(t, 1, doer.Calls())
}

func TestObserve(t *testing.T) {
	until := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		report *orchestrator.Report
		err    error
		want   func(t *testing.T, got bool, lag uint64, caughtUp bool)
	}{
		{
			name:   "no report is a failure",
			report: nil,
			err:    errors.New("boom"),
			want: func(t *testing.T, failed bool, lag uint64, caughtUp bool) {
				assert.True(t, failed)
			},
		},
		{
			name:   "lock held waits the base interval",
			report: &orchestrator.Report{Outcome: domain.JobOutcomeRunning},
			err:    domain.ErrSyncRunning,
			want: func(t *testing.T, failed bool, lag uint64, caughtUp bool) {
				assert.False(t, failed)
				assert.Zero(t, lag)
			},
		},
		{
			name:   "behind the authority",
			report: &orchestrator.Report{Outcome: domain.JobOutcomePartial, NSUEnd: 40, MaxNSU: 100, SafetyStop: true},
			want: func(t *testing.T, failed bool, lag uint64, caughtUp bool) {
				assert.False(t, failed)
				assert.Equal(t, uint64(60), lag)
			},
		},
		{
			name:   "error outcome",
			report: &orchestrator.Report{Outcome: domain.JobOutcomeError},
			err:    errors.New("transport"),
			want: func(t *testing.T, failed bool, lag uint64, caughtUp bool) {
				assert.True(t, failed)
			},
		},
		{
			name:   "caught up",
			report: &orchestrator.Report{Outcome: domain.JobOutcomeSuccess, NSUEnd: 9, MaxNSU: 9, CaughtUp: true},
			want: func(t *testing.T, failed bool, lag uint64, caughtUp bool) {
				assert.True(t, caughtUp)
				assert.Zero(t, lag)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := observe(tt.report, tt.err)
			tt.want(t, obs.Failed, obs.Lag, obs.CaughtUp)
		})
	}

	blocked := observe(&orchestrator.Report{Outcome: domain.JobOutcomeBlocked, BlockedUntil: &until}, errors.New("656"))
	require.NotNil(t, blocked.BlockedUntil)
	assert.Equal(t, until, *blocked.BlockedUntil)
	assert.False(t, blocked.Failed)
}
