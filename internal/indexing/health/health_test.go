package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/infra/storage/memory"
)

// =============================================================================
// Helpers
// =============================================================================

const (
	tenantID = "acme"
	cnpj     = "12345678000199"
)

type fixture struct {
	monitor *Monitor
	cursors *memory.CursorRepo
	jobs    *memory.JobRepo
	failed  *memory.FailedRepo
	now     time.Time
}

func newFixture() *fixture {
	store := memory.NewMemoryStorage()
	f := &fixture{
		cursors: memory.NewCursorRepo(store),
		jobs:    memory.NewJobRepo(store),
		failed:  memory.NewFailedRepo(store),
		now:     time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	f.monitor = NewMonitor([]Tenant{{ID: tenantID, CNPJ: cnpj}}, f.cursors, f.jobs, f.failed)
	f.monitor.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addJob(outcome domain.JobOutcome, message string) {
	ended := f.now
	_ = f.jobs.Create(context.Background(), &domain.SyncJob{
		ID:        string(outcome),
		TenantID:  tenantID,
		CNPJ:      cnpj,
		StartedAt: f.now.Add(-time.Minute),
		EndedAt:   &ended,
		Outcome:   outcome,
		Message:   message,
	})
}

func (f *fixture) check() TenantHealth {
	return f.monitor.CheckHealth(context.Background())[domain.CursorKey(tenantID, cnpj)]
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	f := newFixture()
	_ = f.cursors.Save(context.Background(), &domain.SyncCursor{
		TenantID: tenantID, CNPJ: cnpj, LastNSU: 90, MaxNSU: 100,
	})
	f.addJob(domain.JobOutcomeSuccess, "imported 3")

	health := f.check()

	if health.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", health.Status)
	}
	if health.Lag != 10 {
		t.Errorf("expected lag 10, got %d", health.Lag)
	}
	if health.LastJobOutcome != "success" {
		t.Errorf("expected last job success, got %s", health.LastJobOutcome)
	}
}

func TestMonitor_NeverSynced(t *testing.T) {
	f := newFixture()

	health := f.check()
	if health.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", health.Status)
	}
	if health.LastJobOutcome != "" {
		t.Errorf("expected no job, got %s", health.LastJobOutcome)
	}
}

func TestMonitor_DegradedWhenBlocked(t *testing.T) {
	f := newFixture()
	until := f.now.Add(30 * time.Minute)
	_ = f.cursors.Save(context.Background(), &domain.SyncCursor{
		TenantID: tenantID, CNPJ: cnpj, BlockedUntil: &until,
	})
	f.addJob(domain.JobOutcomeBlocked, "retry after 2024-01-15T10:30:00Z")

	health := f.check()
	if health.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", health.Status)
	}
	if health.BlockedUntil == nil {
		t.Error("expected BlockedUntil to be reported")
	}
}

func TestMonitor_DegradedWithDeadLetters(t *testing.T) {
	f := newFixture()
	f.addJob(domain.JobOutcomeSuccess, "")
	_ = f.failed.Add(context.Background(), &domain.FailedDocument{
		ID: "1", TenantID: tenantID, CNPJ: cnpj, NSU: 4,
	})

	health := f.check()
	if health.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", health.Status)
	}
	if health.FailedDocuments != 1 {
		t.Errorf("expected 1 failed document, got %d", health.FailedDocuments)
	}
}

func TestMonitor_Critical(t *testing.T) {
	f := newFixture()
	f.addJob(domain.JobOutcomeError, "transport distribution failed after 3 attempt(s)")

	health := f.check()
	if health.Status != StatusCritical {
		t.Errorf("expected critical, got %s", health.Status)
	}
	if health.LastJobMessage == "" {
		t.Error("expected last job message")
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	f := newFixture()
	f.addJob(domain.JobOutcomeSuccess, "")
	if got := f.check().Status; got != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}

	f.addJob(domain.JobOutcomeError, "boom")
	if got := f.check().Status; got != StatusHealthy {
		t.Errorf("expected cached healthy report, got %s", got)
	}

	f.now = f.now.Add(11 * time.Second)
	if got := f.check().Status; got != StatusCritical {
		t.Errorf("expected critical after cache expiry, got %s", got)
	}
}

func TestAggregate(t *testing.T) {
	tenants := map[string]TenantHealth{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusDegraded},
	}
	if got := Aggregate(tenants); got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
	tenants["c"] = TenantHealth{Status: StatusCritical}
	if got := Aggregate(tenants); got != StatusCritical {
		t.Errorf("expected critical, got %s", got)
	}
	if got := Aggregate(nil); got != StatusHealthy {
		t.Errorf("expected healthy for no tenants, got %s", got)
	}
}

func TestServer_Endpoints(t *testing.T) {
	f := newFixture()
	f.addJob(domain.JobOutcomeError, "authority returned cStat 589")
	srv := httptest.NewServer(NewServer(f.monitor, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}

	detailed, err := http.Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatalf("GET /health/detailed: %v", err)
	}
	defer detailed.Body.Close()

	var report HealthReport
	if err := json.NewDecoder(detailed.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.SystemStatus != StatusCritical {
		t.Errorf("expected critical, got %s", report.SystemStatus)
	}
	if len(report.Tenants) != 1 {
		t.Errorf("expected 1 tenant, got %d", len(report.Tenants))
	}

	metrics, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", metrics.StatusCode)
	}
}

func TestServer_TenantEndpoint(t *testing.T) {
	f := newFixture()
	f.addJob(domain.JobOutcomePartial, "2 documents failed")
	srv := httptest.NewServer(NewServer(f.monitor, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/tenants/" + tenantID)
	if err != nil {
		t.Fatalf("GET tenant: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var th TenantHealth
	if err := json.NewDecoder(resp.Body).Decode(&th); err != nil {
		t.Fatalf("decode tenant: %v", err)
	}
	if th.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", th.Status)
	}

	missing, err := http.Get(srv.URL + "/health/tenants/ghost")
	if err != nil {
		t.Fatalf("GET unknown tenant: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", missing.StatusCode)
	}
}

func TestServer_FailingProbeIsCritical(t *testing.T) {
	f := newFixture()
	s := NewServer(f.monitor, 0)
	s.AddProbe("redis", func(ctx context.Context) error { return errors.New("connection refused") })
	s.AddProbe("postgres", func(ctx context.Context) error { return nil })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}

	detailed, err := http.Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatalf("GET /health/detailed: %v", err)
	}
	defer detailed.Body.Close()
	var report HealthReport
	if err := json.NewDecoder(detailed.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Dependencies["postgres"] != "ok" {
		t.Errorf("expected postgres ok, got %q", report.Dependencies["postgres"])
	}
	if report.Dependencies["redis"] != "connection refused" {
		t.Errorf("expected redis error, got %q", report.Dependencies["redis"])
	}
}
