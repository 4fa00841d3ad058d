// Package control wires storage, the per-tenant sync pipelines and the background
// workers into one service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/dfesync/internal/core/config"
	"github.com/vietddude/dfesync/internal/core/cursor"
	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/core/worker"
	"github.com/vietddude/dfesync/internal/indexing/health"
	"github.com/vietddude/dfesync/internal/indexing/ingest"
	"github.com/vietddude/dfesync/internal/indexing/orchestrator"
	"github.com/vietddude/dfesync/internal/indexing/recovery"
	"github.com/vietddude/dfesync/internal/indexing/syncer"
	"github.com/vietddude/dfesync/internal/infra/certstore"
	redisclient "github.com/vietddude/dfesync/internal/infra/redis"
	"github.com/vietddude/dfesync/internal/infra/storage"
	"github.com/vietddude/dfesync/internal/infra/storage/memory"
	"github.com/vietddude/dfesync/internal/infra/storage/postgres"
	"github.com/vietddude/dfesync/internal/infra/transport"
	"github.com/vietddude/dfesync/internal/signing"
)

// ErrUnknownTenant is returned for a tenant id missing from the configuration.
var ErrUnknownTenant = errors.New("unknown tenant")

// Service is the main application struct.
type Service struct {
	cfg         *config.AppConfig
	db          *postgres.DB
	redisClient *redisclient.Client

	cursorRepo storage.CursorRepository
	docRepo    storage.DocumentRepository
	jobRepo    storage.JobRepository
	failedRepo storage.FailedDocumentRepository

	cursors   *cursor.Manager
	ingestor  *ingest.Ingestor
	certs     certstore.Store
	healthMon *health.Monitor

	mu      sync.Mutex
	tenants map[string]*tenant

	newDoer func(cfg transport.Config, creds *certstore.Credentials) (transport.Doer, error)
	now     func() time.Time
	log     *slog.Logger
}

// New creates a Service with storage initialized. Tenant pipelines are built on first use.
func New(ctx context.Context, cfg *config.AppConfig) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		tenants: make(map[string]*tenant),
		newDoer: func(tc transport.Config, creds *certstore.Credentials) (transport.Doer, error) {
			return transport.NewClient(tc, creds)
		},
		now: time.Now,
		log: slog.Default().With("component", "control"),
	}

	// 1. Initialize Storage
	var store *memory.MemoryStorage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		s.cursorRepo = postgres.NewCursorRepo(db)
		s.docRepo = postgres.NewDocumentRepo(db)
		s.jobRepo = postgres.NewJobRepo(db)
		s.log.Info("Using PostgreSQL storage")
	} else {
		store = memory.NewMemoryStorage()
		s.cursorRepo = memory.NewCursorRepo(store)
		s.docRepo = memory.NewDocumentRepo(store)
		s.jobRepo = memory.NewJobRepo(store)
		s.log.Info("Using Memory storage")
	}

	// 2. Dead-letter queue
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			s.log.Warn("Failed to connect to Redis, failed documents kept in memory", "error", err)
		} else {
			s.redisClient = client
			s.failedRepo = redisclient.NewFailedDocumentRepo(client)
		}
	}
	if s.failedRepo == nil {
		if store == nil {
			store = memory.NewMemoryStorage()
		}
		s.failedRepo = memory.NewFailedRepo(store)
	}

	// 3. Shared components
	s.cursors = cursor.NewManager(s.cursorRepo)
	s.ingestor = ingest.NewIngestor(s.docRepo, s.failedRepo)

	entries := make(map[string]certstore.FileEntry, len(cfg.Tenants))
	healthTenants := make([]health.Tenant, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		entries[t.ID] = certstore.FileEntry{Path: t.PFXPath, Passphrase: t.Passphrase}
		healthTenants = append(healthTenants, health.Tenant{ID: t.ID, CNPJ: t.CNPJ})
	}
	s.certs = certstore.NewFileStore(entries)
	s.healthMon = health.NewMonitor(healthTenants, s.cursorRepo, s.jobRepo, s.failedRepo)

	return s, nil
}

// Run starts the health server, the stale job reaper, the dead-letter replayer and one
// scheduler per tenant, and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	healthServer := health.NewServer(s.healthMon, s.cfg.Server.Port)
	if s.db != nil {
		healthServer.AddProbe("postgres", s.db.Health)
	}
	if s.redisClient != nil {
		healthServer.AddProbe("redis", s.redisClient.Health)
	}
	g.Go(func() error {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return healthServer.Stop(shutdownCtx)
	})

	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}

	reaper := worker.NewReaper(s.jobRepo, s.cfg.Sync.StaleJobAfter)
	g.Go(func() error {
		reaper.Start(ctx)
		return nil
	})

	scopes := make([]ingest.Scope, 0, len(s.cfg.Tenants))
	for _, tc := range s.cfg.Tenants {
		scopes = append(scopes, ingest.Scope{TenantID: tc.ID, CNPJ: tc.CNPJ})
	}
	replayer := recovery.NewHandler(s.failedRepo, s.ingestor, recovery.DefaultBackoff())
	g.Go(func() error {
		replayer.Run(ctx, scopes, time.Minute)
		return nil
	})

	for _, tc := range s.cfg.Tenants {
		t, err := s.tenant(ctx, tc.ID)
		if err != nil {
			s.log.Error("Tenant disabled", "tenant", tc.ID, "error", err)
			continue
		}
		s.log.Info("Starting scheduler", "tenant", tc.ID, "cnpj", tc.CNPJ)
		g.Go(func() error {
			s.schedule(ctx, t)
			return nil
		})
	}

	s.log.Info("Service started", "tenants", len(s.cfg.Tenants), "port", s.cfg.Server.Port)
	return g.Wait()
}

// Close releases database and Redis connections.
func (s *Service) Close() error {
	var errs []error
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Sync runs one distribution sync for a tenant.
func (s *Service) Sync(ctx context.Context, tenantID string) (*orchestrator.Report, error) {
	t, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return t.orch.Sync(ctx, t.request())
}

// Consult fetches a single document by access key or NSU without moving the cursor.
func (s *Service) Consult(
	ctx context.Context,
	tenantID string,
	lookup syncer.Lookup,
) (*orchestrator.Report, error) {
	t, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return t.orch.Consult(ctx, t.request(), lookup)
}

// Manifest submits one manifestation event and records the verdict on the stored document.
func (s *Service) Manifest(
	ctx context.Context,
	tenantID string,
	req signing.ManifestRequest,
) (*signing.ManifestResult, error) {
	t, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if req.Sequence == 0 {
		req.Sequence = 1
	}

	res, err := t.manifester.Manifest(ctx, req)
	if res == nil {
		return nil, err
	}

	at := res.RegisteredAt
	if at.IsZero() {
		at = s.now()
	}
	recErr := s.docRepo.RecordManifestation(ctx, res.AccessKey, storage.ManifestationRecord{
		Type:     res.Type,
		Status:   res.StatusCode,
		Message:  res.StatusMessage,
		Accepted: res.Accepted || res.Duplicate,
		At:       at,
	})
	if recErr != nil && !errors.Is(recErr, domain.ErrNotFound) {
		s.log.Warn("Failed to record manifestation", "tenant", tenantID, "key", res.AccessKey, "error", recErr)
	}
	return res, err
}

// Status returns the health of every configured tenant.
func (s *Service) Status(ctx context.Context) health.HealthReport {
	tenants := s.healthMon.CheckHealth(ctx)
	return health.HealthReport{SystemStatus: health.Aggregate(tenants), Tenants: tenants}
}

// ResetCursor moves the committed NSU of a tenant, backwards included.
func (s *Service) ResetCursor(ctx context.Context, tenantID string, nsu uint64) (*cursor.Cursor, error) {
	tc, ok := s.cfg.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return s.cursors.Reset(ctx, tc.ID, tc.CNPJ, nsu)
}

// FailedDocuments lists the dead-lettered payloads of a tenant.
func (s *Service) FailedDocuments(ctx context.Context, tenantID string) ([]*domain.FailedDocument, error) {
	tc, ok := s.cfg.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return s.failedRepo.GetAll(ctx, tc.ID, tc.CNPJ)
}

// DropFailed discards one dead-lettered payload.
func (s *Service) DropFailed(ctx context.Context, tenantID, id string) error {
	tc, ok := s.cfg.Tenant(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return s.failedRepo.MarkResolved(ctx, tc.ID, tc.CNPJ, id)
}

// RetryFailed re-ingests every dead-lettered payload of a tenant.
func (s *Service) RetryFailed(ctx context.Context, tenantID string) (ingest.Result, error) {
	tc, ok := s.cfg.Tenant(tenantID)
	if !ok {
		return ingest.Result{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	failed, err := s.failedRepo.GetAll(ctx, tc.ID, tc.CNPJ)
	if err != nil {
		return ingest.Result{}, err
	}
	scope := ingest.Scope{TenantID: tc.ID, CNPJ: tc.CNPJ}
	return s.ingestor.Replay(ctx, scope, failed), nil
}
