package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportAttempts counts HTTP attempts to the authority per operation and result
	TransportAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfesync_transport_attempts_total",
			Help: "Total number of HTTP attempts made to the authority",
		},
		[]string{"operation", "result"},
	)

	// TransportLatency tracks the latency of a full call including retries
	TransportLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dfesync_transport_latency_seconds",
			Help:    "Authority call latency in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// AuthorityStatus counts cStat values returned by the distribution service
	AuthorityStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfesync_authority_status_total",
			Help: "Distribution responses by authority status code",
		},
		[]string{"tenant", "cstat"},
	)

	// DocumentsIngested counts ingested payloads per tenant, schema kind and result
	DocumentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfesync_documents_ingested_total",
			Help: "Total number of distributed documents by ingestion result",
		},
		[]string{"tenant", "kind", "result"},
	)

	// SyncJobs counts finished sync jobs per outcome
	SyncJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfesync_sync_jobs_total",
			Help: "Total number of sync jobs by outcome",
		},
		[]string{"tenant", "outcome"},
	)

	// SyncDuration tracks the wall time of sync jobs
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dfesync_sync_duration_seconds",
			Help:    "Sync job duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tenant"},
	)

	// CursorNSU tracks the committed NSU per tenant
	CursorNSU = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfesync_cursor_nsu",
			Help: "Last committed NSU",
		},
		[]string{"tenant"},
	)

	// AuthorityMaxNSU tracks the maxNSU last reported by the authority
	AuthorityMaxNSU = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfesync_authority_max_nsu",
			Help: "Highest NSU reported by the authority",
		},
		[]string{"tenant"},
	)

	// TenantBlocked is 1 while the authority throttle window is active
	TenantBlocked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfesync_tenant_blocked",
			Help: "Whether the tenant is inside an authority throttle window",
		},
		[]string{"tenant"},
	)

	// Manifestations counts submitted manifestation events per type and result
	Manifestations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfesync_manifestations_total",
			Help: "Total number of manifestation events submitted",
		},
		[]string{"type", "result"},
	)

	// StaleJobsReaped counts open jobs closed by the reaper
	StaleJobsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dfesync_stale_jobs_reaped_total",
			Help: "Total number of abandoned sync jobs closed by the reaper",
		},
	)

	// DeadLetterReplays counts replay attempts of dead-lettered payloads per result
	DeadLetterReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfesync_dead_letter_replays_total",
			Help: "Total number of dead-lettered payload replays",
		},
		[]string{"tenant", "result"},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfesync_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
