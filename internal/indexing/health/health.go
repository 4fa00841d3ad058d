// Package health provides system health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// TenantHealth contains sync health for one tenant.
type TenantHealth struct {
	TenantID        string       `json:"tenant_id"`
	CNPJ            string       `json:"cnpj"`
	Status          SystemStatus `json:"status"`
	LastNSU         uint64       `json:"last_nsu"`
	MaxNSU          uint64       `json:"max_nsu"`
	Lag             uint64       `json:"lag"`
	BlockedUntil    *time.Time   `json:"blocked_until,omitempty"`
	LastSyncedAt    *time.Time   `json:"last_synced_at,omitempty"`
	LastJobOutcome  string       `json:"last_job_outcome,omitempty"`
	LastJobMessage  string       `json:"last_job_message,omitempty"`
	FailedDocuments int          `json:"failed_documents"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus            `json:"system_status"`
	Tenants      map[string]TenantHealth `json:"tenants"`
	// Dependencies maps each probed backend to "ok" or its error.
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Aggregate returns the worst status of all tenants.
func Aggregate(tenants map[string]TenantHealth) SystemStatus {
	status := StatusHealthy
	for _, t := range tenants {
		if t.Status == StatusCritical {
			return StatusCritical
		}
		if t.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
