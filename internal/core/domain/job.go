package domain

import "time"

// JobOutcome classifies how a sync invocation ended.
type JobOutcome string

const (
	JobOutcomeRunning JobOutcome = "running"
	JobOutcomeSuccess JobOutcome = "success"
	JobOutcomePartial JobOutcome = "partial"
	JobOutcomeBlocked JobOutcome = "blocked"
	JobOutcomeError   JobOutcome = "error"
)

// SyncJob is the audit row of one sync invocation. An open job (EndedAt == nil) doubles as
// the per-tenant soft lock.
type SyncJob struct {
	ID            string
	TenantID      string
	CNPJ          string
	StartedAt     time.Time
	EndedAt       *time.Time
	NSUStart      uint64
	NSUEnd        uint64
	CountImported int
	CountSkipped  int
	CountFailed   int
	Outcome       JobOutcome
	Message       string
}

// Open reports whether the job has not been closed yet.
func (j *SyncJob) Open() bool {
	return j.EndedAt == nil
}
