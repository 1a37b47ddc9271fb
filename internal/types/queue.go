package types

import (
	"time"
)

// JobStatus is the state of a background queue row (enrichment jobs and
// pending vectors share the vocabulary).
type JobStatus string

// Queue states.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobRetry      JobStatus = "retry"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// IsValid checks if the job status value is valid.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobProcessing, JobRetry, JobDone, JobFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no worker will pick the row up again.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed
}

// Retry policy for queue rows.
const (
	// MaxJobAttempts is the attempt count after which a row goes failed.
	MaxJobAttempts = 10
	// JobBackoffBase is the backoff unit; attempt n waits 2^n * base.
	JobBackoffBase = 5 * time.Second
	// JobBackoffMin floors the computed delay.
	JobBackoffMin = 5 * time.Second
	// JobBackoffMax caps the computed delay.
	JobBackoffMax = 600 * time.Second
)

// JobBackoff returns the delay before retrying a row that has failed
// attempts times: min(600s, max(5s, 2^attempts * 5s)).
func JobBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^7 * 5s already exceeds the cap; avoid shifting into overflow.
	if attempts > 7 {
		return JobBackoffMax
	}
	d := JobBackoffBase * (1 << uint(attempts))
	if d < JobBackoffMin {
		d = JobBackoffMin
	}
	if d > JobBackoffMax {
		d = JobBackoffMax
	}
	return d
}

// EnrichmentJob is one queued extraction unit. Jobs live in the shared
// schema so one worker pool can serve every tenant.
type EnrichmentJob struct {
	ID           int64          `json:"id"`
	TenantID     string         `json:"tenant_id"`
	SourceType   SourceType     `json:"source_type"`
	SourceRef    string         `json:"source_ref"`
	WriteID      string         `json:"write_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	Origin       Origin         `json:"origin,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       JobStatus      `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	NextRunAt    time.Time      `json:"next_run_at"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// PendingVector parks a vector write whose embedding call failed, so the
// text is not lost while the provider is down.
type PendingVector struct {
	ID           int64          `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Collection   string         `json:"collection"`
	DocID        string         `json:"doc_id"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	WriteID      string         `json:"write_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	Origin       Origin         `json:"origin,omitempty"`
	Status       JobStatus      `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	NextRunAt    time.Time      `json:"next_run_at"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
