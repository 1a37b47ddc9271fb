package types

import (
	"time"
)

// Permission is the access level a consent rule grants.
type Permission string

// Permission levels, ordered none < read < write.
const (
	PermissionNone  Permission = "none"
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// IsValid checks if the permission value is valid.
func (p Permission) IsValid() bool {
	switch p {
	case PermissionNone, PermissionRead, PermissionWrite:
		return true
	}
	return false
}

// rank orders permissions for Covers.
func (p Permission) rank() int {
	switch p {
	case PermissionWrite:
		return 2
	case PermissionRead:
		return 1
	default:
		return 0
	}
}

// Covers reports whether holding p satisfies a requirement of required.
// Write covers read; none covers nothing.
func (p Permission) Covers(required Permission) bool {
	if required == PermissionNone {
		return true
	}
	return p.rank() >= required.rank()
}

// ConsentRule grants or denies an agent access to a resource pattern.
// Patterns use * as a multi-segment wildcard; the most specific matching
// rule wins, and on a specificity tie the newer rule wins.
type ConsentRule struct {
	ID         int64      `json:"id"`
	AgentID    string     `json:"agent_id"`
	Resource   string     `json:"resource"`
	Permission Permission `json:"permission"`
	GrantedBy  string     `json:"granted_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// AuditStage labels one step of a write's journey through the pipeline.
type AuditStage string

// Audit stages.
const (
	StageConsentDenied     AuditStage = "consent_denied"
	StageProfileWritten    AuditStage = "profile_written"
	StageTableWritten      AuditStage = "table_written"
	StageVectorWritten     AuditStage = "vector_written"
	StageVectorPending     AuditStage = "vector_pending"
	StageEnrichmentQueued  AuditStage = "enrichment_queued"
	StageEnrichmentDone    AuditStage = "enrichment_done"
	StageEnrichmentFailed  AuditStage = "enrichment_failed"
	StageExtractionSkipped AuditStage = "extraction_skipped"
	StageMemoryBacklogged  AuditStage = "memory_backlogged"
)

// IsValid checks if the audit stage value is valid.
func (s AuditStage) IsValid() bool {
	switch s {
	case StageConsentDenied, StageProfileWritten, StageTableWritten,
		StageVectorWritten, StageVectorPending, StageEnrichmentQueued,
		StageEnrichmentDone, StageEnrichmentFailed, StageExtractionSkipped,
		StageMemoryBacklogged:
		return true
	}
	return false
}

// AuditEvent is one append-only row in the tenant's audit log. Events
// sharing a WriteID trace one ingestion write end to end.
type AuditEvent struct {
	ID        int64          `json:"id"`
	WriteID   string         `json:"write_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Stage     AuditStage     `json:"stage"`
	Resource  string         `json:"resource,omitempty"`
	LatencyMS int64          `json:"latency_ms,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
