// Package types defines the core data structures for the episteme memory store.
package types

import (
	"time"
)

// SourceType identifies which store a memory-meta row describes.
type SourceType string

// Source types for memory metadata.
const (
	SourceProfile SourceType = "profile"
	SourceTable   SourceType = "table"
	SourceVector  SourceType = "vector"
	SourceEntity  SourceType = "entity"
	SourceEdge    SourceType = "edge"
)

// IsValid checks if the source type value is valid.
func (s SourceType) IsValid() bool {
	switch s {
	case SourceProfile, SourceTable, SourceVector, SourceEntity, SourceEdge:
		return true
	}
	return false
}

// Origin records how a fact entered the system. Origins form a total
// precedence order; higher-precedence origins win profile-sync conflicts.
type Origin string

// Origins, from most to least authoritative.
const (
	OriginUserTyped    Origin = "user_typed"
	OriginUserStated   Origin = "user_stated"
	OriginImported     Origin = "imported"
	OriginSystem       Origin = "system"
	OriginAIStated     Origin = "ai_stated"
	OriginAIInferred   Origin = "ai_inferred"
	OriginAIPattern    Origin = "ai_pattern"
	OriginContradicted Origin = "contradicted"
)

// IsValid checks if the origin value is valid.
func (o Origin) IsValid() bool {
	switch o {
	case OriginUserTyped, OriginUserStated, OriginImported, OriginSystem,
		OriginAIStated, OriginAIInferred, OriginAIPattern, OriginContradicted:
		return true
	}
	return false
}

// Precedence returns the origin's rank in the source-precedence order.
// Higher always wins when two origins disagree about the same field.
func (o Origin) Precedence() int {
	switch o {
	case OriginUserTyped:
		return 100
	case OriginUserStated:
		return 90
	case OriginImported:
		return 70
	case OriginSystem:
		return 50
	case OriginAIStated:
		return 40
	case OriginAIInferred:
		return 30
	case OriginAIPattern:
		return 20
	default:
		return 0
	}
}

// InitialConfidence returns the confidence assigned to a freshly created
// memory for this origin.
func (o Origin) InitialConfidence() float64 {
	switch o {
	case OriginUserTyped:
		return 0.95
	case OriginUserStated:
		return 0.90
	case OriginImported:
		return 0.75
	case OriginSystem:
		return 0.70
	case OriginAIStated:
		return 0.60
	case OriginAIInferred:
		return 0.45
	case OriginAIPattern:
		return 0.30
	case OriginContradicted:
		return 0.10
	default:
		return 0.30
	}
}

// MetaStatus is the lifecycle state of a memory-meta row.
type MetaStatus string

// Memory lifecycle states. Review and rejected are sticky: only an explicit
// user resolution moves a row out of them.
const (
	StatusUnvetted MetaStatus = "unvetted"
	StatusActive   MetaStatus = "active"
	StatusTrusted  MetaStatus = "trusted"
	StatusDecayed  MetaStatus = "decayed"
	StatusReview   MetaStatus = "review"
	StatusRejected MetaStatus = "rejected"
)

// IsValid checks if the status value is valid.
func (s MetaStatus) IsValid() bool {
	switch s {
	case StatusUnvetted, StatusActive, StatusTrusted, StatusDecayed, StatusReview, StatusRejected:
		return true
	}
	return false
}

// IsSticky reports whether the status survives confidence changes until a
// user resolves it.
func (s MetaStatus) IsSticky() bool {
	return s == StatusReview || s == StatusRejected
}

// PromoteEvent is one entry in a meta row's promote history. History is
// append-only; every status or confidence transition records one.
type PromoteEvent struct {
	From           MetaStatus `json:"from"`
	To             MetaStatus `json:"to"`
	FromConfidence float64    `json:"from_confidence"`
	ToConfidence   float64    `json:"to_confidence"`
	Reason         string     `json:"reason"`
	At             time.Time  `json:"at"`
}

// Contradiction links a meta row to another row asserting a conflicting
// value. Contradictions are data, never errors; the record is appended to
// both sides.
type Contradiction struct {
	OtherMetaID string    `json:"other_meta_id"`
	Field       string    `json:"field,omitempty"`
	PriorValue  string    `json:"prior_value,omitempty"`
	NewValue    string    `json:"new_value,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// MemoryMeta is the provenance and quality record attached to every
// user-visible fact in any store.
type MemoryMeta struct {
	ID             string          `json:"id"`
	SourceType     SourceType      `json:"source_type"`
	SourceRef      string          `json:"source_ref"`
	Origin         Origin          `json:"origin"`
	Confidence     float64         `json:"confidence"`
	Status         MetaStatus      `json:"status"`
	AccessCount    int             `json:"access_count"`
	LastAccessed   *time.Time      `json:"last_accessed,omitempty"`
	LastReinforced *time.Time      `json:"last_reinforced,omitempty"`
	Contradictions []Contradiction `json:"contradictions,omitempty"`
	PromoteHistory []PromoteEvent  `json:"promote_history,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// WriteStatus is the synchronous outcome of an ingestion write.
type WriteStatus string

// Write outcomes. PendingEnrichment means the payload was parked (embedding
// provider unavailable) and a background worker will finish the write.
const (
	WriteAccepted          WriteStatus = "accepted"
	WritePendingEnrichment WriteStatus = "pending_enrichment"
)

// ProfileVersion is one immutable row of the versioned JSON profile.
// Versions are contiguous 1..N per tenant; the largest version is the
// authoritative profile.
type ProfileVersion struct {
	Version       int            `json:"version"`
	Profile       map[string]any `json:"profile"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	ChangedBy     string         `json:"changed_by,omitempty"`
	MetaID        string         `json:"meta_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Tenant is an end-user owning a private namespace in the store.
type Tenant struct {
	ID        string    `json:"id"`
	Schema    string    `json:"schema"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}
