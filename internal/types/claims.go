package types

import (
	"time"
)

// ClaimStatus is the lifecycle state of a knowledge claim.
type ClaimStatus string

// Claim states. Superseded claims stay in the ledger; the ledger is
// append-mostly and never deletes.
const (
	ClaimActive     ClaimStatus = "active"
	ClaimSuperseded ClaimStatus = "superseded"
)

// IsValid checks if the claim status value is valid.
func (s ClaimStatus) IsValid() bool {
	switch s {
	case ClaimActive, ClaimSuperseded:
		return true
	}
	return false
}

// ClaimMethod records how a claim was derived.
type ClaimMethod string

// Claim derivation methods.
const (
	MethodDirect    ClaimMethod = "direct"
	MethodExtracted ClaimMethod = "extracted"
	MethodInferred  ClaimMethod = "inferred"
)

// IsValid checks if the claim method value is valid.
func (m ClaimMethod) IsValid() bool {
	switch m {
	case MethodDirect, MethodExtracted, MethodInferred:
		return true
	}
	return false
}

// KnowledgeClaim is one row of the per-tenant claim ledger: a
// subject/predicate/object assertion with provenance. The ledger is the
// replayable source of truth behind the derived stores.
type KnowledgeClaim struct {
	ID          string      `json:"id"`
	ClaimType   string      `json:"claim_type"`
	SubjectKind string      `json:"subject_kind"`
	SubjectRef  string      `json:"subject_ref"`
	Predicate   string      `json:"predicate"`
	Object      string      `json:"object"`
	Confidence  float64     `json:"confidence"`
	Status      ClaimStatus `json:"status"`
	Method      ClaimMethod `json:"method"`
	Origin      Origin      `json:"origin"`
	SourceRef   string      `json:"source_ref,omitempty"`
	WriteID     string      `json:"write_id,omitempty"`
	AgentID     string      `json:"agent_id,omitempty"`
	Evidence    []string    `json:"evidence,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ClaimEventType classifies ledger events.
type ClaimEventType string

// Claim ledger events.
const (
	ClaimEventCreated      ClaimEventType = "created"
	ClaimEventReaffirmed   ClaimEventType = "reaffirmed"
	ClaimEventContradicted ClaimEventType = "contradicted"
	ClaimEventSuperseded   ClaimEventType = "superseded"
)

// ClaimEvent is an append-only record of something happening to a claim.
type ClaimEvent struct {
	ID        int64          `json:"id"`
	ClaimID   string         `json:"claim_id"`
	EventType ClaimEventType `json:"event_type"`
	Detail    string         `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
