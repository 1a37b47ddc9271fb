package types

import (
	"time"
)

// EntityType is the closed entity taxonomy. Anything an extractor produces
// outside this set is coerced to EntityCustom (soft mode) or dropped
// (strict mode).
type EntityType string

// Entity types.
const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityPlace        EntityType = "place"
	EntityFood         EntityType = "food"
	EntityTopic        EntityType = "topic"
	EntityPreference   EntityType = "preference"
	EntityEvent        EntityType = "event"
	EntityActivity     EntityType = "activity"
	EntityMedication   EntityType = "medication"
	EntityMedia        EntityType = "media"
	EntityCustom       EntityType = "custom"
)

// IsValid checks if the entity type value is valid.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityPerson, EntityOrganization, EntityPlace, EntityFood,
		EntityTopic, EntityPreference, EntityEvent, EntityActivity,
		EntityMedication, EntityMedia, EntityCustom:
		return true
	}
	return false
}

// AllEntityTypes returns the taxonomy in declaration order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityPerson, EntityOrganization, EntityPlace, EntityFood,
		EntityTopic, EntityPreference, EntityEvent, EntityActivity,
		EntityMedication, EntityMedia, EntityCustom,
	}
}

// Owner entity markers. The owner is the person node standing for the
// tenant, lazily materialized by extraction; dedup never merges it away.
const (
	// OwnerProperty is the entity property flagging the owner node.
	OwnerProperty = "is_owner"
	// DefaultOwnerName names the owner when the profile has no name yet.
	DefaultOwnerName = "user"
)

// Entity is a node in the tenant's knowledge graph. At most one non-deleted
// entity exists per (type, canonical name).
type Entity struct {
	ID           int64          `json:"id"`
	Type         EntityType     `json:"type"`
	Name         string         `json:"name"`
	Properties   map[string]any `json:"properties,omitempty"`
	Confidence   float64        `json:"confidence"`
	MentionCount int            `json:"mention_count"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
	MetaID       string         `json:"meta_id,omitempty"`
}

// IsOwner reports whether the entity is the tenant's owner node.
func (e *Entity) IsOwner() bool {
	if e.Type != EntityPerson {
		return false
	}
	v, ok := e.Properties[OwnerProperty]
	b, isBool := v.(bool)
	return ok && isBool && b
}

// Edge is a weighted, directed relation between two entities. Weight grows
// by reinforcement and is capped at MaxEdgeWeight; evidence keeps the most
// recent supporting snippets.
type Edge struct {
	ID         int64          `json:"id"`
	SourceID   int64          `json:"source_id"`
	TargetID   int64          `json:"target_id"`
	Relation   string         `json:"relation"`
	Weight     float64        `json:"weight"`
	Confidence float64        `json:"confidence"`
	IsCurrent  bool           `json:"is_current"`
	Evidence   []string       `json:"evidence,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastSeen   time.Time      `json:"last_seen"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	MetaID     string         `json:"meta_id,omitempty"`
}

// Edge reinforcement constants.
const (
	// MaxEdgeWeight caps reinforcement; repeated observations saturate here.
	MaxEdgeWeight = 10.0
	// EdgeWeightStep is the weight added per repeated observation.
	EdgeWeightStep = 1.0
	// MaxEdgeEvidence bounds the evidence list; older snippets roll off.
	MaxEdgeEvidence = 5
)

// QuarantinedEdge is a relation rejected by the ontology matrix in soft
// mode, parked for review instead of entering the graph.
type QuarantinedEdge struct {
	ID         int64      `json:"id"`
	SourceName string     `json:"source_name"`
	SourceType EntityType `json:"source_type"`
	TargetName string     `json:"target_name"`
	TargetType EntityType `json:"target_type"`
	Relation   string     `json:"relation"`
	Reason     string     `json:"reason"`
	Evidence   string     `json:"evidence,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
