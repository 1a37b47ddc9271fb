// Package ontology defines the closed entity/relation taxonomy and
// validates candidate edges against the relation matrix.
//
// Two operating modes: strict rejects edges with unknown relations or
// endpoint-type violations; soft (self-evolving) lets them through but
// flags them for quarantine review. LLM-invented relation names are
// normalized through a fixed alias map before validation either way.
package ontology

import (
	"strings"

	"github.com/episteme-ai/episteme/internal/types"
)

// Mode selects how unknown relations are handled.
type Mode string

// Operating modes.
const (
	ModeStrict Mode = "strict"
	ModeSoft   Mode = "soft"
)

// Rule constrains a relation's endpoint types. Empty Sources or Targets
// means any type is allowed on that side.
type Rule struct {
	Sources []types.EntityType
	Targets []types.EntityType
	// Temporal relations carry an is_current qualifier: a new edge of this
	// relation from the same source supersedes older ones.
	Temporal bool
}

func (r Rule) allowsSource(t types.EntityType) bool { return typeAllowed(r.Sources, t) }
func (r Rule) allowsTarget(t types.EntityType) bool { return typeAllowed(r.Targets, t) }

func typeAllowed(allowed []types.EntityType, t types.EntityType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// persons is shorthand for rule construction.
var persons = []types.EntityType{types.EntityPerson}

// canonicalRelations is the closed relation set with its endpoint matrix.
var canonicalRelations = map[string]Rule{
	"knows":      {Sources: persons, Targets: persons},
	"married_to": {Sources: persons, Targets: persons},
	"family_of":  {Sources: persons, Targets: persons},
	"friend_of":  {Sources: persons, Targets: persons},

	"works_at": {Sources: persons, Targets: []types.EntityType{types.EntityOrganization}, Temporal: true},
	"attended": {Sources: persons, Targets: []types.EntityType{types.EntityOrganization, types.EntityEvent}},
	"lives_in": {Sources: persons, Targets: []types.EntityType{types.EntityPlace}, Temporal: true},
	"visited":  {Sources: persons, Targets: []types.EntityType{types.EntityPlace}},

	"ate":           {Sources: persons, Targets: []types.EntityType{types.EntityFood}},
	"takes":         {Sources: persons, Targets: []types.EntityType{types.EntityMedication}},
	"does":          {Sources: persons, Targets: []types.EntityType{types.EntityActivity, types.EntityEvent}},
	"watched":       {Sources: persons, Targets: []types.EntityType{types.EntityMedia}},
	"interested_in": {Sources: persons, Targets: []types.EntityType{types.EntityTopic, types.EntityActivity}},
	"tracks":        {Sources: persons, Targets: []types.EntityType{types.EntityPreference}},

	// Preference relations connect a person to anything.
	"likes":    {Sources: persons},
	"dislikes": {Sources: persons},

	"created":    {Sources: []types.EntityType{types.EntityPerson, types.EntityOrganization}},
	"located_in": {Sources: []types.EntityType{types.EntityPlace, types.EntityOrganization}, Targets: []types.EntityType{types.EntityPlace}},

	// Inter-entity relations synthesized by enrichment; unconstrained.
	"category":   {},
	"similar_to": {},
	"part_of":    {},
	"related_to": {},
}

// relationAliases folds LLM-invented relation names onto the canonical
// set. Keys are already in normalized (lower snake) form.
var relationAliases = map[string]string{
	"spouse":          "married_to",
	"husband":         "married_to",
	"wife":            "married_to",
	"married":         "married_to",
	"partner_of":      "married_to",
	"sibling_of":      "family_of",
	"parent_of":       "family_of",
	"child_of":        "family_of",
	"related":         "related_to",
	"associated_with": "related_to",
	"relates_to":      "related_to",
	"connected_to":    "related_to",
	"has_author":      "created",
	"authored":        "created",
	"wrote":           "created",
	"made":            "created",
	"built":           "created",
	"works_for":       "works_at",
	"employed_by":     "works_at",
	"employer":        "works_at",
	"job_at":          "works_at",
	"studied_at":      "attended",
	"studies_at":      "attended",
	"went_to":         "attended",
	"graduated_from":  "attended",
	"enrolled_at":     "attended",
	"eats":            "ate",
	"consumed":        "ate",
	"had":             "ate",
	"enjoys":          "likes",
	"loves":           "likes",
	"prefers":         "likes",
	"favorite":        "likes",
	"hates":           "dislikes",
	"dislike":         "dislikes",
	"avoids":          "dislikes",
	"resides_in":      "lives_in",
	"lives_at":        "lives_in",
	"based_in":        "lives_in",
	"traveled_to":     "visited",
	"visits":          "visited",
	"located_at":      "located_in",
	"in":              "located_in",
	"takes_medication": "takes",
	"prescribed":      "takes",
	"watches":         "watched",
	"viewed":          "watched",
	"reads":           "watched",
	"plays":           "does",
	"practices":       "does",
	"participates_in": "does",
	"is_part_of":      "part_of",
	"member_of":       "part_of",
	"belongs_to":      "part_of",
	"similar":         "similar_to",
	"like":            "similar_to",
	"type_of":         "category",
	"instance_of":     "category",
	"is_a":            "category",
	"friends_with":    "friend_of",
	"friend":          "friend_of",
	"met":             "knows",
	"colleague_of":    "knows",
	"interested":      "interested_in",
	"curious_about":   "interested_in",
}

// entityTypeAliases coerces common LLM type strings onto the taxonomy.
var entityTypeAliases = map[string]types.EntityType{
	"company":      types.EntityOrganization,
	"employer":     types.EntityOrganization,
	"school":       types.EntityOrganization,
	"university":   types.EntityOrganization,
	"team":         types.EntityOrganization,
	"org":          types.EntityOrganization,
	"location":     types.EntityPlace,
	"city":         types.EntityPlace,
	"country":      types.EntityPlace,
	"restaurant":   types.EntityPlace,
	"venue":        types.EntityPlace,
	"gym":          types.EntityPlace,
	"dish":         types.EntityFood,
	"meal":         types.EntityFood,
	"drink":        types.EntityFood,
	"ingredient":   types.EntityFood,
	"subject":      types.EntityTopic,
	"interest":     types.EntityTopic,
	"concept":      types.EntityTopic,
	"hobby":        types.EntityActivity,
	"sport":        types.EntityActivity,
	"exercise":     types.EntityActivity,
	"workout":      types.EntityActivity,
	"drug":         types.EntityMedication,
	"medicine":     types.EntityMedication,
	"supplement":   types.EntityMedication,
	"movie":        types.EntityMedia,
	"film":         types.EntityMedia,
	"book":         types.EntityMedia,
	"show":         types.EntityMedia,
	"song":         types.EntityMedia,
	"podcast":      types.EntityMedia,
	"game":         types.EntityMedia,
	"appointment":  types.EntityEvent,
	"meeting":      types.EntityEvent,
	"trip":         types.EntityEvent,
	"goal":         types.EntityPreference,
	"habit":        types.EntityPreference,
	"friend":       types.EntityPerson,
	"contact":      types.EntityPerson,
	"family":       types.EntityPerson,
	"relative":     types.EntityPerson,
}

// NormalizeRelation lowercases, snake-cases, and alias-maps a relation
// name. The result is canonical when the input was known; otherwise it is
// the cleaned-up novel name.
func NormalizeRelation(relation string) string {
	rel := strings.ToLower(strings.TrimSpace(relation))
	rel = strings.Join(strings.FieldsFunc(rel, func(r rune) bool {
		return r == ' ' || r == '-' || r == '\t'
	}), "_")
	if canonical, ok := relationAliases[rel]; ok {
		return canonical
	}
	return rel
}

// CoerceEntityType maps a free-form type string onto the closed taxonomy.
// Unknown strings land on custom; ok is false in that case so callers can
// log what the model invented.
func CoerceEntityType(raw string) (types.EntityType, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "_")
	if t := types.EntityType(s); t.IsValid() {
		return t, true
	}
	if t, ok := entityTypeAliases[s]; ok {
		return t, true
	}
	return types.EntityCustom, false
}

// IsTemporalRelation reports whether the canonical relation supersedes
// older edges of the same relation from the same source.
func IsTemporalRelation(relation string) bool {
	r, ok := canonicalRelations[relation]
	return ok && r.Temporal
}

// CanonicalRelations returns the relation vocabulary, for prompt building.
func CanonicalRelations() []string {
	out := make([]string, 0, len(canonicalRelations))
	for rel := range canonicalRelations {
		out = append(out, rel)
	}
	return out
}
