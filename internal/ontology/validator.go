package ontology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/episteme-ai/episteme/internal/types"
)

// Result is the validator's verdict on a candidate edge. Quarantine means
// a review row should be written; Valid decides whether the edge itself
// may enter the graph.
type Result struct {
	Valid      bool
	Quarantine bool
	// Relation is the canonical (alias-mapped) relation name.
	Relation string
	// Reason is a stable token for quarantine rows: unknown_relation,
	// source_type_mismatch, target_type_mismatch.
	Reason string
}

// Validator checks edges against the relation matrix. It is immutable
// after construction and safe for concurrent use.
type Validator struct {
	mode      Mode
	relations map[string]Rule
	aliases   map[string]string
}

// Overlay extends the built-in taxonomy at startup. Self-evolving
// deployments persist reviewed quarantine relations here.
type Overlay struct {
	Relations map[string]OverlayRule `yaml:"relations"`
	Aliases   map[string]string      `yaml:"aliases"`
}

// OverlayRule is the YAML shape of a relation rule.
type OverlayRule struct {
	Sources  []string `yaml:"sources"`
	Targets  []string `yaml:"targets"`
	Temporal bool     `yaml:"temporal"`
}

// NewValidator builds a validator for the given mode over the built-in
// taxonomy plus an optional overlay.
func NewValidator(mode Mode, overlay *Overlay) (*Validator, error) {
	if mode != ModeStrict && mode != ModeSoft {
		return nil, fmt.Errorf("ontology: unknown mode %q", mode)
	}

	v := &Validator{
		mode:      mode,
		relations: make(map[string]Rule, len(canonicalRelations)),
		aliases:   make(map[string]string, len(relationAliases)),
	}
	for rel, rule := range canonicalRelations {
		v.relations[rel] = rule
	}
	for alias, canonical := range relationAliases {
		v.aliases[alias] = canonical
	}

	if overlay != nil {
		for rel, or := range overlay.Relations {
			rule := Rule{Temporal: or.Temporal}
			for _, s := range or.Sources {
				t, ok := CoerceEntityType(s)
				if !ok {
					return nil, fmt.Errorf("ontology: overlay relation %s: unknown source type %q", rel, s)
				}
				rule.Sources = append(rule.Sources, t)
			}
			for _, s := range or.Targets {
				t, ok := CoerceEntityType(s)
				if !ok {
					return nil, fmt.Errorf("ontology: overlay relation %s: unknown target type %q", rel, s)
				}
				rule.Targets = append(rule.Targets, t)
			}
			v.relations[NormalizeRelation(rel)] = rule
		}
		for alias, canonical := range overlay.Aliases {
			v.aliases[NormalizeRelation(alias)] = NormalizeRelation(canonical)
		}
	}
	return v, nil
}

// LoadOverlay reads an overlay YAML file.
func LoadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ontology: failed to read overlay: %w", err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("ontology: failed to parse overlay: %w", err)
	}
	return &o, nil
}

// Mode returns the operating mode.
func (v *Validator) Mode() Mode {
	return v.mode
}

// Normalize alias-maps a relation through the validator's (possibly
// overlaid) alias table.
func (v *Validator) Normalize(relation string) string {
	rel := NormalizeRelation(relation)
	if canonical, ok := v.aliases[rel]; ok {
		return canonical
	}
	return rel
}

// Temporal reports whether the relation supersedes older edges.
func (v *Validator) Temporal(relation string) bool {
	r, ok := v.relations[v.Normalize(relation)]
	return ok && r.Temporal
}

// ValidateEdge checks a candidate edge. The relation is normalized first;
// Result.Relation always carries the canonical name.
func (v *Validator) ValidateEdge(relation string, source, target types.EntityType) Result {
	rel := v.Normalize(relation)
	rule, known := v.relations[rel]
	if !known {
		// Strict mode rejects novel relations outright; soft mode stores
		// the edge and parks a quarantine row for review.
		return Result{
			Valid:      v.mode == ModeSoft,
			Quarantine: true,
			Relation:   rel,
			Reason:     "unknown_relation",
		}
	}

	if !rule.allowsSource(source) {
		return Result{
			Valid:      v.mode == ModeSoft,
			Quarantine: true,
			Relation:   rel,
			Reason:     "source_type_mismatch",
		}
	}
	if !rule.allowsTarget(target) {
		return Result{
			Valid:      v.mode == ModeSoft,
			Quarantine: true,
			Relation:   rel,
			Reason:     "target_type_mismatch",
		}
	}
	return Result{Valid: true, Relation: rel}
}
