package graph

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/episteme-ai/episteme/internal/ontology"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Pattern names for PatternResult.
const (
	PatternCoParticipants = "co_participants"
	PatternLikedType      = "liked_type"
	PatternWhereVerb      = "where_verb"
)

// Recognized question shapes. Questions are lowercased and stripped of
// trailing punctuation before matching.
var (
	reWhoWith   = regexp.MustCompile(`^who do i ([a-z]+)(?: (.+?))? with$`)
	reWhatLike  = regexp.MustCompile(`^what ([a-z ]+?) do i (?:like|love|enjoy|prefer)$`)
	reWhereVerb = regexp.MustCompile(`^where do i ([a-z ]+)$`)
)

// verbRelations maps first-person verbs onto canonical relations. Verbs
// not listed here fall back to the ontology alias map.
var verbRelations = map[string]string{
	"work":      "works_at",
	"volunteer": "works_at",
	"live":      "lives_in",
	"eat":       "ate",
	"study":     "attended",
	"go":        "visited",
	"shop":      "visited",
	"train":     "does",
	"play":      "does",
	"practice":  "does",
	"exercise":  "does",
	"watch":     "watched",
	"read":      "watched",
	"take":      "takes",
}

// PatternResult is the answer to a recognized natural-language question.
type PatternResult struct {
	Pattern  string          `json:"pattern"`
	Relation string          `json:"relation,omitempty"`
	Entities []*types.Entity `json:"entities"`
}

// PatternQuery parses a small set of question shapes ("who do I X with",
// "what T do I like", "where do I V") into graph queries anchored on the
// owner entity. Unrecognized shapes fail with an unsupported_pattern
// validation error; an empty graph yields empty results, not an error.
func (s *Store) PatternQuery(ctx context.Context, tx *storage.Tx, question string) (*PatternResult, error) {
	q := normalizeQuestion(question)

	if m := reWhoWith.FindStringSubmatch(q); m != nil {
		return s.coParticipants(ctx, tx, m[1], strings.TrimSpace(m[2]))
	}
	if m := reWhatLike.FindStringSubmatch(q); m != nil {
		return s.likedType(ctx, tx, strings.TrimSpace(m[1]))
	}
	if m := reWhereVerb.FindStringSubmatch(q); m != nil {
		return s.whereVerb(ctx, tx, strings.TrimSpace(m[1]))
	}
	return nil, types.NewReasonError(types.KindValidation, "unsupported_pattern",
		"question %q does not match a supported shape", question)
}

func normalizeQuestion(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	return strings.TrimRight(q, "?!. ")
}

// verbRelation resolves a first-person verb to a canonical relation.
func (s *Store) verbRelation(verb string) string {
	if rel, ok := verbRelations[verb]; ok {
		return rel
	}
	return s.validator.Normalize(verb)
}

// coParticipants answers "who do I [verb] (topic) with": other persons
// attached to the topic entity, or, without a topic, to the owner's
// current targets of the verb's relation.
func (s *Store) coParticipants(ctx context.Context, tx *storage.Tx, verb, topic string) (*PatternResult, error) {
	relation := s.verbRelation(verb)
	result := &PatternResult{Pattern: PatternCoParticipants, Relation: relation}

	owner, err := s.findOwner(ctx, tx)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return result, nil
	}

	var rows pgx.Rows
	if topic != "" {
		hub, err := s.FindEntityFuzzy(ctx, tx, topic)
		if err != nil {
			return nil, err
		}
		if hub == nil {
			return result, nil
		}
		rows, err = tx.Query(ctx, `
			SELECT * FROM (
				SELECT DISTINCT ON (p.id) `+prefixedEntityColumns("p")+`, e.weight
				FROM edges e
				JOIN entities p ON p.id = e.source_id
				WHERE e.target_id = $1 AND e.source_id <> $2
				  AND p.entity_type = $3
				  AND e._deleted_at IS NULL AND p._deleted_at IS NULL
				ORDER BY p.id, e.weight DESC
			) sub ORDER BY weight DESC`,
			hub.ID, owner.ID, string(types.EntityPerson))
		if err != nil {
			return nil, types.WrapError(types.KindFatal, err, "query co-participants of %q", topic)
		}
	} else {
		rows, err = tx.Query(ctx, `
			SELECT * FROM (
				SELECT DISTINCT ON (p.id) `+prefixedEntityColumns("p")+`, e2.weight
				FROM edges e1
				JOIN edges e2 ON e2.target_id = e1.target_id
				JOIN entities p ON p.id = e2.source_id
				WHERE e1.source_id = $1 AND e1.relation = $2 AND e1.is_current
				  AND e2.source_id <> $1
				  AND p.entity_type = $3
				  AND e1._deleted_at IS NULL AND e2._deleted_at IS NULL AND p._deleted_at IS NULL
				ORDER BY p.id, e2.weight DESC
			) sub ORDER BY weight DESC`,
			owner.ID, relation, string(types.EntityPerson))
		if err != nil {
			return nil, types.WrapError(types.KindFatal, err, "query co-participants via %s", relation)
		}
	}
	result.Entities, err = collectWeighted(rows)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// likedType answers "what [type] do I like": targets of the owner's likes
// edges restricted to the asked entity type.
func (s *Store) likedType(ctx context.Context, tx *storage.Tx, rawType string) (*PatternResult, error) {
	entityType, ok := coerceTypeWord(rawType)
	if !ok {
		return nil, types.NewReasonError(types.KindValidation, "unsupported_pattern",
			"%q is not a known entity type", rawType)
	}
	result := &PatternResult{Pattern: PatternLikedType, Relation: "likes"}

	owner, err := s.findOwner(ctx, tx)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return result, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT `+prefixedEntityColumns("t")+`, e.weight
		FROM edges e
		JOIN entities t ON t.id = e.target_id
		WHERE e.source_id = $1 AND e.relation = $2
		  AND t.entity_type = $3
		  AND e._deleted_at IS NULL AND t._deleted_at IS NULL
		ORDER BY e.weight DESC, t.mention_count DESC`,
		owner.ID, result.Relation, string(entityType))
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "query liked %s entities", entityType)
	}
	result.Entities, err = collectWeighted(rows)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// whereVerb answers "where do I [verb]": the owner's targets of the verb's
// relation, current edges first.
func (s *Store) whereVerb(ctx context.Context, tx *storage.Tx, verb string) (*PatternResult, error) {
	relation := s.verbRelation(strings.Fields(verb)[0])
	result := &PatternResult{Pattern: PatternWhereVerb, Relation: relation}

	owner, err := s.findOwner(ctx, tx)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return result, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT `+prefixedEntityColumns("t")+`, e.weight
		FROM edges e
		JOIN entities t ON t.id = e.target_id
		WHERE e.source_id = $1 AND e.relation = $2
		  AND e._deleted_at IS NULL AND t._deleted_at IS NULL
		ORDER BY e.is_current DESC, e.weight DESC`,
		owner.ID, relation)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "query %s targets", relation)
	}
	result.Entities, err = collectWeighted(rows)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// coerceTypeWord maps a (possibly plural) type word onto the taxonomy.
func coerceTypeWord(word string) (types.EntityType, bool) {
	word = strings.TrimSpace(word)
	if t, ok := ontology.CoerceEntityType(word); ok {
		return t, true
	}
	if strings.HasSuffix(word, "es") {
		if t, ok := ontology.CoerceEntityType(word[:len(word)-2]); ok {
			return t, true
		}
	}
	if strings.HasSuffix(word, "s") {
		if t, ok := ontology.CoerceEntityType(word[:len(word)-1]); ok {
			return t, true
		}
	}
	return types.EntityCustom, false
}

func prefixedEntityColumns(alias string) string {
	cols := strings.Split(entityColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// collectWeighted scans entity rows that carry a trailing weight column,
// which orders the result but is not returned.
func collectWeighted(rows pgx.Rows) ([]*types.Entity, error) {
	defer rows.Close()
	var out []*types.Entity
	for rows.Next() {
		var (
			ent        types.Entity
			normalized string
			metaID     *string
			weight     float64
		)
		err := rows.Scan(&ent.ID, &ent.Type, &ent.Name, &normalized, &ent.Properties, &ent.Confidence,
			&ent.MentionCount, &ent.FirstSeen, &ent.LastSeen, &metaID, &ent.DeletedAt, &weight)
		if err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan pattern result")
		}
		if metaID != nil {
			ent.MetaID = *metaID
		}
		out = append(out, &ent)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindFatal, err, "scan pattern results")
	}
	return out, nil
}
