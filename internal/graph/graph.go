// Package graph is the knowledge-graph engine: typed entities, weighted
// edges with reinforcement and temporal supersession, traversal, pattern
// queries, and centrality statistics.
//
// Every mutation runs inside a tenant transaction and keeps the dedup
// invariant: at most one live entity per (type, canonical name). Entity
// creation therefore always goes through the dedup engine first; a match
// reinforces the existing node instead of inserting a twin.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/dedup"
	"github.com/episteme-ai/episteme/internal/metering"
	"github.com/episteme-ai/episteme/internal/ontology"
	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/queue"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

const entityColumns = `id, entity_type, name, normalized_name, properties, confidence,
	mention_count, first_seen, last_seen, meta_id, _deleted_at`

// Config wires the graph engine's collaborators. Meter may be nil to skip
// entity-cap enforcement (internal writers); Queue may be nil to disable
// edge vectorization regardless of the flag.
type Config struct {
	Quality   *quality.Engine
	Dedup     *dedup.Engine
	Validator *ontology.Validator
	Meter     *metering.Meter
	Queue     *queue.Queue
	// VectorizeEdges submits new edge summaries for embedding into the
	// graph_edges collection.
	VectorizeEdges bool
}

// Store is the graph engine. Safe for concurrent use; all state lives in
// the database.
type Store struct {
	quality   *quality.Engine
	dedup     *dedup.Engine
	validator *ontology.Validator
	meter     *metering.Meter
	queue     *queue.Queue
	vectorize bool
	log       *zap.Logger
}

// NewStore builds the graph engine.
func NewStore(cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		quality:   cfg.Quality,
		dedup:     cfg.Dedup,
		validator: cfg.Validator,
		meter:     cfg.Meter,
		queue:     cfg.Queue,
		vectorize: cfg.VectorizeEdges && cfg.Queue != nil,
		log:       log.Named("graph"),
	}
}

// EntityInput describes a node to create or reinforce.
type EntityInput struct {
	Type       types.EntityType
	Name       string
	Properties map[string]any
	Origin     types.Origin
	// Tier enables the graph-entity cap; the zero value skips enforcement
	// for trusted internal writers.
	Tier types.Tier
	// Context carries dedup disambiguation signals.
	Context *dedup.Context
}

// CreateEntity inserts a node, or reinforces the existing one the dedup
// engine collapses it onto. The returned bool is true when a new row was
// created.
func (s *Store) CreateEntity(ctx context.Context, tx *storage.Tx, in EntityInput) (*types.Entity, bool, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, false, types.NewError(types.KindValidation, "entity name is empty")
	}
	if !in.Type.IsValid() {
		return nil, false, types.NewError(types.KindValidation, "unknown entity type %q", in.Type)
	}
	if !in.Origin.IsValid() {
		return nil, false, types.NewError(types.KindValidation, "unknown origin %q", in.Origin)
	}

	match, err := s.dedup.FindMatch(ctx, tx, dedup.Candidate{Type: in.Type, Name: name, Context: in.Context})
	if err != nil {
		return nil, false, err
	}
	if match != nil {
		ent, err := s.ReinforceEntity(ctx, tx, match.Entity.ID, in.Properties)
		if err != nil {
			return nil, false, err
		}
		s.log.Debug("entity deduplicated",
			zap.String("tenant", tx.TenantID),
			zap.String("name", name),
			zap.String("stage", string(match.Stage)),
			zap.Int64("entity", ent.ID))
		return ent, false, nil
	}

	if s.meter != nil && in.Tier.IsValid() {
		if err := s.meter.EnforceLimit(ctx, tx, in.Tier, types.ResourceGraphEntities); err != nil {
			return nil, false, err
		}
	}

	props, err := json.Marshal(normalizeProps(in.Properties))
	if err != nil {
		return nil, false, types.WrapError(types.KindValidation, err, "encode entity properties")
	}
	now := time.Now().UTC()
	confidence := in.Origin.InitialConfidence()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO entities (entity_type, name, normalized_name, properties, confidence, mention_count, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		RETURNING id`,
		string(in.Type), name, types.NormalizeEntityName(name), props, confidence, now).Scan(&id)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			// Lost a race with a concurrent writer of the same name; the
			// winner's row is the one to reinforce.
			return nil, false, types.WrapError(types.KindTransient, err, "entity %q was created concurrently", name)
		}
		return nil, false, types.WrapError(types.KindFatal, err, "insert entity %q", name)
	}

	meta, err := s.quality.CreateMeta(ctx, tx, types.SourceEntity, fmt.Sprintf("entity:%d", id), in.Origin)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE entities SET meta_id = $2 WHERE id = $1`, id, meta.ID); err != nil {
		return nil, false, types.WrapError(types.KindFatal, err, "attach meta to entity %d", id)
	}

	s.log.Debug("entity created",
		zap.String("tenant", tx.TenantID),
		zap.String("type", string(in.Type)),
		zap.String("name", name),
		zap.Int64("entity", id))

	return &types.Entity{
		ID:           id,
		Type:         in.Type,
		Name:         name,
		Properties:   normalizeProps(in.Properties),
		Confidence:   confidence,
		MentionCount: 1,
		FirstSeen:    now,
		LastSeen:     now,
		MetaID:       meta.ID,
	}, true, nil
}

// ReinforceEntity bumps an entity's mention count, refreshes last_seen,
// fills property gaps from the new observation (stored values win), and
// sends a mention event to its meta.
func (s *Store) ReinforceEntity(ctx context.Context, tx *storage.Tx, id int64, newProps map[string]any) (*types.Entity, error) {
	ent, err := s.lockEntity(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	merged := normalizeProps(ent.Properties)
	changed := false
	for k, v := range newProps {
		if _, ok := merged[k]; !ok {
			merged[k] = v
			changed = true
		}
	}

	if changed {
		props, err := json.Marshal(merged)
		if err != nil {
			return nil, types.WrapError(types.KindValidation, err, "encode entity properties")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE entities SET properties = $2, mention_count = mention_count + 1, last_seen = now()
			WHERE id = $1`, id, props); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "reinforce entity %d", id)
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE entities SET mention_count = mention_count + 1, last_seen = now()
			WHERE id = $1`, id); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "reinforce entity %d", id)
		}
	}

	if ent.MetaID != "" {
		if err := s.quality.RecordMention(ctx, tx, ent.MetaID); err != nil {
			return nil, err
		}
	}

	ent.Properties = merged
	ent.MentionCount++
	ent.LastSeen = time.Now().UTC()
	return ent, nil
}

// GetEntity returns a live entity by id.
func (s *Store) GetEntity(ctx context.Context, tx *storage.Tx, id int64) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE id = $1 AND _deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "entity %d not found", id)
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "get entity %d", id)
	}
	return ent, nil
}

func (s *Store) lockEntity(ctx context.Context, tx *storage.Tx, id int64) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE id = $1 AND _deleted_at IS NULL FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "entity %d not found", id)
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "lock entity %d", id)
	}
	return ent, nil
}

// FindEntity looks a live entity up by exact (case-insensitive) name within
// a type. Returns nil when absent.
func (s *Store) FindEntity(ctx context.Context, tx *storage.Tx, t types.EntityType, name string) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type = $1 AND normalized_name = $2 AND _deleted_at IS NULL`,
		string(t), types.NormalizeEntityName(name)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "find entity %q", name)
	}
	return ent, nil
}

// FindEntityFuzzy returns the most similar live entity of any type, or nil
// when nothing clears the trigram floor. Used to resolve free-text entity
// references from extraction.
func (s *Store) FindEntityFuzzy(ctx context.Context, tx *storage.Tx, name string) (*types.Entity, error) {
	normalized := types.NormalizeEntityName(name)
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE _deleted_at IS NULL AND similarity(normalized_name, $1) > $2
		ORDER BY similarity(normalized_name, $1) DESC
		LIMIT 1`, normalized, 0.3))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "fuzzy entity lookup %q", name)
	}
	return ent, nil
}

// ListEntitiesInput filters ListEntities.
type ListEntitiesInput struct {
	Type  types.EntityType // zero value lists all types
	Limit int              // default 50
}

// ListEntities returns live entities ordered by mention count.
func (s *Store) ListEntities(ctx context.Context, tx *storage.Tx, in ListEntitiesInput) ([]*types.Entity, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if in.Type != "" {
		rows, err = tx.Query(ctx, `
			SELECT `+entityColumns+` FROM entities
			WHERE entity_type = $1 AND _deleted_at IS NULL
			ORDER BY mention_count DESC, id
			LIMIT $2`, string(in.Type), limit)
	} else {
		rows, err = tx.Query(ctx, `
			SELECT `+entityColumns+` FROM entities
			WHERE _deleted_at IS NULL
			ORDER BY mention_count DESC, id
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "list entities")
	}
	defer rows.Close()

	var ents []*types.Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		ents = append(ents, ent)
	}
	return ents, rows.Err()
}

// SoftDeleteEntity hides an entity and every edge touching it.
func (s *Store) SoftDeleteEntity(ctx context.Context, tx *storage.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE entities SET _deleted_at = now() WHERE id = $1 AND _deleted_at IS NULL`, id)
	if err != nil {
		return types.WrapError(types.KindFatal, err, "delete entity %d", id)
	}
	if tag.RowsAffected() == 0 {
		return types.NewError(types.KindNotFound, "entity %d not found", id)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE edges SET _deleted_at = now()
		WHERE (source_id = $1 OR target_id = $1) AND _deleted_at IS NULL`, id); err != nil {
		return types.WrapError(types.KindFatal, err, "delete edges of entity %d", id)
	}
	s.log.Info("entity soft-deleted", zap.String("tenant", tx.TenantID), zap.Int64("entity", id))
	return nil
}

// Owner returns the tenant's owner node, creating it on first use. The name
// comes from the profile; an empty name falls back to the default. When a
// person of that name already exists, it is promoted to owner rather than
// duplicated.
func (s *Store) Owner(ctx context.Context, tx *storage.Tx, name string) (*types.Entity, error) {
	ent, err := s.findOwner(ctx, tx)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return ent, nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = types.DefaultOwnerName
	}
	ent, created, err := s.CreateEntity(ctx, tx, EntityInput{
		Type:       types.EntityPerson,
		Name:       name,
		Properties: map[string]any{types.OwnerProperty: true},
		Origin:     types.OriginSystem,
	})
	if err != nil {
		return nil, err
	}
	if !created && !ent.IsOwner() {
		// The name matched an existing person; mark it as the owner node.
		props := normalizeProps(ent.Properties)
		props[types.OwnerProperty] = true
		encoded, err := json.Marshal(props)
		if err != nil {
			return nil, types.WrapError(types.KindValidation, err, "encode owner properties")
		}
		if _, err := tx.Exec(ctx, `UPDATE entities SET properties = $2 WHERE id = $1`, ent.ID, encoded); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "mark entity %d as owner", ent.ID)
		}
		ent.Properties = props
	}
	return ent, nil
}

func (s *Store) findOwner(ctx context.Context, tx *storage.Tx) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type = $1 AND properties->>$2 = 'true' AND _deleted_at IS NULL
		ORDER BY id
		LIMIT 1`, string(types.EntityPerson), types.OwnerProperty))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "find owner entity")
	}
	return ent, nil
}

func scanEntity(row pgx.Row) (*types.Entity, error) {
	var (
		ent        types.Entity
		normalized string
		metaID     *string
	)
	err := row.Scan(&ent.ID, &ent.Type, &ent.Name, &normalized, &ent.Properties, &ent.Confidence,
		&ent.MentionCount, &ent.FirstSeen, &ent.LastSeen, &metaID, &ent.DeletedAt)
	if err != nil {
		return nil, err
	}
	if metaID != nil {
		ent.MetaID = *metaID
	}
	return &ent, nil
}

func normalizeProps(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
