package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/queue"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
	"github.com/episteme-ai/episteme/internal/vectors"
)

const edgeColumns = `id, source_id, target_id, relation, weight, confidence, is_current,
	evidence, properties, meta_id, created_at, last_seen, _deleted_at`

// EdgeInput describes one observed relation between two existing entities.
type EdgeInput struct {
	SourceID int64
	TargetID int64
	Relation string
	// Evidence is the supporting snippet for this observation.
	Evidence   string
	Properties map[string]any
	// Confidence overrides the origin's initial confidence when positive.
	Confidence float64
	Origin     types.Origin
}

// CreateEdge records a relation observation. Re-observing an existing
// (source, target, relation) edge reinforces it: weight grows by one step
// up to the cap, the evidence snippet is appended, confidence rises to the
// max, and the edge becomes current again. A new edge of a temporal
// relation (works_at, lives_in) supersedes older edges from the same
// source, flipping them non-current and recording the change as a
// contradiction between their meta rows.
func (s *Store) CreateEdge(ctx context.Context, tx *storage.Tx, in EdgeInput) (*types.Edge, error) {
	if !in.Origin.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown origin %q", in.Origin)
	}
	src, err := s.GetEntity(ctx, tx, in.SourceID)
	if err != nil {
		return nil, err
	}
	tgt, err := s.GetEntity(ctx, tx, in.TargetID)
	if err != nil {
		return nil, err
	}

	res := s.validator.ValidateEdge(in.Relation, src.Type, tgt.Type)
	if res.Quarantine {
		if err := s.writeQuarantine(ctx, tx, src, tgt, res.Relation, res.Reason, in.Evidence); err != nil {
			return nil, err
		}
	}
	if !res.Valid {
		return nil, types.NewReasonError(types.KindValidation, res.Reason,
			"edge %s -%s-> %s rejected by ontology", src.Name, res.Relation, tgt.Name)
	}
	relation := res.Relation

	var superseded []supersededEdge
	if s.validator.Temporal(relation) {
		superseded, err = s.retireCurrentEdges(ctx, tx, src.ID, tgt.ID, relation)
		if err != nil {
			return nil, err
		}
	}

	edge, err := s.upsertEdge(ctx, tx, src, tgt, relation, in)
	if err != nil {
		return nil, err
	}

	for _, old := range superseded {
		if old.MetaID == "" || edge.MetaID == "" {
			continue
		}
		err := s.quality.RecordContradiction(ctx, tx, quality.ContradictionInput{
			PriorMetaID: old.MetaID,
			NextMetaID:  edge.MetaID,
			Field:       relation,
			PriorValue:  old.TargetName,
			NextValue:   tgt.Name,
			Reason:      "temporal transition",
		})
		if err != nil {
			return nil, err
		}
	}

	s.vectorizeEdge(ctx, tx, src, relation, tgt, edge.ID)
	return edge, nil
}

// supersededEdge is a retired current edge awaiting its contradiction link.
type supersededEdge struct {
	ID         int64
	MetaID     string
	TargetName string
}

// retireCurrentEdges flips is_current off on live edges of the relation
// from the same source to a different target.
func (s *Store) retireCurrentEdges(ctx context.Context, tx *storage.Tx, sourceID, newTargetID int64, relation string) ([]supersededEdge, error) {
	rows, err := tx.Query(ctx, `
		SELECT e.id, e.meta_id, t.name
		FROM edges e
		JOIN entities t ON t.id = e.target_id
		WHERE e.source_id = $1 AND e.relation = $2 AND e.target_id <> $3
		  AND e.is_current AND e._deleted_at IS NULL
		FOR UPDATE OF e`,
		sourceID, relation, newTargetID)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "find current %s edges", relation)
	}
	defer rows.Close()

	var old []supersededEdge
	for rows.Next() {
		var (
			se     supersededEdge
			metaID *string
		)
		if err := rows.Scan(&se.ID, &metaID, &se.TargetName); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan superseded edge")
		}
		if metaID != nil {
			se.MetaID = *metaID
		}
		old = append(old, se)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindFatal, err, "find current %s edges", relation)
	}

	for _, se := range old {
		if _, err := tx.Exec(ctx, `
			UPDATE edges SET is_current = false, last_seen = now() WHERE id = $1`, se.ID); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "retire edge %d", se.ID)
		}
		s.log.Debug("edge superseded",
			zap.String("tenant", tx.TenantID),
			zap.Int64("edge", se.ID),
			zap.String("relation", relation),
			zap.String("old_target", se.TargetName))
	}
	return old, nil
}

func (s *Store) upsertEdge(ctx context.Context, tx *storage.Tx, src, tgt *types.Entity, relation string, in EdgeInput) (*types.Edge, error) {
	existing, err := s.lockEdge(ctx, tx, src.ID, tgt.ID, relation)
	if err != nil {
		return nil, err
	}
	confidence := in.Confidence
	if confidence <= 0 {
		confidence = in.Origin.InitialConfidence()
	}

	if existing != nil {
		existing.Weight = existing.Weight + types.EdgeWeightStep
		if existing.Weight > types.MaxEdgeWeight {
			existing.Weight = types.MaxEdgeWeight
		}
		if confidence > existing.Confidence {
			existing.Confidence = confidence
		}
		existing.Evidence = appendEvidence(existing.Evidence, in.Evidence)
		existing.IsCurrent = true
		existing.LastSeen = time.Now().UTC()

		evidence, err := json.Marshal(existing.Evidence)
		if err != nil {
			return nil, types.WrapError(types.KindValidation, err, "encode edge evidence")
		}
		_, err = tx.Exec(ctx, `
			UPDATE edges
			SET weight = $2, confidence = $3, evidence = $4, is_current = true, last_seen = now()
			WHERE id = $1`,
			existing.ID, existing.Weight, existing.Confidence, evidence)
		if err != nil {
			return nil, types.WrapError(types.KindFatal, err, "reinforce edge %d", existing.ID)
		}
		if existing.MetaID != "" {
			if err := s.quality.RecordMention(ctx, tx, existing.MetaID); err != nil {
				return nil, err
			}
		}
		s.log.Debug("edge reinforced",
			zap.String("tenant", tx.TenantID),
			zap.Int64("edge", existing.ID),
			zap.Float64("weight", existing.Weight))
		return existing, nil
	}

	props, err := json.Marshal(normalizeProps(in.Properties))
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "encode edge properties")
	}
	evidence, err := json.Marshal(appendEvidence(nil, in.Evidence))
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "encode edge evidence")
	}
	now := time.Now().UTC()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO edges (source_id, target_id, relation, weight, confidence, is_current, evidence, properties, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7, $8, $8)
		RETURNING id`,
		src.ID, tgt.ID, relation, types.EdgeWeightStep, confidence, evidence, props, now).Scan(&id)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, types.WrapError(types.KindTransient, err,
				"edge %s -%s-> %s was created concurrently", src.Name, relation, tgt.Name)
		}
		return nil, types.WrapError(types.KindFatal, err, "insert edge")
	}

	meta, err := s.quality.CreateMeta(ctx, tx, types.SourceEdge, fmt.Sprintf("edge:%d", id), in.Origin)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE edges SET meta_id = $2 WHERE id = $1`, id, meta.ID); err != nil {
		return nil, types.WrapError(types.KindFatal, err, "attach meta to edge %d", id)
	}

	s.log.Debug("edge created",
		zap.String("tenant", tx.TenantID),
		zap.Int64("edge", id),
		zap.String("relation", relation),
		zap.String("source", src.Name),
		zap.String("target", tgt.Name))

	edge := &types.Edge{
		ID:         id,
		SourceID:   src.ID,
		TargetID:   tgt.ID,
		Relation:   relation,
		Weight:     types.EdgeWeightStep,
		Confidence: confidence,
		IsCurrent:  true,
		Evidence:   appendEvidence(nil, in.Evidence),
		Properties: normalizeProps(in.Properties),
		CreatedAt:  now,
		LastSeen:   now,
		MetaID:     meta.ID,
	}
	return edge, nil
}

// vectorizeEdge queues "source relation target" for embedding into the
// graph_edges collection. Best-effort: a failure is logged, never returned.
func (s *Store) vectorizeEdge(ctx context.Context, tx *storage.Tx, src *types.Entity, relation string, tgt *types.Entity, edgeID int64) {
	if !s.vectorize {
		return
	}
	summary := src.Name + " " + relation + " " + tgt.Name
	_, err := s.queue.EnqueuePendingVector(ctx, tx, queue.PendingVectorInput{
		TenantID:   tx.TenantID,
		Collection: vectors.EdgeCollection,
		DocID:      fmt.Sprintf("edge:%d", edgeID),
		Content:    summary,
		Metadata:   map[string]any{"edge_id": edgeID, "relation": relation},
	})
	if err != nil {
		s.log.Warn("edge vectorization enqueue failed",
			zap.String("tenant", tx.TenantID),
			zap.Int64("edge", edgeID),
			zap.Error(err))
	}
}

func (s *Store) writeQuarantine(ctx context.Context, tx *storage.Tx, src, tgt *types.Entity, relation, reason, evidence string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO edge_quarantine (source_name, source_type, target_name, target_type, relation, reason, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		src.Name, string(src.Type), tgt.Name, string(tgt.Type), relation, reason, evidence)
	if err != nil {
		return types.WrapError(types.KindFatal, err, "quarantine edge")
	}
	s.log.Info("edge quarantined",
		zap.String("tenant", tx.TenantID),
		zap.String("relation", relation),
		zap.String("reason", reason),
		zap.String("source", src.Name),
		zap.String("target", tgt.Name))
	return nil
}

// GetEdge returns a live edge by id.
func (s *Store) GetEdge(ctx context.Context, tx *storage.Tx, id int64) (*types.Edge, error) {
	edge, err := scanEdge(tx.QueryRow(ctx, `
		SELECT `+edgeColumns+` FROM edges WHERE id = $1 AND _deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "edge %d not found", id)
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "get edge %d", id)
	}
	return edge, nil
}

func (s *Store) lockEdge(ctx context.Context, tx *storage.Tx, sourceID, targetID int64, relation string) (*types.Edge, error) {
	edge, err := scanEdge(tx.QueryRow(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE source_id = $1 AND target_id = $2 AND relation = $3 AND _deleted_at IS NULL
		FOR UPDATE`,
		sourceID, targetID, relation))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "lock edge")
	}
	return edge, nil
}

// SoftDeleteEdge hides an edge.
func (s *Store) SoftDeleteEdge(ctx context.Context, tx *storage.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE edges SET _deleted_at = now() WHERE id = $1 AND _deleted_at IS NULL`, id)
	if err != nil {
		return types.WrapError(types.KindFatal, err, "delete edge %d", id)
	}
	if tag.RowsAffected() == 0 {
		return types.NewError(types.KindNotFound, "edge %d not found", id)
	}
	return nil
}

// ListQuarantine returns quarantined edges, newest first, for review.
func (s *Store) ListQuarantine(ctx context.Context, tx *storage.Tx, limit int) ([]*types.QuarantinedEdge, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT id, source_name, source_type, target_name, target_type, relation, reason, evidence, created_at
		FROM edge_quarantine
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "list quarantine")
	}
	defer rows.Close()

	var out []*types.QuarantinedEdge
	for rows.Next() {
		var q types.QuarantinedEdge
		if err := rows.Scan(&q.ID, &q.SourceName, &q.SourceType, &q.TargetName, &q.TargetType,
			&q.Relation, &q.Reason, &q.Evidence, &q.CreatedAt); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan quarantine row")
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

// appendEvidence appends a non-empty snippet, keeping only the most recent
// MaxEdgeEvidence entries.
func appendEvidence(evidence []string, snippet string) []string {
	if snippet == "" {
		return evidence
	}
	evidence = append(evidence, snippet)
	if len(evidence) > types.MaxEdgeEvidence {
		evidence = evidence[len(evidence)-types.MaxEdgeEvidence:]
	}
	return evidence
}

func scanEdge(row pgx.Row) (*types.Edge, error) {
	var (
		e      types.Edge
		metaID *string
	)
	err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &e.Confidence,
		&e.IsCurrent, &e.Evidence, &e.Properties, &metaID, &e.CreatedAt, &e.LastSeen, &e.DeletedAt)
	if err != nil {
		return nil, err
	}
	if metaID != nil {
		e.MetaID = *metaID
	}
	return &e, nil
}
