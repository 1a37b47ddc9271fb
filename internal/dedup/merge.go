package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// MergeEntities folds the source entity into the target: every edge is
// retargeted, duplicate edges collapse (weights summed, confidence maxed,
// evidence unioned), properties merge with target winning, the source name
// joins the target's aliases, and the source row is soft-deleted.
func (e *Engine) MergeEntities(ctx context.Context, tx *storage.Tx, sourceID, targetID int64) (*types.Entity, error) {
	if sourceID == targetID {
		return nil, types.NewError(types.KindIntegrity, "cannot merge entity %d with itself", sourceID)
	}

	source, err := e.getLive(ctx, tx, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := e.getLive(ctx, tx, targetID)
	if err != nil {
		return nil, err
	}

	if err := e.retargetEdges(ctx, tx, source.ID, target.ID); err != nil {
		return nil, err
	}

	merged, err := e.mergeRows(ctx, tx, source, target)
	if err != nil {
		return nil, err
	}
	e.log.Info("merged entities",
		zap.Int64("source", source.ID), zap.Int64("target", target.ID),
		zap.String("name", merged.Name))
	return merged, nil
}

func (e *Engine) getLive(ctx context.Context, tx *storage.Tx, id int64) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE id = $1 AND _deleted_at IS NULL FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "entity %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %d: %w", id, err)
	}
	return ent, nil
}

// mergedEdge is the slice of an edge row the merge needs.
type mergedEdge struct {
	id         int64
	sourceID   int64
	targetID   int64
	relation   string
	weight     float64
	confidence float64
	evidence   []string
}

func (e *Engine) retargetEdges(ctx context.Context, tx *storage.Tx, sourceID, targetID int64) error {
	rows, err := tx.Query(ctx, `
		SELECT id, source_id, target_id, relation, weight, confidence, evidence
		FROM edges
		WHERE (source_id = $1 OR target_id = $1) AND _deleted_at IS NULL
		FOR UPDATE`, sourceID)
	if err != nil {
		return fmt.Errorf("failed to load source edges: %w", err)
	}
	var edges []mergedEdge
	for rows.Next() {
		var me mergedEdge
		var evidence []byte
		if err := rows.Scan(&me.id, &me.sourceID, &me.targetID, &me.relation, &me.weight, &me.confidence, &evidence); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan edge: %w", err)
		}
		if err := json.Unmarshal(evidence, &me.evidence); err != nil {
			rows.Close()
			return fmt.Errorf("corrupt evidence on edge %d: %w", me.id, err)
		}
		edges = append(edges, me)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, edge := range edges {
		newSource, newTarget := edge.sourceID, edge.targetID
		if newSource == sourceID {
			newSource = targetID
		}
		if newTarget == sourceID {
			newTarget = targetID
		}

		// An edge between the two merging entities would become a self
		// loop; it carries no information after the merge.
		if newSource == newTarget {
			if err := e.softDeleteEdge(ctx, tx, edge.id); err != nil {
				return err
			}
			continue
		}

		dup, err := e.findDuplicateEdge(ctx, tx, newSource, newTarget, edge.relation, edge.id)
		if err != nil {
			return err
		}
		if dup == nil {
			if _, err := tx.Exec(ctx, `
				UPDATE edges SET source_id = $2, target_id = $3 WHERE id = $1`,
				edge.id, newSource, newTarget); err != nil {
				return fmt.Errorf("failed to retarget edge %d: %w", edge.id, err)
			}
			continue
		}

		// Collapse into the surviving duplicate: sum weights under the
		// cap, keep the higher confidence, union evidence.
		weight := dup.weight + edge.weight
		if weight > types.MaxEdgeWeight {
			weight = types.MaxEdgeWeight
		}
		confidence := dup.confidence
		if edge.confidence > confidence {
			confidence = edge.confidence
		}
		evidence := unionEvidence(dup.evidence, edge.evidence)
		evidenceJSON, err := json.Marshal(evidence)
		if err != nil {
			return fmt.Errorf("failed to marshal merged evidence: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE edges SET weight = $2, confidence = $3, evidence = $4, last_seen = now()
			WHERE id = $1`, dup.id, weight, confidence, evidenceJSON); err != nil {
			return fmt.Errorf("failed to collapse duplicate edge %d: %w", dup.id, err)
		}
		if err := e.softDeleteEdge(ctx, tx, edge.id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) findDuplicateEdge(ctx context.Context, tx *storage.Tx, sourceID, targetID int64, relation string, excludeID int64) (*mergedEdge, error) {
	var me mergedEdge
	var evidence []byte
	err := tx.QueryRow(ctx, `
		SELECT id, source_id, target_id, relation, weight, confidence, evidence
		FROM edges
		WHERE source_id = $1 AND target_id = $2 AND relation = $3 AND id <> $4 AND _deleted_at IS NULL
		FOR UPDATE`,
		sourceID, targetID, relation, excludeID).
		Scan(&me.id, &me.sourceID, &me.targetID, &me.relation, &me.weight, &me.confidence, &evidence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up duplicate edge: %w", err)
	}
	if err := json.Unmarshal(evidence, &me.evidence); err != nil {
		return nil, fmt.Errorf("corrupt evidence on edge %d: %w", me.id, err)
	}
	return &me, nil
}

func (e *Engine) softDeleteEdge(ctx context.Context, tx *storage.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `UPDATE edges SET _deleted_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to soft-delete edge %d: %w", id, err)
	}
	return nil
}

func unionEvidence(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lists := range [][]string{a, b} {
		for _, ev := range lists {
			if !seen[ev] {
				seen[ev] = true
				out = append(out, ev)
			}
		}
	}
	return out
}

func (e *Engine) mergeRows(ctx context.Context, tx *storage.Tx, source, target *types.Entity) (*types.Entity, error) {
	// Properties: target wins on conflict.
	props := make(map[string]any, len(source.Properties)+len(target.Properties))
	for k, v := range source.Properties {
		props[k] = v
	}
	for k, v := range target.Properties {
		props[k] = v
	}

	// The source name (and its own aliases) become aliases of the target.
	aliases := aliasSet(props["aliases"])
	aliases = appendAlias(aliases, source.Name)
	for _, a := range aliasSet(source.Properties["aliases"]) {
		aliases = appendAlias(aliases, a)
	}
	props["aliases"] = aliases

	confidence := target.Confidence
	if source.Confidence > confidence {
		confidence = source.Confidence
	}
	firstSeen := target.FirstSeen
	if source.FirstSeen.Before(firstSeen) {
		firstSeen = source.FirstSeen
	}
	lastSeen := target.LastSeen
	if source.LastSeen.After(lastSeen) {
		lastSeen = source.LastSeen
	}

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged properties: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE entities
		SET properties = $2, confidence = $3, mention_count = mention_count + $4,
		    first_seen = $5, last_seen = $6
		WHERE id = $1`,
		target.ID, propsJSON, confidence, source.MentionCount, firstSeen, lastSeen); err != nil {
		return nil, fmt.Errorf("failed to update merge target: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE entities SET _deleted_at = now() WHERE id = $1`, source.ID); err != nil {
		return nil, fmt.Errorf("failed to soft-delete merge source: %w", err)
	}

	target.Properties = props
	target.Confidence = confidence
	target.MentionCount += source.MentionCount
	target.FirstSeen = firstSeen
	target.LastSeen = lastSeen
	return target, nil
}

func aliasSet(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func appendAlias(aliases []string, name string) []string {
	for _, a := range aliases {
		if types.NormalizeEntityName(a) == types.NormalizeEntityName(name) {
			return aliases
		}
	}
	return append(aliases, name)
}
