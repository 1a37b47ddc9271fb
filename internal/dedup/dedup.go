package dedup

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Similarity thresholds for the fuzzy stages.
const (
	// FuzzyThreshold is the trigram similarity floor for same-type
	// matches.
	FuzzyThreshold = 0.6
	// CrossTypeFuzzyThreshold is the (stricter) floor across types.
	CrossTypeFuzzyThreshold = 0.7
)

// Stage identifies which dedup stage produced a match.
type Stage string

// Dedup stages, in the order they are tried.
const (
	StageExact          Stage = "exact"
	StageNormalized     Stage = "normalized"
	StageFuzzy          Stage = "fuzzy"
	StageAlias          Stage = "alias"
	StageCrossTypeExact Stage = "cross_type_exact"
	StageCrossTypeFuzzy Stage = "cross_type_fuzzy"
)

// Candidate is an entity about to be created, as the extractor sees it.
type Candidate struct {
	Type types.EntityType
	Name string
	// Context carries disambiguation signals when the write mentioned
	// relations or neighboring entities.
	Context *Context
}

// Context disambiguates between several surviving fuzzy matches.
type Context struct {
	// Relations the candidate is expected to participate in.
	Relations []string
	// ConnectedNames are entity names appearing alongside the candidate.
	ConnectedNames []string
}

// Match is a dedup hit: an existing entity the candidate collapses onto.
type Match struct {
	Entity *types.Entity
	Stage  Stage
}

// Engine runs the staged matching. CrossType stages are feature-gated.
type Engine struct {
	crossType bool
	log       *zap.Logger
}

// NewEngine builds a dedup engine. crossType enables stages 5 and 6.
func NewEngine(crossType bool, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	dedupMetricsOnce.Do(initDedupMetrics)
	return &Engine{crossType: crossType, log: log.Named("dedup")}
}

const entityColumns = `id, entity_type, name, normalized_name, properties, confidence,
	mention_count, first_seen, last_seen, meta_id, _deleted_at`

// FindMatch tries the stages in order and returns the first hit, or nil
// when the candidate is genuinely new. A cross-type fuzzy hit writes a
// quarantine row but still returns nil: the candidate may be created.
func (e *Engine) FindMatch(ctx context.Context, tx *storage.Tx, c Candidate) (*Match, error) {
	m, err := e.findMatch(ctx, tx, c)
	if err == nil && m != nil {
		countStageHit(ctx, m.Stage)
	}
	return m, err
}

func (e *Engine) findMatch(ctx context.Context, tx *storage.Tx, c Candidate) (*Match, error) {
	if c.Name == "" {
		return nil, types.NewError(types.KindValidation, "candidate name must not be empty")
	}
	exact := types.NormalizeEntityName(c.Name)
	reduced := Normalize(c.Type, c.Name)

	// Stage 1: exact (case-insensitive) within the type.
	ent, err := e.oneByNormalized(ctx, tx, c.Type, exact)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return &Match{Entity: ent, Stage: StageExact}, nil
	}

	// Stage 2: normalized form equality or 60% prefix containment.
	ent, err = e.matchNormalized(ctx, tx, c.Type, reduced)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return &Match{Entity: ent, Stage: StageNormalized}, nil
	}

	// Stage 3: trigram similarity within the type.
	ent, err = e.matchFuzzy(ctx, tx, c, reduced)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return &Match{Entity: ent, Stage: StageFuzzy}, nil
	}

	// Stage 4: the candidate is a known alias of an existing entity.
	ent, err = e.matchAlias(ctx, tx, c.Type, exact)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return &Match{Entity: ent, Stage: StageAlias}, nil
	}

	if !e.crossType {
		return nil, nil
	}

	// Stage 5: same name under a different type.
	ent, err = e.oneByNormalizedAnyType(ctx, tx, c.Type, exact)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return &Match{Entity: ent, Stage: StageCrossTypeExact}, nil
	}

	// Stage 6: fuzzy across types. Suspicious but not conclusive: park a
	// quarantine row for review and let the candidate be created.
	ent, err = e.crossTypeFuzzy(ctx, tx, c.Type, reduced)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		if err := e.quarantineCrossType(ctx, tx, c, ent); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func scanEntity(row pgx.Row) (*types.Entity, error) {
	var ent types.Entity
	var normalized string
	var metaID *string
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

func (e *Engine) oneByNormalized(ctx context.Context, tx *storage.Tx, t types.EntityType, normalized string) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type = $1 AND normalized_name = $2 AND _deleted_at IS NULL`,
		string(t), normalized))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("exact dedup lookup failed: %w", err)
	}
	return ent, nil
}

func (e *Engine) matchNormalized(ctx context.Context, tx *storage.Tx, t types.EntityType, reduced string) (*types.Entity, error) {
	// Comparison runs against each row's reduced form, computed the same
	// way at read time; names are short so the per-type scan is cheap.
	rows, err := tx.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type = $1 AND _deleted_at IS NULL`, string(t))
	if err != nil {
		return nil, fmt.Errorf("normalized dedup scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		existing := Normalize(t, ent.Name)
		if existing == reduced || PrefixContained(existing, reduced) {
			return ent, nil
		}
	}
	return nil, rows.Err()
}

func (e *Engine) matchFuzzy(ctx context.Context, tx *storage.Tx, c Candidate, reduced string) (*types.Entity, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+entityColumns+`, similarity(normalized_name, $3) AS sim
		FROM entities
		WHERE entity_type = $1 AND _deleted_at IS NULL
		  AND similarity(normalized_name, $3) > $2
		ORDER BY sim DESC
		LIMIT 10`,
		string(c.Type), FuzzyThreshold, reduced)
	if err != nil {
		return nil, fmt.Errorf("fuzzy dedup lookup failed: %w", err)
	}
	defer rows.Close()

	var candidates []*types.Entity
	for rows.Next() {
		var ent types.Entity
		var normalized string
		var metaID *string
		var sim float64
		if err := rows.Scan(&ent.ID, &ent.Type, &ent.Name, &normalized, &ent.Properties, &ent.Confidence,
			&ent.MentionCount, &ent.FirstSeen, &ent.LastSeen, &metaID, &ent.DeletedAt, &sim); err != nil {
			return nil, err
		}
		if metaID != nil {
			ent.MetaID = *metaID
		}
		candidates = append(candidates, &ent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0], nil
	}
	return e.disambiguate(ctx, tx, candidates, c.Context)
}

func (e *Engine) matchAlias(ctx context.Context, tx *storage.Tx, t types.EntityType, exact string) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type = $1 AND _deleted_at IS NULL
		  AND EXISTS (
		      SELECT 1 FROM jsonb_array_elements_text(COALESCE(properties->'aliases', '[]'::jsonb)) AS a
		      WHERE lower(a) = $2
		  )
		LIMIT 1`, string(t), exact))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alias dedup lookup failed: %w", err)
	}
	return ent, nil
}

func (e *Engine) oneByNormalizedAnyType(ctx context.Context, tx *storage.Tx, exclude types.EntityType, normalized string) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type <> $1 AND normalized_name = $2 AND _deleted_at IS NULL
		LIMIT 1`, string(exclude), normalized))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cross-type exact dedup lookup failed: %w", err)
	}
	return ent, nil
}

func (e *Engine) crossTypeFuzzy(ctx context.Context, tx *storage.Tx, exclude types.EntityType, reduced string) (*types.Entity, error) {
	ent, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type <> $1 AND _deleted_at IS NULL
		  AND similarity(normalized_name, $3) > $2
		ORDER BY similarity(normalized_name, $3) DESC
		LIMIT 1`, string(exclude), CrossTypeFuzzyThreshold, reduced))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cross-type fuzzy dedup lookup failed: %w", err)
	}
	return ent, nil
}

func (e *Engine) quarantineCrossType(ctx context.Context, tx *storage.Tx, c Candidate, existing *types.Entity) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO edge_quarantine (source_name, source_type, target_name, target_type, relation, reason)
		VALUES ($1, $2, $3, $4, 'similar_to', 'cross_type_fuzzy')`,
		c.Name, string(c.Type), existing.Name, string(existing.Type))
	if err != nil {
		return fmt.Errorf("failed to quarantine cross-type match: %w", err)
	}
	e.log.Debug("cross-type fuzzy match quarantined",
		zap.String("candidate", c.Name), zap.String("existing", existing.Name))
	return nil
}

// disambiguate scores each surviving candidate by its graph context: two
// points per relation it already participates in from the expected set,
// one per neighbor name the write mentioned. Highest positive score wins;
// with no signal the most similar (first) candidate stands.
func (e *Engine) disambiguate(ctx context.Context, tx *storage.Tx, candidates []*types.Entity, dctx *Context) (*types.Entity, error) {
	if dctx == nil || (len(dctx.Relations) == 0 && len(dctx.ConnectedNames) == 0) {
		return candidates[0], nil
	}

	normalizedNames := make([]string, 0, len(dctx.ConnectedNames))
	for _, n := range dctx.ConnectedNames {
		normalizedNames = append(normalizedNames, types.NormalizeEntityName(n))
	}

	best := candidates[0]
	bestScore := 0
	for _, cand := range candidates {
		var relationHits, neighborHits int
		err := tx.QueryRow(ctx, `
			SELECT
			  count(*) FILTER (WHERE e.relation = ANY($2)),
			  count(*) FILTER (WHERE other.normalized_name = ANY($3))
			FROM edges e
			JOIN entities other
			  ON other.id = CASE WHEN e.source_id = $1 THEN e.target_id ELSE e.source_id END
			WHERE (e.source_id = $1 OR e.target_id = $1)
			  AND e._deleted_at IS NULL AND other._deleted_at IS NULL`,
			cand.ID, dctx.Relations, normalizedNames).Scan(&relationHits, &neighborHits)
		if err != nil {
			return nil, fmt.Errorf("disambiguation scoring failed: %w", err)
		}
		score := 2*relationHits + neighborHits
		if score > bestScore {
			best = cand
			bestScore = score
		}
	}
	return best, nil
}
