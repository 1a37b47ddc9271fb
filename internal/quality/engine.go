package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Engine runs the quality state machine against memory_meta rows. All
// methods operate inside a caller-provided tenant transaction.
type Engine struct {
	log *zap.Logger
}

// NewEngine builds a quality engine.
func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log.Named("quality")}
}

// CreateMeta inserts a provenance row for a new fact and returns it. The
// initial confidence and status come from the origin mapping.
func (e *Engine) CreateMeta(ctx context.Context, tx *storage.Tx, sourceType types.SourceType, sourceRef string, origin types.Origin) (*types.MemoryMeta, error) {
	if !sourceType.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown source type %q", sourceType)
	}
	if !origin.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown origin %q", origin)
	}

	tr := ApplyCreate(origin)
	now := time.Now().UTC()
	meta := &types.MemoryMeta{
		ID:         uuid.NewString(),
		SourceType: sourceType,
		SourceRef:  sourceRef,
		Origin:     origin,
		Confidence: tr.Confidence,
		Status:     tr.Status,
		PromoteHistory: []types.PromoteEvent{{
			To:           tr.Status,
			ToConfidence: tr.Confidence,
			Reason:       "create",
			At:           now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	historyJSON, err := json.Marshal(meta.PromoteHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal promote history: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO memory_meta (id, source_type, source_ref, origin, confidence, status, promote_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		meta.ID, string(sourceType), sourceRef, string(origin), meta.Confidence, string(meta.Status), historyJSON, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert memory meta: %w", err)
	}
	return meta, nil
}

const metaColumns = `id, source_type, source_ref, origin, confidence, status,
	access_count, last_accessed, last_reinforced, contradictions, promote_history,
	created_at, updated_at`

func scanMeta(row pgx.Row) (*types.MemoryMeta, error) {
	var m types.MemoryMeta
	var contradictions, history []byte
	err := row.Scan(&m.ID, &m.SourceType, &m.SourceRef, &m.Origin, &m.Confidence, &m.Status,
		&m.AccessCount, &m.LastAccessed, &m.LastReinforced, &contradictions, &history,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contradictions, &m.Contradictions); err != nil {
		return nil, fmt.Errorf("corrupt contradictions on meta %s: %w", m.ID, err)
	}
	if err := json.Unmarshal(history, &m.PromoteHistory); err != nil {
		return nil, fmt.Errorf("corrupt promote history on meta %s: %w", m.ID, err)
	}
	return &m, nil
}

// Get loads a meta row.
func (e *Engine) Get(ctx context.Context, tx *storage.Tx, id string) (*types.MemoryMeta, error) {
	m, err := scanMeta(tx.QueryRow(ctx, `SELECT `+metaColumns+` FROM memory_meta WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "memory meta %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory meta %s: %w", id, err)
	}
	return m, nil
}

// lockMeta loads a row FOR UPDATE so concurrent events serialize on it.
func (e *Engine) lockMeta(ctx context.Context, tx *storage.Tx, id string) (*types.MemoryMeta, error) {
	m, err := scanMeta(tx.QueryRow(ctx, `SELECT `+metaColumns+` FROM memory_meta WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "memory meta %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock memory meta %s: %w", id, err)
	}
	return m, nil
}

func snapshotOf(m *types.MemoryMeta) Snapshot {
	return Snapshot{Confidence: m.Confidence, Status: m.Status, AccessCount: m.AccessCount}
}

// applyTransition persists a transition, appending a promote-history event
// when anything moved.
func (e *Engine) applyTransition(ctx context.Context, tx *storage.Tx, m *types.MemoryMeta, tr Transition, reason string, extra string) error {
	if !tr.Changed {
		return nil
	}
	event := types.PromoteEvent{
		From:           m.Status,
		To:             tr.Status,
		FromConfidence: m.Confidence,
		ToConfidence:   tr.Confidence,
		Reason:         reason,
		At:             time.Now().UTC(),
	}
	if extra != "" {
		event.Reason = reason + ": " + extra
	}
	eventJSON, err := json.Marshal([]types.PromoteEvent{event})
	if err != nil {
		return fmt.Errorf("failed to marshal promote event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE memory_meta
		SET confidence = $2, status = $3,
		    promote_history = promote_history || $4::jsonb,
		    updated_at = now()
		WHERE id = $1`,
		m.ID, tr.Confidence, string(tr.Status), eventJSON)
	if err != nil {
		return fmt.Errorf("failed to update memory meta %s: %w", m.ID, err)
	}
	m.Confidence = tr.Confidence
	m.Status = tr.Status
	return nil
}

// RecordAccess notes a read: bumps the access count and applies the access
// transition.
func (e *Engine) RecordAccess(ctx context.Context, tx *storage.Tx, id string) error {
	m, err := e.lockMeta(ctx, tx, id)
	if err != nil {
		return err
	}
	tr := ApplyAccess(snapshotOf(m))
	if _, err := tx.Exec(ctx, `
		UPDATE memory_meta SET access_count = access_count + 1, last_accessed = now(), updated_at = now()
		WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to bump access count on %s: %w", id, err)
	}
	return e.applyTransition(ctx, tx, m, tr, "access", "")
}

// RecordMention reaffirms the fact: a new write restated it.
func (e *Engine) RecordMention(ctx context.Context, tx *storage.Tx, id string) error {
	m, err := e.lockMeta(ctx, tx, id)
	if err != nil {
		return err
	}
	tr := ApplyMention(snapshotOf(m))
	if _, err := tx.Exec(ctx, `
		UPDATE memory_meta SET last_reinforced = now(), updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to set last_reinforced on %s: %w", id, err)
	}
	return e.applyTransition(ctx, tx, m, tr, "mention", "")
}

// ContradictionInput describes a conflict between an established memory
// (Prior) and a newly written one (Next).
type ContradictionInput struct {
	PriorMetaID string
	NextMetaID  string
	Field       string
	PriorValue  string
	NextValue   string
	Reason      string
}

// RecordContradiction appends the contradiction to both sides and applies
// the outcome: both to review when the conflict is too close to call,
// otherwise the prior side is demoted. Contradictions are data, not
// errors; the new memory keeps its own lifecycle.
func (e *Engine) RecordContradiction(ctx context.Context, tx *storage.Tx, in ContradictionInput) error {
	if in.PriorMetaID == in.NextMetaID {
		return types.NewError(types.KindValidation, "memory cannot contradict itself")
	}
	prior, err := e.lockMeta(ctx, tx, in.PriorMetaID)
	if err != nil {
		return err
	}
	next, err := e.lockMeta(ctx, tx, in.NextMetaID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := e.appendContradiction(ctx, tx, prior.ID, types.Contradiction{
		OtherMetaID: next.ID, Field: in.Field, PriorValue: in.PriorValue, NewValue: in.NextValue,
		Reason: in.Reason, At: now,
	}); err != nil {
		return err
	}
	if err := e.appendContradiction(ctx, tx, next.ID, types.Contradiction{
		OtherMetaID: prior.ID, Field: in.Field, PriorValue: in.PriorValue, NewValue: in.NextValue,
		Reason: in.Reason, At: now,
	}); err != nil {
		return err
	}

	if BothToReview(snapshotOf(prior), snapshotOf(next)) {
		if err := e.applyTransition(ctx, tx, prior, ApplyReview(snapshotOf(prior)), "contradict", "sent to review"); err != nil {
			return err
		}
		return e.applyTransition(ctx, tx, next, ApplyReview(snapshotOf(next)), "contradict", "sent to review")
	}
	return e.applyTransition(ctx, tx, prior, ApplyContradictLoser(snapshotOf(prior)), "contradict", "demoted by "+next.ID)
}

func (e *Engine) appendContradiction(ctx context.Context, tx *storage.Tx, id string, c types.Contradiction) error {
	cJSON, err := json.Marshal([]types.Contradiction{c})
	if err != nil {
		return fmt.Errorf("failed to marshal contradiction: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE memory_meta SET contradictions = contradictions || $2::jsonb, updated_at = now()
		WHERE id = $1`, id, cJSON); err != nil {
		return fmt.Errorf("failed to append contradiction to %s: %w", id, err)
	}
	return nil
}

// Resolve applies a user verdict to a review-state memory.
func (e *Engine) Resolve(ctx context.Context, tx *storage.Tx, id string, action ResolveAction) (*types.MemoryMeta, error) {
	tr, ok := ApplyResolve(action)
	if !ok {
		return nil, types.NewError(types.KindValidation, "unknown resolve action %q", action)
	}
	m, err := e.lockMeta(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != types.StatusReview {
		return nil, types.NewError(types.KindValidation, "memory %s is %s, only review memories can be resolved", id, m.Status)
	}
	if err := e.applyTransition(ctx, tx, m, tr, "user_resolve", string(action)); err != nil {
		return nil, err
	}
	return m, nil
}

// ListReview returns the tenant's review queue, oldest first.
func (e *Engine) ListReview(ctx context.Context, tx *storage.Tx, limit int) ([]*types.MemoryMeta, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT `+metaColumns+` FROM memory_meta
		WHERE status = 'review' ORDER BY updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review queue: %w", err)
	}
	defer rows.Close()

	var out []*types.MemoryMeta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DecayTenant ages every stale memory in the tenant by delta. A memory is
// stale when neither created, accessed, nor reinforced within staleDays.
// Rows with origin user_stated and sticky statuses are skipped. Returns
// the number of rows decayed.
func (e *Engine) DecayTenant(ctx context.Context, tx *storage.Tx, staleDays int, delta float64) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -staleDays)
	rows, err := tx.Query(ctx, `
		SELECT `+metaColumns+` FROM memory_meta
		WHERE origin <> 'user_stated'
		  AND status NOT IN ('review', 'rejected')
		  AND GREATEST(created_at, COALESCE(last_accessed, created_at), COALESCE(last_reinforced, created_at)) < $1
		FOR UPDATE`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to select stale memories: %w", err)
	}
	stale := make([]*types.MemoryMeta, 0)
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	decayed := 0
	for _, m := range stale {
		tr := ApplyDecay(snapshotOf(m), delta)
		if !tr.Changed {
			continue
		}
		if err := e.applyTransition(ctx, tx, m, tr, "decay", ""); err != nil {
			return decayed, err
		}
		decayed++
	}
	return decayed, nil
}
