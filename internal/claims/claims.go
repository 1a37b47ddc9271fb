// Package claims writes the per-tenant knowledge-claim ledger: one row per
// asserted fact, linked to the write that asserted it, with an append-only
// event trail. The ledger never deletes; contradicted facts are superseded
// in place so history stays replayable.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Claim types written by the pipeline and extraction.
const (
	ClaimTypeProfileField = "profile_field"
	ClaimTypeTableRow     = "table_row"
	ClaimTypeMemory       = "memory"
	ClaimTypeGraphEdge    = "graph_edge"
)

// maxObjectLen bounds stored objects; a memory write can be arbitrarily
// long but the ledger only needs enough to identify the assertion.
const maxObjectLen = 4000

const claimColumns = `id, claim_type, subject_kind, subject_ref, predicate, object, confidence,
	status, method, origin, source_ref, write_id, agent_id, evidence, created_at, updated_at`

// Store writes and reads the ledger inside tenant transactions.
type Store struct {
	log *zap.Logger
}

// NewStore builds a claim store.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{log: log.Named("claims")}
}

// Input is one fact to assert.
type Input struct {
	ClaimType   string
	SubjectKind string
	SubjectRef  string
	Predicate   string
	Object      string
	Confidence  float64
	Method      types.ClaimMethod
	Origin      types.Origin
	SourceRef   string
	WriteID     string
	AgentID     string
	Evidence    []string
	// Exclusive marks single-valued predicates: asserting a new object
	// supersedes the active claim with the same subject and predicate.
	// Multi-valued predicates (ate, likes) accumulate instead.
	Exclusive bool
}

// Record asserts a fact. Re-asserting an identical active claim reaffirms
// it instead of duplicating; an exclusive assertion with a new object
// supersedes the old claim and leaves contradicted/superseded events on it.
func (s *Store) Record(ctx context.Context, tx *storage.Tx, in Input) (*types.KnowledgeClaim, error) {
	if in.ClaimType == "" || in.SubjectKind == "" || in.SubjectRef == "" || in.Predicate == "" {
		return nil, types.NewError(types.KindValidation, "claim subject and predicate are required")
	}
	if !in.Origin.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown origin %q", in.Origin)
	}
	if in.Method == "" {
		in.Method = types.MethodDirect
	}
	if !in.Method.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown claim method %q", in.Method)
	}
	if in.Confidence <= 0 {
		in.Confidence = in.Origin.InitialConfidence()
	}
	object := in.Object
	if len(object) > maxObjectLen {
		object = object[:maxObjectLen]
	}

	existing, err := s.lockActive(ctx, tx, in.SubjectKind, in.SubjectRef, in.Predicate, &object)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.reaffirm(ctx, tx, existing, in)
	}

	var conflicting []*types.KnowledgeClaim
	if in.Exclusive {
		conflicting, err = s.lockActiveAll(ctx, tx, in.SubjectKind, in.SubjectRef, in.Predicate)
		if err != nil {
			return nil, err
		}
	}

	claim, err := s.insert(ctx, tx, in, object)
	if err != nil {
		return nil, err
	}
	if err := s.insertEvent(ctx, tx, claim.ID, types.ClaimEventCreated, ""); err != nil {
		return nil, err
	}

	for _, old := range conflicting {
		if err := s.supersede(ctx, tx, old, claim); err != nil {
			return nil, err
		}
	}

	s.log.Debug("claim recorded",
		zap.String("tenant", tx.TenantID),
		zap.String("claim", claim.ID),
		zap.String("predicate", in.Predicate),
		zap.Int("superseded", len(conflicting)))
	return claim, nil
}

func (s *Store) reaffirm(ctx context.Context, tx *storage.Tx, claim *types.KnowledgeClaim, in Input) (*types.KnowledgeClaim, error) {
	if in.Confidence > claim.Confidence {
		claim.Confidence = in.Confidence
	}
	_, err := tx.Exec(ctx, `
		UPDATE knowledge_claims SET confidence = $2, updated_at = now() WHERE id = $1`,
		claim.ID, claim.Confidence)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "reaffirm claim %s", claim.ID)
	}
	detail := ""
	if in.WriteID != "" {
		detail = "write " + in.WriteID
	}
	if err := s.insertEvent(ctx, tx, claim.ID, types.ClaimEventReaffirmed, detail); err != nil {
		return nil, err
	}
	claim.UpdatedAt = time.Now().UTC()
	return claim, nil
}

func (s *Store) supersede(ctx context.Context, tx *storage.Tx, old, replacement *types.KnowledgeClaim) error {
	_, err := tx.Exec(ctx, `
		UPDATE knowledge_claims SET status = $2, updated_at = now() WHERE id = $1`,
		old.ID, string(types.ClaimSuperseded))
	if err != nil {
		return types.WrapError(types.KindFatal, err, "supersede claim %s", old.ID)
	}
	err = s.insertEvent(ctx, tx, old.ID, types.ClaimEventContradicted,
		"object "+quoteShort(replacement.Object)+" asserted by claim "+replacement.ID)
	if err != nil {
		return err
	}
	return s.insertEvent(ctx, tx, old.ID, types.ClaimEventSuperseded, "superseded by claim "+replacement.ID)
}

func (s *Store) insert(ctx context.Context, tx *storage.Tx, in Input, object string) (*types.KnowledgeClaim, error) {
	claim := &types.KnowledgeClaim{
		ID:          uuid.NewString(),
		ClaimType:   in.ClaimType,
		SubjectKind: in.SubjectKind,
		SubjectRef:  in.SubjectRef,
		Predicate:   in.Predicate,
		Object:      object,
		Confidence:  in.Confidence,
		Status:      types.ClaimActive,
		Method:      in.Method,
		Origin:      in.Origin,
		SourceRef:   in.SourceRef,
		WriteID:     in.WriteID,
		AgentID:     in.AgentID,
		Evidence:    in.Evidence,
	}
	evidence := claim.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "encode claim evidence")
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO knowledge_claims
		    (id, claim_type, subject_kind, subject_ref, predicate, object, confidence,
		     status, method, origin, source_ref, write_id, agent_id, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`,
		claim.ID, claim.ClaimType, claim.SubjectKind, claim.SubjectRef, claim.Predicate,
		claim.Object, claim.Confidence, string(claim.Status), string(claim.Method),
		string(claim.Origin), claim.SourceRef, claim.WriteID, claim.AgentID, evidenceJSON).
		Scan(&claim.CreatedAt, &claim.UpdatedAt)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "insert claim")
	}
	return claim, nil
}

func (s *Store) insertEvent(ctx context.Context, tx *storage.Tx, claimID string, eventType types.ClaimEventType, detail string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO knowledge_claim_events (claim_id, event_type, detail)
		VALUES ($1, $2, $3)`,
		claimID, string(eventType), detail)
	if err != nil {
		return types.WrapError(types.KindFatal, err, "insert claim event %s", eventType)
	}
	return nil
}

func (s *Store) lockActive(ctx context.Context, tx *storage.Tx, kind, ref, predicate string, object *string) (*types.KnowledgeClaim, error) {
	claim, err := scanClaim(tx.QueryRow(ctx, `
		SELECT `+claimColumns+` FROM knowledge_claims
		WHERE subject_kind = $1 AND subject_ref = $2 AND predicate = $3 AND object = $4
		  AND status = $5
		LIMIT 1
		FOR UPDATE`,
		kind, ref, predicate, *object, string(types.ClaimActive)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "look up active claim")
	}
	return claim, nil
}

func (s *Store) lockActiveAll(ctx context.Context, tx *storage.Tx, kind, ref, predicate string) ([]*types.KnowledgeClaim, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+claimColumns+` FROM knowledge_claims
		WHERE subject_kind = $1 AND subject_ref = $2 AND predicate = $3 AND status = $4
		FOR UPDATE`,
		kind, ref, predicate, string(types.ClaimActive))
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "look up conflicting claims")
	}
	defer rows.Close()

	var out []*types.KnowledgeClaim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan claim")
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}

// Get returns a claim by id.
func (s *Store) Get(ctx context.Context, tx *storage.Tx, id string) (*types.KnowledgeClaim, error) {
	claim, err := scanClaim(tx.QueryRow(ctx, `
		SELECT `+claimColumns+` FROM knowledge_claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "claim %s not found", id)
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "get claim %s", id)
	}
	return claim, nil
}

// ListBySubject returns claims about one subject, newest first.
func (s *Store) ListBySubject(ctx context.Context, tx *storage.Tx, kind, ref string, limit int) ([]*types.KnowledgeClaim, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT `+claimColumns+` FROM knowledge_claims
		WHERE subject_kind = $1 AND subject_ref = $2
		ORDER BY created_at DESC, id
		LIMIT $3`, kind, ref, limit)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "list claims for %s:%s", kind, ref)
	}
	return collectClaims(rows)
}

// ListByWrite returns every claim a write asserted.
func (s *Store) ListByWrite(ctx context.Context, tx *storage.Tx, writeID string) ([]*types.KnowledgeClaim, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+claimColumns+` FROM knowledge_claims
		WHERE write_id = $1
		ORDER BY created_at, id`, writeID)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "list claims for write %s", writeID)
	}
	return collectClaims(rows)
}

// Events returns a claim's event trail, oldest first.
func (s *Store) Events(ctx context.Context, tx *storage.Tx, claimID string) ([]*types.ClaimEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, claim_id, event_type, detail, created_at
		FROM knowledge_claim_events
		WHERE claim_id = $1
		ORDER BY id`, claimID)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "list events of claim %s", claimID)
	}
	defer rows.Close()

	var out []*types.ClaimEvent
	for rows.Next() {
		var ev types.ClaimEvent
		if err := rows.Scan(&ev.ID, &ev.ClaimID, &ev.EventType, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan claim event")
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func collectClaims(rows pgx.Rows) ([]*types.KnowledgeClaim, error) {
	defer rows.Close()
	var out []*types.KnowledgeClaim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan claim")
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}

func scanClaim(row pgx.Row) (*types.KnowledgeClaim, error) {
	var c types.KnowledgeClaim
	err := row.Scan(&c.ID, &c.ClaimType, &c.SubjectKind, &c.SubjectRef, &c.Predicate, &c.Object,
		&c.Confidence, &c.Status, &c.Method, &c.Origin, &c.SourceRef, &c.WriteID, &c.AgentID,
		&c.Evidence, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func quoteShort(s string) string {
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return `"` + s + `"`
}
