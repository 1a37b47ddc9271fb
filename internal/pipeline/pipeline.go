// Package pipeline is the synchronous half of every write. One call walks
// a memory from consent check through persistence, ledger claim, audit
// trail and enrichment enqueue inside a single tenant transaction, so a
// write and its paper trail commit or vanish together. The asynchronous
// half (extraction, deferred embeddings) happens later in the worker.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/audit"
	"github.com/episteme-ai/episteme/internal/claims"
	"github.com/episteme-ai/episteme/internal/consent"
	"github.com/episteme-ai/episteme/internal/profile"
	"github.com/episteme-ai/episteme/internal/queue"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/tables"
	"github.com/episteme-ai/episteme/internal/types"
	"github.com/episteme-ai/episteme/internal/vectors"
)

// Write statuses. A write is accepted when it landed in its store;
// pending_enrichment means the embedding provider was down and the memory
// is parked in a queue instead.
const (
	StatusAccepted          = "accepted"
	StatusPendingEnrichment = "pending_enrichment"
)

// Config wires the pipeline's collaborators.
type Config struct {
	Store   *storage.Store
	Consent *consent.Gate
	Profile *profile.Store
	Tables  *tables.Store
	Vectors *vectors.Store
	Claims  *claims.Store
	Audit   *audit.Logger
	Queue   *queue.Queue

	// LedgerWrites gates the knowledge-claim step. Claims are advisory
	// either way: a claim failure never fails the write.
	LedgerWrites bool
}

// Pipeline runs writes end to end.
type Pipeline struct {
	store   *storage.Store
	consent *consent.Gate
	profile *profile.Store
	tables  *tables.Store
	vectors *vectors.Store
	claims  *claims.Store
	audit   *audit.Logger
	queue   *queue.Queue
	ledger  bool

	// queueWarn fires once per process when the queue tables are missing,
	// after which writes continue in degraded mode without spamming logs.
	queueWarn sync.Once

	log *zap.Logger
}

// New builds a pipeline.
func New(cfg Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	pipelineMetricsOnce.Do(initPipelineMetrics)
	return &Pipeline{
		store:   cfg.Store,
		consent: cfg.Consent,
		profile: cfg.Profile,
		tables:  cfg.Tables,
		vectors: cfg.Vectors,
		claims:  cfg.Claims,
		audit:   cfg.Audit,
		queue:   cfg.Queue,
		ledger:  cfg.LedgerWrites,
		log:     log.Named("pipeline"),
	}
}

// Result reports where a write landed. Exactly one of Profile, Row and
// Vector is set, matching the write kind; all may be nil when a vector
// write was deferred.
type Result struct {
	WriteID string                `json:"write_id"`
	Status  string                `json:"status"`
	Profile *types.ProfileVersion `json:"profile,omitempty"`
	Row     *tables.Row           `json:"row,omitempty"`
	Vector  *vectors.Record       `json:"vector,omitempty"`

	// JobID is the enrichment job, zero when enqueueing was skipped
	// (duplicate content) or degraded (queue tables missing).
	JobID int64 `json:"job_id,omitempty"`
}

// ProfileWrite is a merge patch routed through the pipeline.
type ProfileWrite struct {
	TenantID string
	// AgentID is the caller, or profile.UserCaller for the end-user.
	AgentID string
	Origin  types.Origin
	Patch   json.RawMessage
	// OverrideReason lets an agent change identity fields it otherwise
	// could not.
	OverrideReason string
}

// WriteProfile applies a profile patch: consent, patch, one ledger claim
// per changed field, audit, enrichment enqueue.
func (p *Pipeline) WriteProfile(ctx context.Context, in ProfileWrite) (*Result, error) {
	res := &Result{WriteID: uuid.NewString(), Status: StatusAccepted}
	err := p.store.WithTenant(ctx, in.TenantID, func(tx *storage.Tx) error {
		start := time.Now()
		if err := p.allow(ctx, tx, in.AgentID, consent.DomainProfile); err != nil {
			return err
		}
		pv, err := p.profile.Patch(ctx, tx, profile.PatchInput{
			Patch:          in.Patch,
			ChangedBy:      in.AgentID,
			Origin:         in.Origin,
			OverrideReason: in.OverrideReason,
		})
		if err != nil {
			return err
		}
		res.Profile = pv

		sourceRef := fmt.Sprintf("profile:v%d", pv.Version)
		for _, field := range pv.ChangedFields {
			val, ok := profileValue(pv.Profile, field)
			if !ok {
				// Removed field; a removal asserts nothing.
				continue
			}
			p.recordClaim(ctx, tx, claims.Input{
				ClaimType:   claims.ClaimTypeProfileField,
				SubjectKind: "profile",
				SubjectRef:  "profile",
				Predicate:   field,
				Object:      claimObject(val),
				Origin:      in.Origin,
				SourceRef:   sourceRef,
				WriteID:     res.WriteID,
				AgentID:     in.AgentID,
				Exclusive:   true,
			})
		}
		p.audit.Stage(ctx, tx, res.WriteID, in.AgentID, types.StageProfileWritten, sourceRef, start)

		res.JobID = p.enqueue(ctx, tx, queue.EnrichmentInput{
			TenantID:   in.TenantID,
			SourceType: types.SourceProfile,
			SourceRef:  sourceRef,
			WriteID:    res.WriteID,
			AgentID:    in.AgentID,
			Origin:     in.Origin,
			Payload: map[string]any{
				"patch":          in.Patch,
				"changed_fields": pv.ChangedFields,
			},
		}, in.AgentID)
		return nil
	})
	if err != nil {
		p.auditDenied(ctx, in.TenantID, res.WriteID, in.AgentID, consent.DomainProfile, err)
		p.countWrite(ctx, "profile", writeOutcome(err))
		return nil, err
	}
	p.countWrite(ctx, "profile", res.Status)
	return res, nil
}

// TableWrite is a row insert routed through the pipeline.
type TableWrite struct {
	TenantID    string
	AgentID     string
	Origin      types.Origin
	Table       string
	Data        map[string]any
	Description string
	// Tier enables the table cap on auto-create.
	Tier types.Tier
}

// WriteTable inserts a row, auto-creating or widening the table as needed.
func (p *Pipeline) WriteTable(ctx context.Context, in TableWrite) (*Result, error) {
	res := &Result{WriteID: uuid.NewString(), Status: StatusAccepted}
	resource := consent.DomainTables + "/" + strings.ToLower(strings.TrimSpace(in.Table))
	err := p.store.WithTenant(ctx, in.TenantID, func(tx *storage.Tx) error {
		start := time.Now()
		if err := p.allow(ctx, tx, in.AgentID, resource); err != nil {
			return err
		}
		row, err := p.tables.Insert(ctx, tx, tables.InsertInput{
			Table:       in.Table,
			Data:        in.Data,
			Description: in.Description,
			AgentID:     in.AgentID,
			Origin:      in.Origin,
			Tier:        in.Tier,
		})
		if err != nil {
			return err
		}
		res.Row = row

		sourceRef := fmt.Sprintf("table:%s:%s", row.Table, row.ID)
		p.recordClaim(ctx, tx, claims.Input{
			ClaimType:   claims.ClaimTypeTableRow,
			SubjectKind: "table",
			SubjectRef:  row.Table,
			Predicate:   "row",
			Object:      claimObject(row.Data),
			Origin:      in.Origin,
			SourceRef:   sourceRef,
			WriteID:     res.WriteID,
			AgentID:     in.AgentID,
		})
		p.audit.Stage(ctx, tx, res.WriteID, in.AgentID, types.StageTableWritten, sourceRef, start)

		res.JobID = p.enqueue(ctx, tx, queue.EnrichmentInput{
			TenantID:   in.TenantID,
			SourceType: types.SourceTable,
			SourceRef:  sourceRef,
			WriteID:    res.WriteID,
			AgentID:    in.AgentID,
			Origin:     in.Origin,
			Payload: map[string]any{
				"table":  row.Table,
				"row_id": row.ID,
				"data":   row.Data,
			},
		}, in.AgentID)
		return nil
	})
	if err != nil {
		p.auditDenied(ctx, in.TenantID, res.WriteID, in.AgentID, resource, err)
		p.countWrite(ctx, "table", writeOutcome(err))
		return nil, err
	}
	p.countWrite(ctx, "table", res.Status)
	return res, nil
}

// VectorWrite is a semantic memory routed through the pipeline.
type VectorWrite struct {
	TenantID   string
	AgentID    string
	Origin     types.Origin
	Collection string
	Content    string
	Metadata   map[string]any
}

// WriteVector embeds and stores a memory. When the embedding provider is
// down the memory is deferred instead of dropped: into pending_vectors,
// or into the auto-created memory_backlog table if even the queue schema
// is missing. Deferred writes return StatusPendingEnrichment.
func (p *Pipeline) WriteVector(ctx context.Context, in VectorWrite) (*Result, error) {
	res := &Result{WriteID: uuid.NewString(), Status: StatusAccepted}
	collection := strings.ToLower(strings.TrimSpace(in.Collection))
	if collection == "" {
		collection = vectors.DefaultCollection
	}
	resource := consent.DomainVectors + "/" + collection
	err := p.store.WithTenant(ctx, in.TenantID, func(tx *storage.Tx) error {
		start := time.Now()
		if err := p.allow(ctx, tx, in.AgentID, resource); err != nil {
			return err
		}
		rec, err := p.vectors.Insert(ctx, tx, vectors.InsertInput{
			Collection: collection,
			Content:    in.Content,
			Metadata:   in.Metadata,
			AgentID:    in.AgentID,
			Origin:     in.Origin,
		})
		if err != nil {
			if !embedFailure(err) {
				return err
			}
			sourceRef, derr := p.deferVector(ctx, tx, in, collection, res.WriteID, start)
			if derr != nil {
				return derr
			}
			res.Status = StatusPendingEnrichment
			p.recordClaim(ctx, tx, claims.Input{
				ClaimType:   claims.ClaimTypeMemory,
				SubjectKind: "vector",
				SubjectRef:  collection,
				Predicate:   "stated",
				Object:      in.Content,
				Origin:      in.Origin,
				SourceRef:   sourceRef,
				WriteID:     res.WriteID,
				AgentID:     in.AgentID,
			})
			return nil
		}
		res.Vector = rec

		sourceRef := fmt.Sprintf("vector:%s:%s", rec.Collection, rec.ID)
		p.recordClaim(ctx, tx, claims.Input{
			ClaimType:   claims.ClaimTypeMemory,
			SubjectKind: "vector",
			SubjectRef:  rec.Collection,
			Predicate:   "stated",
			Object:      in.Content,
			Origin:      in.Origin,
			SourceRef:   sourceRef,
			WriteID:     res.WriteID,
			AgentID:     in.AgentID,
		})
		p.audit.Stage(ctx, tx, res.WriteID, in.AgentID, types.StageVectorWritten, sourceRef, start)

		if rec.Duplicate {
			// Enrichment already ran when the original landed.
			return nil
		}
		res.JobID = p.enqueue(ctx, tx, queue.EnrichmentInput{
			TenantID:   in.TenantID,
			SourceType: types.SourceVector,
			SourceRef:  sourceRef,
			WriteID:    res.WriteID,
			AgentID:    in.AgentID,
			Origin:     in.Origin,
			Payload: map[string]any{
				"collection": rec.Collection,
				"doc_id":     rec.ID,
				"content":    rec.Content,
			},
		}, in.AgentID)
		return nil
	})
	if err != nil {
		p.auditDenied(ctx, in.TenantID, res.WriteID, in.AgentID, resource, err)
		p.countWrite(ctx, "vector", writeOutcome(err))
		return nil, err
	}
	p.countWrite(ctx, "vector", res.Status)
	return res, nil
}

// allow gates the write. The end-user owns the store outright; agents need
// a write grant on the resource.
func (p *Pipeline) allow(ctx context.Context, tx *storage.Tx, agentID, resource string) error {
	if agentID == "" || agentID == profile.UserCaller {
		return nil
	}
	return p.consent.Check(ctx, tx, agentID, resource, types.PermissionWrite)
}

// auditDenied logs a consent denial in its own transaction; the denied
// write's transaction has already rolled back and took any in-tx audit
// rows with it.
func (p *Pipeline) auditDenied(ctx context.Context, tenantID, writeID, agentID, resource string, cause error) {
	if !types.IsKind(cause, types.KindConsentDenied) {
		return
	}
	err := p.store.WithTenant(ctx, tenantID, func(tx *storage.Tx) error {
		p.audit.Record(ctx, tx, &types.AuditEvent{
			WriteID:  writeID,
			AgentID:  agentID,
			Stage:    types.StageConsentDenied,
			Resource: resource,
		})
		return nil
	})
	if err != nil {
		p.log.Warn("consent denial not audited",
			zap.String("tenant_id", tenantID),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

// recordClaim writes one ledger claim under a savepoint. The ledger is
// advisory: a failure is logged and the write proceeds.
func (p *Pipeline) recordClaim(ctx context.Context, tx *storage.Tx, in claims.Input) {
	if !p.ledger {
		return
	}
	err := tx.Savepoint(ctx, func(sp *storage.Tx) error {
		_, err := p.claims.Record(ctx, sp, in)
		return err
	})
	if err != nil {
		p.log.Warn("ledger claim not recorded",
			zap.String("tenant_id", tx.TenantID),
			zap.String("write_id", in.WriteID),
			zap.String("predicate", in.Predicate),
			zap.Error(err))
	}
}

// enqueue queues the enrichment job and audits the outcome. A missing
// queue table degrades to a one-time warning instead of failing the write;
// any other enqueue error is logged and the write proceeds without
// enrichment.
func (p *Pipeline) enqueue(ctx context.Context, tx *storage.Tx, in queue.EnrichmentInput, agentID string) int64 {
	start := time.Now()
	var jobID int64
	err := tx.Savepoint(ctx, func(sp *storage.Tx) error {
		id, err := p.queue.EnqueueEnrichment(ctx, sp, in)
		jobID = id
		return err
	})
	if err != nil {
		if storage.IsUndefinedTable(err) {
			p.queueWarn.Do(func() {
				p.log.Warn("queue tables missing, continuing without enrichment", zap.Error(err))
			})
		} else {
			p.log.Warn("enrichment enqueue failed",
				zap.String("tenant_id", tx.TenantID),
				zap.String("write_id", in.WriteID),
				zap.Error(err))
		}
		return 0
	}
	p.audit.Stage(ctx, tx, in.WriteID, agentID, types.StageEnrichmentQueued, in.SourceRef, start)
	return jobID
}

// deferVector parks a memory whose embedding failed. It returns the source
// ref of wherever the memory landed and emits the matching audit stage.
func (p *Pipeline) deferVector(ctx context.Context, tx *storage.Tx, in VectorWrite, collection, writeID string, start time.Time) (string, error) {
	docID := uuid.NewString()
	err := tx.Savepoint(ctx, func(sp *storage.Tx) error {
		_, err := p.queue.EnqueuePendingVector(ctx, sp, queue.PendingVectorInput{
			TenantID:   tx.TenantID,
			Collection: collection,
			DocID:      docID,
			Content:    in.Content,
			Metadata:   in.Metadata,
			WriteID:    writeID,
			AgentID:    in.AgentID,
			Origin:     in.Origin,
		})
		return err
	})
	if err == nil {
		sourceRef := fmt.Sprintf("vector:%s:%s", collection, docID)
		p.log.Info("vector deferred, embedding provider unavailable",
			zap.String("tenant_id", tx.TenantID),
			zap.String("write_id", writeID),
			zap.String("collection", collection))
		p.audit.Stage(ctx, tx, writeID, in.AgentID, types.StageVectorPending, sourceRef, start)
		return sourceRef, nil
	}
	if !storage.IsUndefinedTable(err) {
		return "", err
	}
	p.queueWarn.Do(func() {
		p.log.Warn("queue tables missing, continuing without enrichment", zap.Error(err))
	})
	if err := p.writeBacklog(ctx, tx, in, collection, writeID); err != nil {
		return "", err
	}
	p.audit.Stage(ctx, tx, writeID, in.AgentID, types.StageMemoryBacklogged, "table:memory_backlog", start)
	return "table:memory_backlog", nil
}

// backlogDDL is owned by the pipeline rather than the row API:
// memory_backlog is write-protected from agents, and the last-resort path
// must not depend on the registry machinery it is backstopping.
const backlogDDL = `
	CREATE TABLE IF NOT EXISTS memory_backlog (
		id         UUID PRIMARY KEY,
		collection TEXT NOT NULL,
		content    TEXT NOT NULL,
		metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
		write_id   TEXT NOT NULL DEFAULT '',
		agent_id   TEXT NOT NULL DEFAULT '',
		origin     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

func (p *Pipeline) writeBacklog(ctx context.Context, tx *storage.Tx, in VectorWrite, collection, writeID string) error {
	if _, err := tx.Exec(ctx, backlogDDL); err != nil {
		return fmt.Errorf("failed to create memory_backlog: %w", err)
	}
	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal backlog metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO memory_backlog (id, collection, content, metadata, write_id, agent_id, origin)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), collection, in.Content, metaJSON, writeID, in.AgentID, string(in.Origin))
	if err != nil {
		return fmt.Errorf("failed to write memory_backlog: %w", err)
	}
	p.log.Warn("memory backlogged",
		zap.String("tenant_id", tx.TenantID),
		zap.String("write_id", writeID),
		zap.String("collection", collection))
	return nil
}

// embedFailure reports whether an insert failed at the embedding provider
// rather than on the caller's input. Provider errors keep the
// "embedding"/"api key" markers in their text for exactly this check.
func embedFailure(err error) bool {
	if err == nil || types.IsKind(err, types.KindValidation) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "embedding") || strings.Contains(msg, "api key")
}

// profileValue walks a dotted path into the profile document.
func profileValue(doc map[string]any, path string) (any, bool) {
	cur := any(doc)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// claimObject renders an asserted value as ledger text. Strings pass
// through; everything else becomes canonical JSON so re-assertions of the
// same value compare equal.
func claimObject(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
