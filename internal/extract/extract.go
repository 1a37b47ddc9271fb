// Package extract turns raw writes into graph entities and edges. Three
// strategies feed one post-processing pipeline: deterministic per-table
// rules, model extraction grounded in the tenant's own context, and
// combined modes that fall back from one to the other. Post-processing
// resolves candidates through dedup, hangs every entity off the owner (or
// a named non-owner source), and fires best-effort follow-up passes for
// inter-entity structure and profile back-sync.
package extract

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/audit"
	"github.com/episteme-ai/episteme/internal/graph"
	"github.com/episteme-ai/episteme/internal/llm"
	"github.com/episteme-ai/episteme/internal/metering"
	"github.com/episteme-ai/episteme/internal/ontology"
	"github.com/episteme-ai/episteme/internal/profile"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/timeparsing"
	"github.com/episteme-ai/episteme/internal/types"
)

// Method selects the extraction strategy for a job.
type Method string

// Methods. LLMFirst falls back to rules when the model finds nothing;
// Batch runs rules and only spends model tokens when the rules come up
// empty.
const (
	MethodRules    Method = "rules"
	MethodLLM      Method = "llm"
	MethodLLMFirst Method = "llm_first"
	MethodBatch    Method = "batch"
)

// Candidate is one proposed entity before graph resolution.
type Candidate struct {
	Name       string
	Type       types.EntityType
	Properties map[string]any
	Edge       *EdgeHint
}

// EdgeHint proposes the connecting edge for a candidate. SourceRef names
// a non-owner source entity ("Sarah likes sushi" hangs the sushi edge off
// Sarah); empty means the owner.
type EdgeHint struct {
	Relation   string
	SourceRef  string
	Evidence   string
	Properties map[string]any
}

// Config wires an Engine.
type Config struct {
	Store   *storage.Store
	Graph   *graph.Store
	Profile *profile.Store
	// Meter may be nil; tier soft-checks are then skipped.
	Meter *metering.Meter
	Audit *audit.Logger
	// LLM may be nil; model-backed methods then degrade to rules.
	LLM  llm.Extractor
	Time *timeparsing.Parser
}

// Engine extracts entities from one write at a time.
type Engine struct {
	store   *storage.Store
	graph   *graph.Store
	profile *profile.Store
	meter   *metering.Meter
	audit   *audit.Logger
	llm     llm.Extractor
	time    *timeparsing.Parser
	log     *zap.Logger
}

// New builds an engine.
func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	tp := cfg.Time
	if tp == nil {
		tp = timeparsing.New()
	}
	return &Engine{
		store:   cfg.Store,
		graph:   cfg.Graph,
		profile: cfg.Profile,
		meter:   cfg.Meter,
		audit:   cfg.Audit,
		llm:     cfg.LLM,
		time:    tp,
		log:     log.Named("extract"),
	}
}

// Input is one extraction job.
type Input struct {
	TenantID   string
	Method     Method
	SourceType types.SourceType
	SourceRef  string
	// Table names the dynamic table for table writes.
	Table string
	// Payload is the structured document to mine (table row data or
	// profile patch).
	Payload map[string]any
	// Content is the free text to mine, for vector writes.
	Content string
	WriteID string
	AgentID string
	Origin  types.Origin
	Tier    types.Tier
}

// EntityRef identifies one node touched by a pass.
type EntityRef struct {
	ID   int64
	Name string
	Type types.EntityType
}

// SyncEdge is an owner edge eligible for profile back-sync.
type SyncEdge struct {
	Relation   string
	Target     string
	Properties map[string]any
}

// Summary reports what one extraction pass did.
type Summary struct {
	Method     Method `json:"method"`
	Candidates int    `json:"candidates"`
	Created    int    `json:"created"`
	Reinforced int    `json:"reinforced"`
	Edges      int    `json:"edges"`
	// Skipped carries the reason when the pass stopped early.
	Skipped string `json:"skipped,omitempty"`

	// NewEntities feed the inter-entity follow-up pass.
	NewEntities []EntityRef `json:"-"`
	// SyncEdges feed the profile back-sync pass.
	SyncEdges []SyncEdge `json:"-"`
}

// Run extracts entities from one write and folds them into the graph.
// Candidate gathering happens outside any write transaction (the model
// call can take seconds); application runs in one tenant transaction; the
// follow-up passes each get their own and never fail the job.
func (e *Engine) Run(ctx context.Context, in Input) (*Summary, error) {
	method := e.effectiveMethod(in.Method)
	cands, used, err := e.collect(ctx, in, method)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Method: used, Candidates: len(cands)}
	if len(cands) == 0 {
		return sum, nil
	}

	origin := extractionOrigin(used, in.Origin)
	err = e.store.WithTenant(ctx, in.TenantID, func(tx *storage.Tx) error {
		sum.Created, sum.Reinforced, sum.Edges = 0, 0, 0
		sum.NewEntities, sum.SyncEdges = nil, nil
		return e.apply(ctx, tx, in, origin, cands, sum)
	})
	if err != nil {
		return nil, err
	}

	e.interEntityPass(ctx, in, sum)
	e.profileSync(ctx, in, origin, sum)
	return sum, nil
}

// effectiveMethod downgrades model-backed methods when no provider is
// configured.
func (e *Engine) effectiveMethod(m Method) Method {
	if m == "" {
		m = MethodLLMFirst
	}
	if e.llm == nil {
		switch m {
		case MethodLLM, MethodLLMFirst, MethodBatch:
			return MethodRules
		}
	}
	return m
}

func (e *Engine) collect(ctx context.Context, in Input, method Method) ([]Candidate, Method, error) {
	switch method {
	case MethodRules:
		return e.ruleCandidates(in), MethodRules, nil
	case MethodLLM:
		c, err := e.llmCandidates(ctx, in)
		return c, MethodLLM, err
	case MethodLLMFirst:
		c, err := e.llmCandidates(ctx, in)
		if err != nil {
			return nil, MethodLLM, err
		}
		if len(c) > 0 {
			return c, MethodLLM, nil
		}
		return e.ruleCandidates(in), MethodRules, nil
	case MethodBatch:
		if c := e.ruleCandidates(in); len(c) > 0 {
			return c, MethodRules, nil
		}
		c, err := e.llmCandidates(ctx, in)
		return c, MethodLLM, err
	default:
		return nil, method, types.NewError(types.KindValidation, "unknown extraction method %q", method)
	}
}

func (e *Engine) ruleCandidates(in Input) []Candidate {
	cands := rulesFor(in)
	e.normalizeDates(cands, time.Now())
	return sanitize(cands)
}

// extractionOrigin picks the origin for extraction products. Rule output
// restates what the write literally said and keeps its origin; model
// output is an interpretation and lands as an AI inference.
func extractionOrigin(used Method, writeOrigin types.Origin) types.Origin {
	if used == MethodRules && writeOrigin.IsValid() {
		return writeOrigin
	}
	return types.OriginAIInferred
}

// normalizeDates resolves date-ish candidate properties so downstream
// consumers never see "yesterday".
func (e *Engine) normalizeDates(cands []Candidate, base time.Time) {
	for _, c := range cands {
		for _, key := range []string{"date", "when", "day", "time"} {
			raw, ok := c.Properties[key].(string)
			if !ok || raw == "" {
				continue
			}
			if t, err := e.time.Parse(raw, base); err == nil {
				c.Properties[key] = t.Format("2006-01-02")
			}
		}
	}
}

// sanitize normalizes candidates, coerces their types onto the taxonomy,
// and drops low-signal names and in-pass duplicates.
func sanitize(cands []Candidate) []Candidate {
	var out []Candidate
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		c.Name = collapseSpace(c.Name)
		if c.Name == "" || lowSignal(c.Name) {
			continue
		}
		if !c.Type.IsValid() {
			c.Type, _ = ontology.CoerceEntityType(string(c.Type))
		}
		key := string(c.Type) + "\x00" + types.NormalizeEntityName(c.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		if c.Edge != nil {
			c.Edge.Relation = ontology.NormalizeRelation(c.Edge.Relation)
		}
		out = append(out, c)
	}
	return out
}
