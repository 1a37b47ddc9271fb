// Package episteme embeds the memory store in a Go application. Open wires
// the full component graph (storage, consent, pipeline, graph, vectors,
// auth, metering, enrichment) from one config; the HTTP or MCP edge that
// fronts it lives in the embedding application, not here.
//
// Most callers need three things: Open, Client.Pipeline for writes, and
// the per-domain stores for reads. The daemon in cmd/epistemed composes
// the same graph for background processing.
package episteme

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/audit"
	"github.com/episteme-ai/episteme/internal/auth"
	"github.com/episteme-ai/episteme/internal/claims"
	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/consent"
	"github.com/episteme-ai/episteme/internal/dedup"
	"github.com/episteme-ai/episteme/internal/extract"
	"github.com/episteme-ai/episteme/internal/graph"
	"github.com/episteme-ai/episteme/internal/llm"
	"github.com/episteme-ai/episteme/internal/metering"
	"github.com/episteme-ai/episteme/internal/ontology"
	"github.com/episteme-ai/episteme/internal/pipeline"
	"github.com/episteme-ai/episteme/internal/profile"
	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/queue"
	"github.com/episteme-ai/episteme/internal/sandbox"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/tables"
	"github.com/episteme-ai/episteme/internal/timeparsing"
	"github.com/episteme-ai/episteme/internal/types"
	"github.com/episteme-ai/episteme/internal/vectors"
	"github.com/episteme-ai/episteme/internal/worker"
)

// Core types for working with memories.
type (
	Entity         = types.Entity
	Edge           = types.Edge
	ProfileVersion = types.ProfileVersion
	AuditEvent     = types.AuditEvent
	Origin         = types.Origin
	Tier           = types.Tier
)

// Origin constants, in precedence order.
const (
	OriginUserTyped  = types.OriginUserTyped
	OriginUserStated = types.OriginUserStated
	OriginImported   = types.OriginImported
	OriginSystem     = types.OriginSystem
	OriginAIStated   = types.OriginAIStated
	OriginAIInferred = types.OriginAIInferred
	OriginAIPattern  = types.OriginAIPattern
)

// Tier constants.
const (
	TierFree       = types.TierFree
	TierPro        = types.TierPro
	TierEnterprise = types.TierEnterprise
)

// UserCaller is the agent id that identifies the profile owner; it
// bypasses consent.
const UserCaller = profile.UserCaller

// Options override the config-built providers. The seams exist for tests
// and for applications that bring their own model clients.
type Options struct {
	// Extractor overrides the extraction model. Nil builds one from
	// cfg.LLM when a key is configured; without a key, extraction runs
	// rules only.
	Extractor llm.Extractor
	// Embedder overrides the embedding client. Nil builds one from
	// cfg.Embedding, which requires a key.
	Embedder llm.Embedder
}

// Client is the wired component graph. Fields are the public surface;
// everything is safe for concurrent use.
type Client struct {
	Store    *storage.Store
	Pipeline *pipeline.Pipeline
	Auth     *auth.Service
	Consent  *consent.Gate
	Profile  *profile.Store
	Tables   *tables.Store
	Vectors  *vectors.Store
	Graph    *graph.Store
	Claims   *claims.Store
	Audit    *audit.Logger
	Quality  *quality.Engine
	Queue    *queue.Queue
	Extract  *extract.Engine
	Sandbox  *sandbox.Executor
	Meter    *metering.Meter

	// Worker is constructed but not started; call Worker.Start to drain
	// enrichment in-process, or leave it to epistemed.
	Worker *worker.Worker

	overrides *metering.Overrides
}

// Open connects the database, migrates the shared schema, and wires every
// component from cfg. The caller owns Close.
func Open(ctx context.Context, cfg *config.Config, opts Options, log *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("episteme: config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, storage.Options{
		EmbeddingDims: cfg.Embedding.Dimensions,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateShared(ctx); err != nil {
		store.Close()
		return nil, err
	}

	c, err := build(cfg, opts, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}

func build(cfg *config.Config, opts Options, store *storage.Store, log *zap.Logger) (*Client, error) {
	meter := metering.New(store, cfg.Metering.FlushInterval, log)
	var overrides *metering.Overrides
	if cfg.Metering.OverridesPath != "" {
		o, err := metering.NewOverrides(cfg.Metering.OverridesPath, log)
		if err != nil {
			return nil, fmt.Errorf("metering overrides: %w", err)
		}
		meter.UseOverrides(o)
		overrides = o
	}

	fail := func(err error) (*Client, error) {
		if overrides != nil {
			overrides.Close()
		}
		return nil, err
	}

	embedder := opts.Embedder
	if embedder == nil {
		var err error
		embedder, err = llm.NewEmbedder(cfg.Embedding, log)
		if err != nil {
			return fail(err)
		}
	}
	extractor := opts.Extractor
	if extractor == nil && hasModelKey(cfg.LLM) {
		var err error
		extractor, err = llm.NewExtractor(cfg.LLM, log)
		if err != nil {
			return fail(err)
		}
	}

	validator, err := ontology.NewValidator(ontology.Mode(cfg.Ontology.Mode), nil)
	if err != nil {
		return fail(err)
	}

	qe := quality.NewEngine(log)
	qu := queue.New(store, log)
	aud := audit.New(log)
	gate := consent.NewGate(log)
	graphStore := graph.NewStore(graph.Config{
		Quality:        qe,
		Dedup:          dedup.NewEngine(cfg.Features.CrossTypeDedup, log),
		Validator:      validator,
		Meter:          meter,
		Queue:          qu,
		VectorizeEdges: cfg.Features.GraphEdgeVectorization,
	}, log)
	profileStore := profile.NewStore(qe, log)
	tableStore := tables.NewStore(qe, meter, log)
	vectorStore := vectors.NewStore(qe, embedder, log)
	claimStore := claims.NewStore(log)

	eng := extract.New(extract.Config{
		Store:   store,
		Graph:   graphStore,
		Profile: profileStore,
		Meter:   meter,
		Audit:   aud,
		LLM:     extractor,
		Time:    timeparsing.New(),
	}, log)

	pipe := pipeline.New(pipeline.Config{
		Store:        store,
		Consent:      gate,
		Profile:      profileStore,
		Tables:       tableStore,
		Vectors:      vectorStore,
		Claims:       claimStore,
		Audit:        aud,
		Queue:        qu,
		LedgerWrites: cfg.Ledger.WriteEnabled,
	}, log)

	authSvc := auth.New(auth.Config{
		Store:             store,
		Consent:           gate,
		KeyTTL:            cfg.Auth.KeyTTL,
		CodeTTL:           cfg.Auth.CodeTTL,
		ResourceAllowlist: cfg.ResourceAllowlist(),
	}, log)

	w := worker.New(worker.Config{
		Store:      store,
		Queue:      qu,
		Vectors:    vectorStore,
		Extract:    eng,
		Audit:      aud,
		Enrichment: cfg.Enrichment,
	}, log)

	return &Client{
		Store:     store,
		Pipeline:  pipe,
		Auth:      authSvc,
		Consent:   gate,
		Profile:   profileStore,
		Tables:    tableStore,
		Vectors:   vectorStore,
		Graph:     graphStore,
		Claims:    claimStore,
		Audit:     aud,
		Quality:   qe,
		Queue:     qu,
		Extract:   eng,
		Sandbox:   sandbox.NewExecutor(log),
		Meter:     meter,
		Worker:    w,
		overrides: overrides,
	}, nil
}

// Close releases the pool and stops the overrides watcher. Services the
// caller started (Worker, flusher) must be stopped first.
func (c *Client) Close() {
	if c.overrides != nil {
		c.overrides.Close()
	}
	c.Store.Close()
}

// hasModelKey reports whether the configured model provider has a key.
func hasModelKey(cfg config.LLMConfig) bool {
	if cfg.Provider == "openai" {
		return cfg.OpenAIAPIKey != ""
	}
	return cfg.AnthropicAPIKey != ""
}
