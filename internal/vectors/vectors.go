// Package vectors stores embedded text in per-tenant pgvector collections.
//
// Every stored vector carries a memory_meta row. Inserting text that already
// exists in a collection (case-insensitive) reinforces the existing memory
// instead of creating a near-duplicate row, and a cosine search records an
// access event against each returned memory so retrieval feeds the quality
// lifecycle.
package vectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/llm"
	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/sandbox"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

const (
	// DefaultCollection receives conversational memories when the caller
	// does not name a collection.
	DefaultCollection = "memories"

	// EdgeCollection holds natural-language renderings of graph edges so
	// relationship facts surface in semantic search.
	EdgeCollection = "graph_edges"

	defaultThreshold = 0.7
	defaultLimit     = 10
	maxLimit         = 100
)

// Store reads and writes embedded memories inside a tenant transaction.
type Store struct {
	quality  *quality.Engine
	embedder llm.Embedder
	log      *zap.Logger
}

// NewStore wires the vector store to its embedding provider and the quality
// engine that owns memory_meta.
func NewStore(q *quality.Engine, embedder llm.Embedder, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		quality:  q,
		embedder: embedder,
		log:      log.Named("vectors"),
	}
}

// Record is one stored vector row. Duplicate is set when an insert matched
// existing content and reinforced it instead of writing a new row.
type Record struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	MetaID     string         `json:"metaId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	Duplicate  bool           `json:"duplicate,omitempty"`
}

// InsertInput describes one piece of text to embed and store.
type InsertInput struct {
	Collection string
	Content    string
	Metadata   map[string]any
	AgentID    string
	Origin     types.Origin
}

// Insert embeds the content and stores it in the named collection, creating
// the collection on first use. Content that already exists in the collection
// (compared case-insensitively against live rows) is not stored again: the
// existing memory gets a mention, and if the incoming metadata disagrees with
// what is stored the disagreement is recorded as a contradiction.
//
// Embedding-provider errors are returned unwrapped so callers can distinguish
// a transient provider outage from a bad write.
func (s *Store) Insert(ctx context.Context, tx *storage.Tx, in InsertInput) (*Record, error) {
	collection, err := normalizeCollection(in.Collection)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, types.NewError(types.KindValidation, "vector content is empty")
	}
	if !in.Origin.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown origin %q", in.Origin)
	}

	if existing, err := s.findDuplicate(ctx, tx, collection, content); err != nil {
		return nil, err
	} else if existing != nil {
		return s.reinforce(ctx, tx, collection, existing, in)
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx, tx, collection, len(vec)); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	meta, err := s.quality.CreateMeta(ctx, tx, types.SourceVector, "vector:"+collection+":"+id, in.Origin)
	if err != nil {
		return nil, err
	}

	metaJSON, err := json.Marshal(normalizeMetadata(in.Metadata))
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "encode vector metadata")
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO vectors (id, collection, content, embedding, metadata, meta_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, collection, content, pgvector.NewVector(vec), metaJSON, meta.ID, now)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "insert vector")
	}

	s.log.Debug("vector stored",
		zap.String("tenant", tx.TenantID),
		zap.String("collection", collection),
		zap.String("id", id),
		zap.Int("dimensions", len(vec)))

	return &Record{
		ID:         id,
		Collection: collection,
		Content:    content,
		Metadata:   normalizeMetadata(in.Metadata),
		MetaID:     meta.ID,
		CreatedAt:  now,
	}, nil
}

// duplicateRow is the slice of an existing vector row needed to reinforce it.
type duplicateRow struct {
	ID        string
	Content   string
	Metadata  map[string]any
	MetaID    string
	CreatedAt time.Time
}

func (s *Store) findDuplicate(ctx context.Context, tx *storage.Tx, collection, content string) (*duplicateRow, error) {
	var (
		dup      duplicateRow
		metaID   *string
		metaJSON []byte
	)
	err := tx.QueryRow(ctx, `
		SELECT id, content, metadata, meta_id, created_at
		FROM vectors
		WHERE collection = $1 AND lower(content) = lower($2) AND _deleted_at IS NULL
		LIMIT 1`,
		collection, content).Scan(&dup.ID, &dup.Content, &metaJSON, &metaID, &dup.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "check duplicate vector")
	}
	if metaID != nil {
		dup.MetaID = *metaID
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &dup.Metadata); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "decode vector metadata")
		}
	}
	return &dup, nil
}

// reinforce handles an insert whose content already exists: mention the
// stored memory, and when the incoming metadata tells a different story,
// record the conflict without overwriting what is stored.
func (s *Store) reinforce(ctx context.Context, tx *storage.Tx, collection string, existing *duplicateRow, in InsertInput) (*Record, error) {
	if existing.MetaID != "" {
		if err := s.quality.RecordMention(ctx, tx, existing.MetaID); err != nil {
			return nil, err
		}
	}

	stored := normalizeMetadata(existing.Metadata)
	incoming := normalizeMetadata(in.Metadata)
	if existing.MetaID != "" && len(incoming) > 0 && jsonString(stored) != jsonString(incoming) {
		meta, err := s.quality.CreateMeta(ctx, tx, types.SourceVector, "vector:"+collection+":"+existing.ID, in.Origin)
		if err != nil {
			return nil, err
		}
		err = s.quality.RecordContradiction(ctx, tx, quality.ContradictionInput{
			PriorMetaID: existing.MetaID,
			NextMetaID:  meta.ID,
			Field:       collection + ".metadata",
			PriorValue:  jsonString(stored),
			NextValue:   jsonString(incoming),
			Reason:      "duplicate content with different metadata from " + in.AgentID,
		})
		if err != nil {
			return nil, err
		}
	}

	s.log.Debug("vector duplicate reinforced",
		zap.String("tenant", tx.TenantID),
		zap.String("collection", collection),
		zap.String("id", existing.ID))

	return &Record{
		ID:         existing.ID,
		Collection: collection,
		Content:    existing.Content,
		Metadata:   stored,
		MetaID:     existing.MetaID,
		CreatedAt:  existing.CreatedAt,
		Duplicate:  true,
	}, nil
}

// ensureCollection registers the collection on first use, pinning the
// dimension count of its first vector. A later embedding with a different
// dimension means the provider model changed underneath stored data.
func (s *Store) ensureCollection(ctx context.Context, tx *storage.Tx, name string, dims int) error {
	var existing int
	err := tx.QueryRow(ctx,
		`SELECT dimensions FROM _vector_collections WHERE name = $1`, name).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `
			INSERT INTO _vector_collections (name, dimensions, created_at)
			VALUES ($1, $2, now())
			ON CONFLICT (name) DO NOTHING`,
			name, dims)
		if err != nil {
			return types.WrapError(types.KindFatal, err, "create collection %s", name)
		}
		s.log.Info("vector collection created",
			zap.String("tenant", tx.TenantID),
			zap.String("collection", name),
			zap.Int("dimensions", dims))
		return nil
	}
	if err != nil {
		return types.WrapError(types.KindFatal, err, "look up collection %s", name)
	}
	if existing != dims {
		return types.NewError(types.KindIntegrity,
			"collection %s stores %d-dimensional vectors, embedder produced %d", name, existing, dims)
	}
	return nil
}

// SearchInput is a semantic query against one collection.
type SearchInput struct {
	Collection string
	Query      string
	// Threshold is the minimum cosine similarity, defaulting to 0.7.
	Threshold float64
	// Limit caps the result count, defaulting to 10.
	Limit int
}

// SearchResult pairs a matching vector with its similarity and the quality
// state of the memory behind it.
type SearchResult struct {
	Record
	Similarity float64          `json:"similarity"`
	Confidence float64          `json:"confidence"`
	Status     types.MetaStatus `json:"status,omitempty"`
}

// Search embeds the query and returns stored vectors above the similarity
// threshold, most similar first. Each returned memory gets an access event,
// so Search must run inside a writable transaction.
func (s *Store) Search(ctx context.Context, tx *storage.Tx, in SearchInput) ([]SearchResult, error) {
	collection, err := normalizeCollection(in.Collection)
	if err != nil {
		return nil, err
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, types.NewError(types.KindValidation, "search query is empty")
	}
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if threshold > 1 {
		return nil, types.NewError(types.KindValidation, "similarity threshold %v is above 1", threshold)
	}
	limit := in.Limit
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	qv := pgvector.NewVector(vec)

	rows, err := tx.Query(ctx, `
		SELECT v.id, v.content, v.metadata, v.meta_id, v.created_at,
		       (1 - (v.embedding <=> $2))::float8 AS similarity,
		       COALESCE(m.confidence, 0), COALESCE(m.status, '')
		FROM vectors v
		LEFT JOIN memory_meta m ON m.id = v.meta_id
		WHERE v.collection = $1
		  AND v._deleted_at IS NULL
		  AND v.embedding IS NOT NULL
		  AND (1 - (v.embedding <=> $2)) >= $3
		ORDER BY v.embedding <=> $2
		LIMIT $4`,
		collection, qv, threshold, limit)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "search vectors")
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r        SearchResult
			metaID   *string
			metaJSON []byte
			status   string
		)
		if err := rows.Scan(&r.ID, &r.Content, &metaJSON, &metaID, &r.CreatedAt,
			&r.Similarity, &r.Confidence, &status); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan search result")
		}
		r.Collection = collection
		r.Status = types.MetaStatus(status)
		if metaID != nil {
			r.MetaID = *metaID
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, types.WrapError(types.KindFatal, err, "decode vector metadata")
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindFatal, err, "search vectors")
	}

	for _, r := range results {
		if r.MetaID == "" {
			continue
		}
		if err := s.quality.RecordAccess(ctx, tx, r.MetaID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// SoftDelete hides a vector from search and duplicate checks without
// destroying the row.
func (s *Store) SoftDelete(ctx context.Context, tx *storage.Tx, collection, id string) error {
	collection, err := normalizeCollection(collection)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE vectors SET _deleted_at = now()
		WHERE id = $1 AND collection = $2 AND _deleted_at IS NULL`,
		id, collection)
	if err != nil {
		return types.WrapError(types.KindFatal, err, "delete vector")
	}
	if tag.RowsAffected() == 0 {
		return types.NewError(types.KindNotFound, "vector %s not found in %s", id, collection)
	}
	return nil
}

// CollectionInfo describes one registered collection.
type CollectionInfo struct {
	Name       string    `json:"name"`
	Dimensions int       `json:"dimensions"`
	Count      int       `json:"count"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ListCollections returns the tenant's collections with live row counts.
func (s *Store) ListCollections(ctx context.Context, tx *storage.Tx) ([]CollectionInfo, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.name, c.dimensions, c.created_at,
		       (SELECT count(*) FROM vectors v WHERE v.collection = c.name AND v._deleted_at IS NULL)
		FROM _vector_collections c
		ORDER BY c.name`)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "list collections")
	}
	defer rows.Close()

	var infos []CollectionInfo
	for rows.Next() {
		var info CollectionInfo
		if err := rows.Scan(&info.Name, &info.Dimensions, &info.CreatedAt, &info.Count); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan collection")
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func normalizeCollection(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultCollection, nil
	}
	if !sandbox.ValidIdentifier(name) {
		return "", types.NewError(types.KindValidation, "invalid collection name %q", name)
	}
	return name, nil
}

func normalizeMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
