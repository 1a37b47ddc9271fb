package graph

import (
	"context"
	"sort"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Stats summarizes the live graph.
type Stats struct {
	Entities      int            `json:"entities"`
	Edges         int            `json:"edges"`
	ByType        map[string]int `json:"byType"`
	ByRelation    map[string]int `json:"byRelation"`
	AvgConfidence float64        `json:"avgConfidence"`
	AvgDegree     float64        `json:"avgDegree"`
}

// Stats counts live entities and edges, grouped by type and relation.
func (s *Store) Stats(ctx context.Context, tx *storage.Tx) (*Stats, error) {
	st := &Stats{
		ByType:     make(map[string]int),
		ByRelation: make(map[string]int),
	}

	rows, err := tx.Query(ctx, `
		SELECT entity_type, count(*), avg(confidence)
		FROM entities WHERE _deleted_at IS NULL
		GROUP BY entity_type`)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "count entities")
	}
	var confidenceSum float64
	for rows.Next() {
		var (
			t   string
			n   int
			avg float64
		)
		if err := rows.Scan(&t, &n, &avg); err != nil {
			rows.Close()
			return nil, types.WrapError(types.KindFatal, err, "scan entity counts")
		}
		st.ByType[t] = n
		st.Entities += n
		confidenceSum += avg * float64(n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindFatal, err, "count entities")
	}
	if st.Entities > 0 {
		st.AvgConfidence = confidenceSum / float64(st.Entities)
	}

	rows, err = tx.Query(ctx, `
		SELECT relation, count(*)
		FROM edges WHERE _deleted_at IS NULL
		GROUP BY relation`)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "count edges")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r string
			n int
		)
		if err := rows.Scan(&r, &n); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan edge counts")
		}
		st.ByRelation[r] = n
		st.Edges += n
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindFatal, err, "count edges")
	}
	if st.Entities > 0 {
		// Each edge contributes to the degree of both endpoints.
		st.AvgDegree = 2 * float64(st.Edges) / float64(st.Entities)
	}
	return st, nil
}

// Centrality ranks one entity's position in the graph.
type Centrality struct {
	EntityID       int64   `json:"entityId"`
	Name           string  `json:"name"`
	Degree         int     `json:"degree"`
	WeightedDegree float64 `json:"weightedDegree"`
	// Betweenness approximates brokerage: the number of distinct neighbor
	// pairs this entity bridges (pairs not directly connected).
	Betweenness int `json:"betweenness"`
	// Clustering is the fraction of neighbor pairs directly connected.
	Clustering float64 `json:"clustering"`
}

// Centrality computes per-entity degree, weighted degree, approximate
// betweenness, and clustering coefficient over the live graph, returning
// the top entities by weighted degree.
func (s *Store) Centrality(ctx context.Context, tx *storage.Tx, limit int) ([]Centrality, error) {
	if limit <= 0 {
		limit = 20
	}
	adj, err := s.loadAdjacency(ctx, tx, 0)
	if err != nil {
		return nil, err
	}

	neighborSets := make(map[int64]map[int64]bool, len(adj.entities))
	for id, edges := range adj.edges {
		set := make(map[int64]bool, len(edges))
		for _, a := range edges {
			set[a.other] = true
		}
		neighborSets[id] = set
	}

	out := make([]Centrality, 0, len(adj.entities))
	for id, ent := range adj.entities {
		edges := adj.edges[id]
		if len(edges) == 0 {
			continue
		}
		c := Centrality{EntityID: id, Name: ent.Name, Degree: len(edges)}
		for _, a := range edges {
			c.WeightedDegree += a.edge.Weight
		}

		neighbors := make([]int64, 0, len(neighborSets[id]))
		for n := range neighborSets[id] {
			neighbors = append(neighbors, n)
		}
		k := len(neighbors)
		if k >= 2 {
			pairs := k * (k - 1) / 2
			linked := 0
			for i := 0; i < k; i++ {
				for j := i + 1; j < k; j++ {
					if neighborSets[neighbors[i]][neighbors[j]] {
						linked++
					}
				}
			}
			c.Betweenness = pairs - linked
			c.Clustering = float64(linked) / float64(pairs)
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].WeightedDegree != out[j].WeightedDegree {
			return out[i].WeightedDegree > out[j].WeightedDegree
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Digest is a compact entity line for LLM prompt context.
type Digest struct {
	Name             string           `json:"name"`
	Type             types.EntityType `json:"type"`
	MentionCount     int              `json:"mentionCount"`
	DominantRelation string           `json:"dominantRelation,omitempty"`
}

// TopEntities returns the most-mentioned live entities with each one's
// most frequent relation, for grounding extraction prompts.
func (s *Store) TopEntities(ctx context.Context, tx *storage.Tx, limit int) ([]Digest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT e.name, e.entity_type, e.mention_count, COALESCE(r.relation, '')
		FROM entities e
		LEFT JOIN LATERAL (
			SELECT x.relation
			FROM edges x
			WHERE (x.source_id = e.id OR x.target_id = e.id) AND x._deleted_at IS NULL
			GROUP BY x.relation
			ORDER BY count(*) DESC, x.relation
			LIMIT 1
		) r ON true
		WHERE e._deleted_at IS NULL
		ORDER BY e.mention_count DESC, e.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "load top entities")
	}
	defer rows.Close()

	var out []Digest
	for rows.Next() {
		var d Digest
		if err := rows.Scan(&d.Name, &d.Type, &d.MentionCount, &d.DominantRelation); err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan entity digest")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
