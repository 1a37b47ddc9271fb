package graph

import (
	"context"
	"sort"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Direction selects which edges Neighbors follows.
type Direction string

// Traversal directions.
const (
	DirectionOut  Direction = "outbound"
	DirectionIn   Direction = "inbound"
	DirectionBoth Direction = "both"
)

// Traversal bounds.
const (
	// DefaultPathDepth is the hop limit when the caller does not set one.
	DefaultPathDepth = 3
	// MaxPathDepth is the absolute hop limit for path search and explore.
	MaxPathDepth = 6
	// pathFanout bounds the partial paths kept per frontier node.
	pathFanout = 4
)

// NeighborsInput filters a single-hop expansion.
type NeighborsInput struct {
	EntityID  int64
	Direction Direction // default both
	// Relation filters to one canonical relation when non-empty.
	Relation      string
	MinConfidence float64
	Limit         int // default 50
}

// Neighbor is one adjacent entity with the edge that connects it.
type Neighbor struct {
	Entity *types.Entity `json:"entity"`
	Edge   *types.Edge   `json:"edge"`
	// Outbound is true when the edge points away from the queried entity.
	Outbound bool `json:"outbound"`
}

// Neighbors returns the entities one hop away, heaviest edges first.
func (s *Store) Neighbors(ctx context.Context, tx *storage.Tx, in NeighborsInput) ([]Neighbor, error) {
	if _, err := s.GetEntity(ctx, tx, in.EntityID); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}

	var cond string
	switch in.Direction {
	case DirectionOut:
		cond = "e.source_id = $1"
	case DirectionIn:
		cond = "e.target_id = $1"
	case DirectionBoth, "":
		cond = "(e.source_id = $1 OR e.target_id = $1)"
	default:
		return nil, types.NewError(types.KindValidation, "unknown direction %q", in.Direction)
	}

	relation := ""
	if in.Relation != "" {
		relation = s.validator.Normalize(in.Relation)
	}

	rows, err := tx.Query(ctx, `
		SELECT e.id, e.source_id, e.target_id, e.relation, e.weight, e.confidence, e.is_current,
		       e.evidence, e.properties, e.meta_id, e.created_at, e.last_seen, e._deleted_at,
		       o.id, o.entity_type, o.name, o.normalized_name, o.properties, o.confidence,
		       o.mention_count, o.first_seen, o.last_seen, o.meta_id, o._deleted_at
		FROM edges e
		JOIN entities o ON o.id = CASE WHEN e.source_id = $1 THEN e.target_id ELSE e.source_id END
		WHERE `+cond+`
		  AND e._deleted_at IS NULL AND o._deleted_at IS NULL
		  AND e.confidence >= $2
		  AND ($3 = '' OR e.relation = $3)
		ORDER BY e.weight DESC, e.id
		LIMIT $4`,
		in.EntityID, in.MinConfidence, relation, limit)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "expand neighbors of entity %d", in.EntityID)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var (
			e          types.Edge
			o          types.Entity
			normalized string
			eMeta      *string
			oMeta      *string
		)
		err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &e.Confidence,
			&e.IsCurrent, &e.Evidence, &e.Properties, &eMeta, &e.CreatedAt, &e.LastSeen, &e.DeletedAt,
			&o.ID, &o.Type, &o.Name, &normalized, &o.Properties, &o.Confidence,
			&o.MentionCount, &o.FirstSeen, &o.LastSeen, &oMeta, &o.DeletedAt)
		if err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan neighbor")
		}
		if eMeta != nil {
			e.MetaID = *eMeta
		}
		if oMeta != nil {
			o.MetaID = *oMeta
		}
		out = append(out, Neighbor{Entity: &o, Edge: &e, Outbound: e.SourceID == in.EntityID})
	}
	return out, rows.Err()
}

// adjacency is an undirected in-memory view of the live graph, loaded once
// per traversal. Personal graphs are small; application-side search keeps
// cycle handling and scoring simple.
type adjacency struct {
	edges    map[int64][]adjEdge
	entities map[int64]*types.Entity
}

type adjEdge struct {
	other int64
	edge  *types.Edge
}

func (s *Store) loadAdjacency(ctx context.Context, tx *storage.Tx, minConfidence float64) (*adjacency, error) {
	adj := &adjacency{
		edges:    make(map[int64][]adjEdge),
		entities: make(map[int64]*types.Entity),
	}

	rows, err := tx.Query(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE _deleted_at IS NULL`)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "load graph entities")
	}
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, types.WrapError(types.KindFatal, err, "scan graph entity")
		}
		adj.entities[ent.ID] = ent
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindFatal, err, "load graph entities")
	}

	rows, err = tx.Query(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE _deleted_at IS NULL AND confidence >= $1`, minConfidence)
	if err != nil {
		return nil, types.WrapError(types.KindFatal, err, "load graph edges")
	}
	defer rows.Close()
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, types.WrapError(types.KindFatal, err, "scan graph edge")
		}
		if adj.entities[edge.SourceID] == nil || adj.entities[edge.TargetID] == nil {
			continue
		}
		adj.edges[edge.SourceID] = append(adj.edges[edge.SourceID], adjEdge{other: edge.TargetID, edge: edge})
		adj.edges[edge.TargetID] = append(adj.edges[edge.TargetID], adjEdge{other: edge.SourceID, edge: edge})
	}
	return adj, rows.Err()
}

// PathInput bounds a connection search between two entities.
type PathInput struct {
	SourceID int64
	TargetID int64
	// MaxDepth caps the hop count; defaults to DefaultPathDepth, clamped
	// to MaxPathDepth.
	MaxDepth      int
	MinConfidence float64
}

// Path is a connection between two entities: len(Nodes) == len(Edges)+1.
type Path struct {
	Nodes  []*types.Entity `json:"nodes"`
	Edges  []*types.Edge   `json:"edges"`
	Weight float64         `json:"weight"`
}

// frame is a partial path grown from one endpoint. nodes[0] is the origin.
type frame struct {
	nodes  []int64
	edges  []*types.Edge
	weight float64
}

func (f frame) contains(id int64) bool {
	for _, n := range f.nodes {
		if n == id {
			return true
		}
	}
	return false
}

// FindPath searches for the heaviest path between two entities within the
// depth bound, expanding frontiers from both ends and joining them in the
// middle. Edges are walked in either direction. Ties on total weight break
// toward the shorter path. Returns nil when the entities are not connected
// within the bound.
func (s *Store) FindPath(ctx context.Context, tx *storage.Tx, in PathInput) (*Path, error) {
	if in.SourceID == in.TargetID {
		return nil, types.NewError(types.KindValidation, "path endpoints are the same entity")
	}
	if _, err := s.GetEntity(ctx, tx, in.SourceID); err != nil {
		return nil, err
	}
	if _, err := s.GetEntity(ctx, tx, in.TargetID); err != nil {
		return nil, err
	}
	depth := in.MaxDepth
	if depth <= 0 {
		depth = DefaultPathDepth
	}
	if depth > MaxPathDepth {
		depth = MaxPathDepth
	}

	adj, err := s.loadAdjacency(ctx, tx, in.MinConfidence)
	if err != nil {
		return nil, err
	}
	return bestPath(adj, in.SourceID, in.TargetID, depth), nil
}

// bestPath runs the bidirectional search over an in-memory adjacency. Each
// side expands to half the depth; joining two halves at a shared node
// covers every path up to the full bound.
func bestPath(adj *adjacency, sourceID, targetID int64, depth int) *Path {
	forward := expandFrontier(adj, sourceID, (depth+1)/2)
	backward := expandFrontier(adj, targetID, depth/2)

	var best *Path
	for node, fas := range forward {
		fbs, ok := backward[node]
		if !ok {
			continue
		}
		for _, fa := range fas {
			for _, fb := range fbs {
				if len(fa.edges)+len(fb.edges) > depth {
					continue
				}
				if overlaps(fa, fb, node) {
					continue
				}
				p := joinFrames(adj, fa, fb)
				if p == nil {
					continue
				}
				if best == nil || p.Weight > best.Weight ||
					(p.Weight == best.Weight && len(p.Edges) < len(best.Edges)) {
					best = p
				}
			}
		}
	}
	return best
}

// expandFrontier grows partial paths breadth-first from origin, keeping
// the best pathFanout frames per reached node (by weight, then length).
// The origin's frame has zero edges so direct neighbors of the opposite
// frontier still join.
func expandFrontier(adj *adjacency, origin int64, maxHops int) map[int64][]frame {
	reached := map[int64][]frame{
		origin: {{nodes: []int64{origin}}},
	}
	level := []frame{{nodes: []int64{origin}}}

	for hop := 0; hop < maxHops; hop++ {
		var next []frame
		for _, f := range level {
			at := f.nodes[len(f.nodes)-1]
			for _, a := range adj.edges[at] {
				if f.contains(a.other) {
					continue
				}
				nf := frame{
					nodes:  append(append([]int64(nil), f.nodes...), a.other),
					edges:  append(append([]*types.Edge(nil), f.edges...), a.edge),
					weight: f.weight + a.edge.Weight,
				}
				if keepFrame(reached, a.other, nf) {
					next = append(next, nf)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		level = next
	}
	return reached
}

// keepFrame inserts nf into the node's frame list if it ranks within the
// fanout, reporting whether it was kept (and so worth expanding further).
// The list stays sorted best-first: heavier, then shorter.
func keepFrame(reached map[int64][]frame, node int64, nf frame) bool {
	frames := reached[node]
	if len(frames) >= pathFanout {
		worst := frames[len(frames)-1]
		if nf.weight < worst.weight ||
			(nf.weight == worst.weight && len(nf.edges) >= len(worst.edges)) {
			return false
		}
	}
	frames = append(frames, nf)
	sort.Slice(frames, func(i, j int) bool {
		if frames[i].weight != frames[j].weight {
			return frames[i].weight > frames[j].weight
		}
		return len(frames[i].edges) < len(frames[j].edges)
	})
	if len(frames) > pathFanout {
		frames = frames[:pathFanout]
	}
	reached[node] = frames
	return true
}

// overlaps reports whether the two halves share any node besides the
// meeting point, which would fold the joined path back on itself.
func overlaps(fa, fb frame, meeting int64) bool {
	seen := make(map[int64]bool, len(fa.nodes))
	for _, n := range fa.nodes {
		seen[n] = true
	}
	for _, n := range fb.nodes {
		if n != meeting && seen[n] {
			return true
		}
	}
	return false
}

// joinFrames splices a forward half and a backward half meeting at the
// backward frame's tail into one path.
func joinFrames(adj *adjacency, fa, fb frame) *Path {
	nodeIDs := append([]int64(nil), fa.nodes...)
	for i := len(fb.nodes) - 2; i >= 0; i-- {
		nodeIDs = append(nodeIDs, fb.nodes[i])
	}
	edges := append([]*types.Edge(nil), fa.edges...)
	for i := len(fb.edges) - 1; i >= 0; i-- {
		edges = append(edges, fb.edges[i])
	}

	nodes := make([]*types.Entity, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		ent := adj.entities[id]
		if ent == nil {
			return nil
		}
		nodes = append(nodes, ent)
	}
	return &Path{Nodes: nodes, Edges: edges, Weight: fa.weight + fb.weight}
}

// ExploreInput bounds a breadth-first expansion from a root entity.
type ExploreInput struct {
	RootID int64
	// MaxDepth defaults to 2, clamped to MaxPathDepth.
	MaxDepth int
	// Relations restricts which edges are followed at every hop.
	Relations     []string
	MinConfidence float64
	// MaxNodes caps the visited set; default 50.
	MaxNodes int
}

// ExploreNode is one entity discovered during exploration, with the edge
// it was first reached by.
type ExploreNode struct {
	Entity *types.Entity `json:"entity"`
	Depth  int           `json:"depth"`
	// Edge connects this node to Parent; nil on the root.
	Edge   *types.Edge `json:"edge,omitempty"`
	Parent int64       `json:"parent,omitempty"`
}

// Explore walks outward from the root breadth-first, honoring the per-hop
// relation and confidence filters, and returns nodes in discovery order
// (root first).
func (s *Store) Explore(ctx context.Context, tx *storage.Tx, in ExploreInput) ([]ExploreNode, error) {
	root, err := s.GetEntity(ctx, tx, in.RootID)
	if err != nil {
		return nil, err
	}
	depth := in.MaxDepth
	if depth <= 0 {
		depth = 2
	}
	if depth > MaxPathDepth {
		depth = MaxPathDepth
	}
	maxNodes := in.MaxNodes
	if maxNodes <= 0 {
		maxNodes = 50
	}

	allowed := make(map[string]bool, len(in.Relations))
	for _, r := range in.Relations {
		allowed[s.validator.Normalize(r)] = true
	}

	adj, err := s.loadAdjacency(ctx, tx, in.MinConfidence)
	if err != nil {
		return nil, err
	}

	visited := map[int64]bool{root.ID: true}
	out := []ExploreNode{{Entity: root, Depth: 0}}
	level := []int64{root.ID}

	for d := 1; d <= depth && len(out) < maxNodes; d++ {
		var next []int64
		for _, at := range level {
			// Heaviest edges first so the node budget favors strong links.
			edges := append([]adjEdge(nil), adj.edges[at]...)
			sort.Slice(edges, func(i, j int) bool { return edges[i].edge.Weight > edges[j].edge.Weight })
			for _, a := range edges {
				if len(out) >= maxNodes {
					break
				}
				if visited[a.other] {
					continue
				}
				if len(allowed) > 0 && !allowed[a.edge.Relation] {
					continue
				}
				visited[a.other] = true
				out = append(out, ExploreNode{
					Entity: adj.entities[a.other],
					Depth:  d,
					Edge:   a.edge,
					Parent: at,
				})
				next = append(next, a.other)
			}
		}
		if len(next) == 0 {
			break
		}
		level = next
	}
	return out, nil
}
