package graph

import (
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/ontology"
	"github.com/episteme-ai/episteme/internal/types"
)

func testValidator(t *testing.T) *ontology.Validator {
	t.Helper()
	v, err := ontology.NewValidator(ontology.ModeSoft, nil)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestAppendEvidence(t *testing.T) {
	var ev []string
	for i := 0; i < 8; i++ {
		ev = appendEvidence(ev, fmt.Sprintf("snippet %d", i))
	}
	if len(ev) != types.MaxEdgeEvidence {
		t.Fatalf("evidence length = %d, want %d", len(ev), types.MaxEdgeEvidence)
	}
	if ev[0] != "snippet 3" || ev[len(ev)-1] != "snippet 7" {
		t.Errorf("evidence window = %v, want snippets 3..7", ev)
	}
	if got := appendEvidence(ev, ""); len(got) != len(ev) {
		t.Errorf("empty snippet should be a no-op, got %v", got)
	}
}

func TestCoerceTypeWord(t *testing.T) {
	tests := []struct {
		in   string
		want types.EntityType
		ok   bool
	}{
		{"food", types.EntityFood, true},
		{"foods", types.EntityFood, true},
		{"dishes", types.EntityFood, true},
		{"movies", types.EntityMedia, true},
		{"places", types.EntityPlace, true},
		{"activities", "", false},
		{"zorblax", "", false},
	}
	for _, tt := range tests {
		got, ok := coerceTypeWord(tt.in)
		if ok != tt.ok {
			t.Errorf("coerceTypeWord(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("coerceTypeWord(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPatternShapes(t *testing.T) {
	s := &Store{validator: testValidator(t), log: zap.NewNop()}

	tests := []struct {
		question string
		pattern  string
		relation string
	}{
		{"Who do I play tennis with?", PatternCoParticipants, "does"},
		{"who do i work with", PatternCoParticipants, "works_at"},
		{"What food do I like?", PatternLikedType, "likes"},
		{"what movies do I love?", PatternLikedType, "likes"},
		{"Where do I work?", PatternWhereVerb, "works_at"},
		{"where do i live", PatternWhereVerb, "lives_in"},
	}
	for _, tt := range tests {
		q := normalizeQuestion(tt.question)
		var pattern, relation string
		switch {
		case reWhoWith.MatchString(q):
			pattern = PatternCoParticipants
			m := reWhoWith.FindStringSubmatch(q)
			relation = s.verbRelation(m[1])
		case reWhatLike.MatchString(q):
			pattern = PatternLikedType
			relation = "likes"
		case reWhereVerb.MatchString(q):
			pattern = PatternWhereVerb
			m := reWhereVerb.FindStringSubmatch(q)
			relation = s.verbRelation(m[1])
		}
		if pattern != tt.pattern {
			t.Errorf("%q matched pattern %q, want %q", tt.question, pattern, tt.pattern)
			continue
		}
		if relation != tt.relation {
			t.Errorf("%q resolved relation %q, want %q", tt.question, relation, tt.relation)
		}
	}

	if reWhoWith.MatchString(normalizeQuestion("tell me everything")) {
		t.Error("free-form question should not match a pattern")
	}
}

type testEdge struct {
	id     int64
	src    int64
	dst    int64
	weight float64
}

func testAdjacency(edges []testEdge) *adjacency {
	adj := &adjacency{
		edges:    make(map[int64][]adjEdge),
		entities: make(map[int64]*types.Entity),
	}
	addEntity := func(id int64) {
		if adj.entities[id] == nil {
			adj.entities[id] = &types.Entity{ID: id, Name: fmt.Sprintf("e%d", id), Type: types.EntityTopic}
		}
	}
	for _, te := range edges {
		addEntity(te.src)
		addEntity(te.dst)
		e := &types.Edge{ID: te.id, SourceID: te.src, TargetID: te.dst, Weight: te.weight, Relation: "related_to"}
		adj.edges[te.src] = append(adj.edges[te.src], adjEdge{other: te.dst, edge: e})
		adj.edges[te.dst] = append(adj.edges[te.dst], adjEdge{other: te.src, edge: e})
	}
	return adj
}

func TestBestPathPrefersWeight(t *testing.T) {
	// Two routes from 1 to 4: a light direct edge and a heavy two-hop
	// detour. Weight wins over length.
	adj := testAdjacency([]testEdge{
		{id: 1, src: 1, dst: 4, weight: 1},
		{id: 2, src: 1, dst: 2, weight: 5},
		{id: 3, src: 2, dst: 4, weight: 5},
	})
	p := bestPath(adj, 1, 4, 3)
	if p == nil {
		t.Fatal("expected a path")
	}
	if p.Weight != 10 {
		t.Errorf("path weight = %v, want 10", p.Weight)
	}
	if len(p.Edges) != 2 {
		t.Errorf("path length = %d, want 2", len(p.Edges))
	}
	if p.Nodes[0].ID != 1 || p.Nodes[1].ID != 2 || p.Nodes[2].ID != 4 {
		t.Errorf("path nodes = %v, want 1 -> 2 -> 4", pathIDs(p))
	}
}

func TestBestPathTieBreaksShorter(t *testing.T) {
	// Both routes weigh 6; the two-hop route should win over the three-hop.
	adj := testAdjacency([]testEdge{
		{id: 1, src: 1, dst: 2, weight: 3},
		{id: 2, src: 2, dst: 5, weight: 3},
		{id: 3, src: 1, dst: 3, weight: 2},
		{id: 4, src: 3, dst: 4, weight: 2},
		{id: 5, src: 4, dst: 5, weight: 2},
	})
	p := bestPath(adj, 1, 5, 4)
	if p == nil {
		t.Fatal("expected a path")
	}
	if p.Weight != 6 || len(p.Edges) != 2 {
		t.Errorf("got weight %v over %d hops, want 6 over 2", p.Weight, len(p.Edges))
	}
}

func TestBestPathRespectsDepth(t *testing.T) {
	// The only route is 3 hops; a depth-2 search must not find it.
	adj := testAdjacency([]testEdge{
		{id: 1, src: 1, dst: 2, weight: 1},
		{id: 2, src: 2, dst: 3, weight: 1},
		{id: 3, src: 3, dst: 4, weight: 1},
	})
	if p := bestPath(adj, 1, 4, 2); p != nil {
		t.Errorf("depth-2 search found a %d-hop path", len(p.Edges))
	}
	p := bestPath(adj, 1, 4, 3)
	if p == nil {
		t.Fatal("depth-3 search should find the path")
	}
	if len(p.Edges) != 3 {
		t.Errorf("path length = %d, want 3", len(p.Edges))
	}
}

func TestBestPathAvoidsCycles(t *testing.T) {
	// A heavy triangle hangs off the route; the path must stay simple.
	adj := testAdjacency([]testEdge{
		{id: 1, src: 1, dst: 2, weight: 1},
		{id: 2, src: 2, dst: 2, weight: 100}, // self loop
		{id: 3, src: 2, dst: 3, weight: 1},
	})
	p := bestPath(adj, 1, 3, 6)
	if p == nil {
		t.Fatal("expected a path")
	}
	for i, n := range p.Nodes {
		for j := i + 1; j < len(p.Nodes); j++ {
			if p.Nodes[j].ID == n.ID {
				t.Fatalf("path revisits node %d: %v", n.ID, pathIDs(p))
			}
		}
	}
}

func TestBestPathUnreachable(t *testing.T) {
	adj := testAdjacency([]testEdge{
		{id: 1, src: 1, dst: 2, weight: 1},
		{id: 2, src: 3, dst: 4, weight: 1},
	})
	if p := bestPath(adj, 1, 4, 6); p != nil {
		t.Errorf("found a path across disconnected components: %v", pathIDs(p))
	}
}

func pathIDs(p *Path) []int64 {
	ids := make([]int64, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.ID
	}
	return ids
}
