package extract

import (
	"context"
	"testing"
	"time"

	"github.com/episteme-ai/episteme/internal/llm"
	"github.com/episteme-ai/episteme/internal/types"
)

type stubExtractor struct {
	result *llm.Result
	err    error
	calls  int
}

func (s *stubExtractor) Extract(ctx context.Context, systemPrompt, userPrompt string, schema map[string]any) (*llm.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestEffectiveMethod(t *testing.T) {
	withoutModel := New(Config{}, nil)
	withModel := New(Config{LLM: &stubExtractor{}}, nil)

	tests := []struct {
		engine *Engine
		in     Method
		want   Method
	}{
		{withoutModel, MethodRules, MethodRules},
		{withoutModel, MethodLLM, MethodRules},
		{withoutModel, MethodLLMFirst, MethodRules},
		{withoutModel, MethodBatch, MethodRules},
		{withoutModel, "", MethodRules},
		{withModel, MethodLLM, MethodLLM},
		{withModel, MethodLLMFirst, MethodLLMFirst},
		{withModel, "", MethodLLMFirst},
		{withModel, MethodRules, MethodRules},
	}
	for _, tt := range tests {
		if got := tt.engine.effectiveMethod(tt.in); got != tt.want {
			t.Errorf("effectiveMethod(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunUnknownMethod(t *testing.T) {
	e := New(Config{}, nil)
	_, err := e.Run(context.Background(), Input{Method: "bogus"})
	if !types.IsKind(err, types.KindValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestRunNothingToExtract(t *testing.T) {
	e := New(Config{}, nil)
	sum, err := e.Run(context.Background(), Input{
		Method:     MethodRules,
		SourceType: types.SourceVector,
		Content:    "free text the rules cannot mine",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Method != MethodRules || sum.Candidates != 0 || sum.Created != 0 {
		t.Errorf("summary = %+v, want empty rules summary", sum)
	}
}

func TestCollectBatchPrefersRules(t *testing.T) {
	stub := &stubExtractor{}
	e := New(Config{LLM: stub}, nil)
	cands, used, err := e.collect(context.Background(), Input{
		Method:     MethodBatch,
		SourceType: types.SourceTable,
		Table:      "meals",
		Payload:    map[string]any{"food": "ramen"},
	}, MethodBatch)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if used != MethodRules {
		t.Errorf("used method = %q, want rules", used)
	}
	if len(cands) != 1 || cands[0].Name != "ramen" {
		t.Errorf("candidates = %+v, want single ramen", cands)
	}
	if stub.calls != 0 {
		t.Errorf("model called %d times on a rules hit, want 0", stub.calls)
	}
}

func TestExtractionOrigin(t *testing.T) {
	tests := []struct {
		used   Method
		origin types.Origin
		want   types.Origin
	}{
		{MethodRules, types.OriginUserStated, types.OriginUserStated},
		{MethodRules, types.OriginImported, types.OriginImported},
		{MethodLLM, types.OriginUserStated, types.OriginAIInferred},
		{MethodRules, "", types.OriginAIInferred},
	}
	for _, tt := range tests {
		if got := extractionOrigin(tt.used, tt.origin); got != tt.want {
			t.Errorf("extractionOrigin(%s, %s) = %s, want %s", tt.used, tt.origin, got, tt.want)
		}
	}
}

func TestParseCandidates(t *testing.T) {
	raw := []byte(`{"entities":[
		{"name":"Thai Palace","type":"restaurant","edge":{"relation":"visited","evidence":"ate at Thai Palace"}},
		{"name":"Sarah","type":"person"},
		{"name":"warp drive","type":"spaceship","edge":{"relation":"likes","sourceRef":"Sarah"}}
	]}`)
	cands, err := parseCandidates(raw)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3", len(cands))
	}
	if cands[0].Type != types.EntityPlace {
		t.Errorf("restaurant coerced to %s, want place", cands[0].Type)
	}
	if cands[0].Edge == nil || cands[0].Edge.Evidence != "ate at Thai Palace" {
		t.Errorf("edge = %+v", cands[0].Edge)
	}
	if cands[1].Edge != nil {
		t.Errorf("edge-less entity got edge %+v", cands[1].Edge)
	}
	if cands[2].Type != types.EntityCustom {
		t.Errorf("unknown type coerced to %s, want custom", cands[2].Type)
	}
	if cands[2].Edge.SourceRef != "Sarah" {
		t.Errorf("sourceRef = %q", cands[2].Edge.SourceRef)
	}
}

func TestParseCandidatesMalformed(t *testing.T) {
	_, err := parseCandidates([]byte(`{"entities":`))
	if !types.IsKind(err, types.KindTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestSanitize(t *testing.T) {
	cands := sanitize([]Candidate{
		{Name: "  Pad   Thai ", Type: types.EntityFood},
		{Name: "pad thai", Type: types.EntityFood},
		{Name: "ab", Type: types.EntityFood},
		{Name: "mystery", Type: "alien"},
		{Name: "Acme", Type: types.EntityOrganization, Edge: &EdgeHint{Relation: "Works At"}},
	})
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3: %+v", len(cands), cands)
	}
	if cands[0].Name != "Pad Thai" {
		t.Errorf("name not collapsed: %q", cands[0].Name)
	}
	if cands[1].Type != types.EntityCustom {
		t.Errorf("invalid type coerced to %s, want custom", cands[1].Type)
	}
	if cands[2].Edge.Relation != "works_at" {
		t.Errorf("relation = %q, want works_at", cands[2].Edge.Relation)
	}
}

func TestNormalizeDates(t *testing.T) {
	e := New(Config{}, nil)
	base := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.Local)
	cands := []Candidate{
		{Name: "a", Properties: map[string]any{"date": "tomorrow"}},
		{Name: "b", Properties: map[string]any{"when": "2025-01-10"}},
		{Name: "c", Properties: map[string]any{"date": "definitely not a date"}},
		{Name: "d"},
	}
	e.normalizeDates(cands, base)
	if got := cands[0].Properties["date"]; got != "2025-01-16" {
		t.Errorf("tomorrow resolved to %v, want 2025-01-16", got)
	}
	if got := cands[1].Properties["when"]; got != "2025-01-10" {
		t.Errorf("absolute date rewritten to %v", got)
	}
	if got := cands[2].Properties["date"]; got != "definitely not a date" {
		t.Errorf("unparseable date rewritten to %v", got)
	}
}

func TestEdgeFor(t *testing.T) {
	rel, _, _ := edgeFor(Candidate{Type: types.EntityFood})
	if rel != "ate" {
		t.Errorf("food fallback = %q, want ate", rel)
	}
	rel, ev, _ := edgeFor(Candidate{Type: types.EntityFood, Edge: &EdgeHint{Relation: "likes", Evidence: "loves ramen"}})
	if rel != "likes" || ev != "loves ramen" {
		t.Errorf("hint ignored: %q %q", rel, ev)
	}
	rel, _, _ = edgeFor(Candidate{Type: types.EntityCustom})
	if rel != "related_to" {
		t.Errorf("custom fallback = %q, want related_to", rel)
	}
}

func TestDedupContext(t *testing.T) {
	names := []string{"Sarah", "Thai Palace", "pad thai"}
	dc := dedupContext(Candidate{Name: "Sarah", Type: types.EntityPerson, Edge: &EdgeHint{Relation: "knows"}}, names)
	if len(dc.Relations) != 1 || dc.Relations[0] != "knows" {
		t.Errorf("relations = %v", dc.Relations)
	}
	if len(dc.ConnectedNames) != 2 {
		t.Errorf("connected = %v, want the two co-mentioned names", dc.ConnectedNames)
	}
	for _, n := range dc.ConnectedNames {
		if n == "Sarah" {
			t.Errorf("candidate listed as its own neighbor")
		}
	}

	dc = dedupContext(Candidate{Name: "ramen", Type: types.EntityFood}, []string{"ramen"})
	if len(dc.Relations) != 1 || dc.Relations[0] != "ate" {
		t.Errorf("fallback relation = %v, want [ate]", dc.Relations)
	}
	if len(dc.ConnectedNames) != 0 {
		t.Errorf("connected = %v, want none", dc.ConnectedNames)
	}
}

func TestSyncPatch(t *testing.T) {
	field, patch := syncPatch(SyncEdge{Relation: "works_at", Target: "Acme", Properties: map[string]any{"role": "engineer"}})
	if field != "work.company" {
		t.Errorf("field = %q", field)
	}
	work, _ := patch["work"].(map[string]any)
	if work["company"] != "Acme" || work["role"] != "engineer" {
		t.Errorf("patch = %v", patch)
	}

	field, patch = syncPatch(SyncEdge{Relation: "attended", Target: "MIT"})
	if field != "education.institution" {
		t.Errorf("field = %q", field)
	}
	edu, _ := patch["education"].(map[string]any)
	if edu["institution"] != "MIT" {
		t.Errorf("patch = %v", patch)
	}

	if field, _ = syncPatch(SyncEdge{Relation: "likes", Target: "sushi"}); field != "" {
		t.Errorf("likes produced sync field %q", field)
	}
}

func TestDocValue(t *testing.T) {
	doc := map[string]any{
		"work": map[string]any{"company": "Acme"},
		"name": "Maya",
	}
	if v, ok := docValue(doc, "work.company"); !ok || v != "Acme" {
		t.Errorf("work.company = %v, %v", v, ok)
	}
	if v, ok := docValue(doc, "name"); !ok || v != "Maya" {
		t.Errorf("name = %v, %v", v, ok)
	}
	if _, ok := docValue(doc, "work.missing"); ok {
		t.Errorf("missing leaf resolved")
	}
	if _, ok := docValue(doc, "name.deeper"); ok {
		t.Errorf("walked through a scalar")
	}
}
