package extract

import (
	"sort"
	"strings"
	"testing"

	"github.com/episteme-ai/episteme/internal/types"
)

func TestTableCandidatesMeals(t *testing.T) {
	cands := tableCandidates("meals", map[string]any{
		"food":       "chicken pad thai",
		"restaurant": "Thai Palace",
		"cuisine":    "thai",
		"calories":   650,
	})
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(cands), cands)
	}
	food := cands[0]
	if food.Name != "chicken pad thai" || food.Type != types.EntityFood {
		t.Errorf("food candidate = %q (%s)", food.Name, food.Type)
	}
	if food.Edge == nil || food.Edge.Relation != "ate" {
		t.Errorf("food edge = %+v, want ate", food.Edge)
	}
	if food.Properties["cuisine"] != "thai" {
		t.Errorf("cuisine prop = %v", food.Properties["cuisine"])
	}
	place := cands[1]
	if place.Name != "Thai Palace" || place.Type != types.EntityPlace {
		t.Errorf("place candidate = %q (%s)", place.Name, place.Type)
	}
	if place.Edge == nil || place.Edge.Relation != "visited" {
		t.Errorf("place edge = %+v, want visited", place.Edge)
	}
}

func TestTableCandidatesMealList(t *testing.T) {
	cands := tableCandidates("food_log", map[string]any{
		"meal": "eggs, toast and coffee",
	})
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3: %+v", len(cands), cands)
	}
	var names []string
	for _, c := range cands {
		if c.Type != types.EntityFood {
			t.Errorf("%q typed %s, want food", c.Name, c.Type)
		}
		names = append(names, c.Name)
	}
	sort.Strings(names)
	want := []string{"coffee", "eggs", "toast"}
	for i, n := range names {
		if n != want[i] {
			t.Errorf("names = %v, want %v", names, want)
			break
		}
	}
}

func TestTableCandidatesWorkouts(t *testing.T) {
	cands := tableCandidates("workouts", map[string]any{
		"activity":         "morning run",
		"duration_minutes": 45,
		"gym":              "Riverside Gym",
	})
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(cands), cands)
	}
	if cands[0].Type != types.EntityActivity || cands[0].Edge.Relation != "does" {
		t.Errorf("activity = %+v", cands[0])
	}
	if cands[0].Properties["duration_minutes"] != 45 {
		t.Errorf("duration prop = %v", cands[0].Properties["duration_minutes"])
	}
	if cands[1].Type != types.EntityPlace || cands[1].Edge.Relation != "visited" {
		t.Errorf("place = %+v", cands[1])
	}
}

func TestTableCandidatesMedications(t *testing.T) {
	cands := tableCandidates("medications", map[string]any{
		"medication": "metformin",
		"dose":       "500mg",
		"frequency":  "twice daily",
	})
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(cands), cands)
	}
	c := cands[0]
	if c.Name != "metformin" || c.Type != types.EntityMedication {
		t.Errorf("candidate = %q (%s)", c.Name, c.Type)
	}
	if c.Edge.Relation != "takes" {
		t.Errorf("relation = %q, want takes", c.Edge.Relation)
	}
	if c.Properties["dose"] != "500mg" || c.Properties["frequency"] != "twice daily" {
		t.Errorf("props = %v", c.Properties)
	}
}

func TestTableCandidatesUppercaseKeys(t *testing.T) {
	cands := tableCandidates("meals", map[string]any{"Food": "ramen"})
	if len(cands) != 1 || cands[0].Name != "ramen" {
		t.Fatalf("got %+v, want single ramen candidate", cands)
	}
}

func TestTableCandidatesGenericFallsToWalker(t *testing.T) {
	cands := tableCandidates("journal", map[string]any{
		"favorite_movies": []any{"Inception", "Arrival"},
		"note":            "free text nobody should mine",
	})
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(cands), cands)
	}
	for _, c := range cands {
		if c.Type != types.EntityMedia {
			t.Errorf("%q typed %s, want media", c.Name, c.Type)
		}
		if c.Edge.Relation != "likes" {
			t.Errorf("%q relation %q, want likes", c.Name, c.Edge.Relation)
		}
	}
}

func TestWalkDocumentNestedFamily(t *testing.T) {
	cands := walkDocument(map[string]any{
		"family": map[string]any{
			"spouse": "Maya",
			"kids":   []any{"Leo", "Ana"},
		},
		"notes": "not mined",
	})
	byName := map[string]Candidate{}
	for _, c := range cands {
		byName[c.Name] = c
	}
	if len(byName) != 3 {
		t.Fatalf("got %d candidates, want 3: %+v", len(byName), cands)
	}
	if c := byName["Maya"]; c.Type != types.EntityPerson || c.Edge.Relation != "married_to" {
		t.Errorf("Maya = %s/%s, want person/married_to", c.Type, c.Edge.Relation)
	}
	for _, kid := range []string{"Leo", "Ana"} {
		if c := byName[kid]; c.Type != types.EntityPerson || c.Edge.Relation != "family_of" {
			t.Errorf("%s = %s/%s, want person/family_of", kid, c.Type, c.Edge.Relation)
		}
	}
}

func TestClassifyPath(t *testing.T) {
	tests := []struct {
		path     []string
		wantType types.EntityType
		wantRel  string
	}{
		{[]string{"favorite_food"}, types.EntityFood, "likes"},
		{[]string{"food"}, types.EntityFood, "ate"},
		{[]string{"work", "company"}, types.EntityOrganization, "works_at"},
		{[]string{"interests"}, types.EntityTopic, "interested_in"},
		{[]string{"city"}, types.EntityPlace, "lives_in"},
		{[]string{"friends"}, types.EntityPerson, "friend_of"},
		{[]string{"education", "university"}, types.EntityOrganization, "attended"},
		{[]string{"favorite_books"}, types.EntityMedia, "likes"},
		{[]string{"medications"}, types.EntityMedication, "takes"},
		{[]string{"some_random_key"}, "", ""},
		{nil, "", ""},
	}
	for _, tt := range tests {
		gotType, gotRel := classifyPath(tt.path)
		if gotType != tt.wantType || gotRel != tt.wantRel {
			t.Errorf("classifyPath(%v) = (%s, %s), want (%s, %s)",
				tt.path, gotType, gotRel, tt.wantType, tt.wantRel)
		}
	}
}

func TestGoalPairs(t *testing.T) {
	cands := goalPairs(map[string]any{
		"fitness": map[string]any{
			"current_weight": 78.5,
			"goal_weight":    72.0,
		},
		"current_steps": 8000,
		"steps_target":  10000,
		"orphan_goal":   5,
	})
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(cands), cands)
	}
	// Sorted by metric name.
	steps, weight := cands[0], cands[1]
	if steps.Name != "steps goal" || weight.Name != "weight goal" {
		t.Fatalf("names = %q, %q", steps.Name, weight.Name)
	}
	for _, c := range cands {
		if c.Type != types.EntityPreference {
			t.Errorf("%q typed %s, want preference", c.Name, c.Type)
		}
		if c.Edge.Relation != "tracks" {
			t.Errorf("%q relation %q, want tracks", c.Name, c.Edge.Relation)
		}
	}
	if weight.Properties["current"] != 78.5 || weight.Properties["goal"] != 72.0 {
		t.Errorf("weight props = %v", weight.Properties)
	}
	if steps.Properties["current"] != float64(8000) || steps.Properties["goal"] != float64(10000) {
		t.Errorf("steps props = %v", steps.Properties)
	}
}

func TestGoalPairsNumericStrings(t *testing.T) {
	cands := goalPairs(map[string]any{
		"current_weight": "78",
		"goal_weight":    "72",
	})
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	if cands[0].Properties["current"] != 78.0 {
		t.Errorf("current = %v, want 78", cands[0].Properties["current"])
	}
}

func TestLowSignal(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Sarah", false},
		{"pad thai", false},
		{"Thai Palace", false},
		{"ab", true},
		{strings.Repeat("x", 121), true},
		{"unknown", true},
		{"Unknown", true},
		{"N/A", true},
		{"none", true},
		{"2025-01-15", true},
		{"1/15/2025", true},
		{"12:30", true},
		{"monday", true},
		{"tomorrow", true},
		{"https://example.com/x", true},
		{"e3b0c442-98fc-4c14-9af4-4bc1e00b1a2e", true},
		{"650", true},
		{"98.6", true},
		{"{\"k\":1}", true},
	}
	for _, tt := range tests {
		if got := lowSignal(tt.name); got != tt.want {
			t.Errorf("lowSignal(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"chicken, rice and broccoli", []string{"chicken", "rice", "broccoli"}},
		{"pasta with pesto", []string{"pasta with pesto"}},
		{"a thing; another & a third", []string{"a thing", "another", "a third"}},
		{"solo item", []string{"solo item"}},
		{"grandma's sandwiches", []string{"grandma's sandwiches"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := splitList(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitList(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestRulesForIgnoresFreeText(t *testing.T) {
	cands := rulesFor(Input{
		SourceType: types.SourceVector,
		Content:    "had lunch with Sarah at Thai Palace",
	})
	if len(cands) != 0 {
		t.Errorf("rules mined free text: %+v", cands)
	}
}
