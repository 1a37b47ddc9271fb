package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/episteme-ai/episteme/internal/types"
)

// rulesFor mines a write deterministically, without a model call. Rules
// only understand structured payloads; free text goes to the model or
// nowhere.
func rulesFor(in Input) []Candidate {
	switch in.SourceType {
	case types.SourceTable:
		return tableCandidates(in.Table, in.Payload)
	case types.SourceProfile:
		return profileCandidates(in.Payload)
	default:
		return nil
	}
}

func tableCandidates(table string, data map[string]any) []Candidate {
	if len(data) == 0 {
		return nil
	}
	data = lowerKeys(data)
	t := strings.ToLower(table)
	switch {
	case containsAny(t, "meal", "food", "nutrition", "diet"):
		return extractMeals(data)
	case containsAny(t, "workout", "exercise", "fitness", "training"):
		return extractWorkouts(data)
	case containsAny(t, "medication", "meds", "prescription"):
		return extractMedications(data)
	default:
		return walkDocument(data)
	}
}

func profileCandidates(patch map[string]any) []Candidate {
	if len(patch) == 0 {
		return nil
	}
	return append(walkDocument(patch), goalPairs(patch)...)
}

// extractMeals reads the food and venue out of a meal row. List values
// ("chicken, rice and broccoli") become one food entity each.
func extractMeals(data map[string]any) []Candidate {
	var out []Candidate
	props := pickProps(data, "cuisine", "calories", "date", "when", "time")
	if food := firstString(data, "food", "meal", "dish", "item", "name", "description"); food != "" {
		for _, name := range splitList(food) {
			out = append(out, Candidate{
				Name:       name,
				Type:       types.EntityFood,
				Properties: cloneProps(props),
				Edge:       &EdgeHint{Relation: "ate", Evidence: food},
			})
		}
	}
	if place := firstString(data, "restaurant", "place", "location", "venue"); place != "" {
		out = append(out, Candidate{
			Name: place,
			Type: types.EntityPlace,
			Edge: &EdgeHint{Relation: "visited", Evidence: place},
		})
	}
	return out
}

func extractWorkouts(data map[string]any) []Candidate {
	var out []Candidate
	props := pickProps(data, "duration", "duration_minutes", "distance", "distance_km", "date", "when")
	if act := firstString(data, "activity", "exercise", "workout", "type", "name"); act != "" {
		out = append(out, Candidate{
			Name:       act,
			Type:       types.EntityActivity,
			Properties: props,
			Edge:       &EdgeHint{Relation: "does", Evidence: act},
		})
	}
	if place := firstString(data, "gym", "location", "place"); place != "" {
		out = append(out, Candidate{
			Name: place,
			Type: types.EntityPlace,
			Edge: &EdgeHint{Relation: "visited", Evidence: place},
		})
	}
	return out
}

func extractMedications(data map[string]any) []Candidate {
	med := firstString(data, "medication", "name", "drug", "med")
	if med == "" {
		return nil
	}
	return []Candidate{{
		Name:       med,
		Type:       types.EntityMedication,
		Properties: pickProps(data, "dose", "dosage", "frequency", "schedule"),
		Edge:       &EdgeHint{Relation: "takes", Evidence: med},
	}}
}

// walkDocument mines string leaves of an arbitrary document. A leaf only
// yields candidates when its key path carries a recognizable token
// ("family", "favorite_food"); unhinted strings stay unmined rather than
// polluting the graph.
func walkDocument(doc map[string]any) []Candidate {
	var out []Candidate
	walkValue(nil, doc, &out)
	return out
}

func walkValue(path []string, v any, out *[]Candidate) {
	switch val := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(val) {
			// Full slice expression so sibling branches never share the
			// backing array.
			child := append(path[:len(path):len(path)], strings.ToLower(k))
			walkValue(child, val[k], out)
		}
	case []any:
		for _, item := range val {
			walkValue(path, item, out)
		}
	case string:
		mineString(path, val, out)
	}
}

func mineString(path []string, s string, out *[]Candidate) {
	etype, relation := classifyPath(path)
	if etype == "" {
		return
	}
	for _, name := range splitList(s) {
		*out = append(*out, Candidate{
			Name: name,
			Type: etype,
			Edge: &EdgeHint{Relation: relation, Evidence: s},
		})
	}
}

// classifyPath scans path tokens innermost-first; the nearest token names
// the type and the relation independently, so "favorite_food" yields
// (food, likes) while bare "food" falls back to (food, ate).
func classifyPath(path []string) (types.EntityType, string) {
	var etype types.EntityType
	var relation string
	for i := len(path) - 1; i >= 0; i-- {
		for _, tok := range strings.Split(path[i], "_") {
			if etype == "" {
				if t, ok := lookupToken(pathTypes, tok); ok {
					etype = t
				}
			}
			if relation == "" {
				if r, ok := lookupToken(tokenRelations, tok); ok {
					relation = r
				}
			}
		}
	}
	if etype == "" {
		return "", ""
	}
	if relation == "" {
		relation = typeRelations[etype]
	}
	return etype, relation
}

// lookupToken retries a missed lookup with a trailing "s" stripped, so
// plural keys hit the singular entries.
func lookupToken[V any](m map[string]V, tok string) (V, bool) {
	if v, ok := m[tok]; ok {
		return v, true
	}
	if len(tok) > 3 && strings.HasSuffix(tok, "s") {
		if v, ok := m[tok[:len(tok)-1]]; ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// pathTypes maps a key token to the entity type its string values name.
var pathTypes = map[string]types.EntityType{
	"family":    types.EntityPerson,
	"friend":    types.EntityPerson,
	"spouse":    types.EntityPerson,
	"partner":   types.EntityPerson,
	"wife":      types.EntityPerson,
	"husband":   types.EntityPerson,
	"children":  types.EntityPerson,
	"kid":       types.EntityPerson,
	"colleague": types.EntityPerson,
	"coworker":  types.EntityPerson,
	"contact":   types.EntityPerson,

	"gym":        types.EntityPlace,
	"city":       types.EntityPlace,
	"restaurant": types.EntityPlace,
	"home":       types.EntityPlace,
	"place":      types.EntityPlace,
	"venue":      types.EntityPlace,

	"meal":      types.EntityFood,
	"food":      types.EntityFood,
	"dish":      types.EntityFood,
	"breakfast": types.EntityFood,
	"lunch":     types.EntityFood,
	"dinner":    types.EntityFood,
	"snack":     types.EntityFood,
	"cuisine":   types.EntityFood,

	"company":      types.EntityOrganization,
	"employer":     types.EntityOrganization,
	"school":       types.EntityOrganization,
	"university":   types.EntityOrganization,
	"institution":  types.EntityOrganization,
	"team":         types.EntityOrganization,
	"organization": types.EntityOrganization,

	"hobby":    types.EntityActivity,
	"hobbies":  types.EntityActivity,
	"sport":    types.EntityActivity,
	"exercise": types.EntityActivity,
	"activity": types.EntityActivity,
	"workout":  types.EntityActivity,

	"medication":   types.EntityMedication,
	"drug":         types.EntityMedication,
	"med":          types.EntityMedication,
	"prescription": types.EntityMedication,

	"movie":   types.EntityMedia,
	"book":    types.EntityMedia,
	"show":    types.EntityMedia,
	"song":    types.EntityMedia,
	"music":   types.EntityMedia,
	"podcast": types.EntityMedia,

	"topic":    types.EntityTopic,
	"interest": types.EntityTopic,
	"subject":  types.EntityTopic,

	"event":   types.EntityEvent,
	"meeting": types.EntityEvent,
	"trip":    types.EntityEvent,
}

// tokenRelations maps a key token to the relation it implies for values
// under it.
var tokenRelations = map[string]string{
	"family":      "family_of",
	"friend":      "friend_of",
	"spouse":      "married_to",
	"partner":     "married_to",
	"wife":        "married_to",
	"husband":     "married_to",
	"company":     "works_at",
	"employer":    "works_at",
	"school":      "attended",
	"university":  "attended",
	"institution": "attended",
	"city":        "lives_in",
	"home":        "lives_in",
	"restaurant":  "visited",
	"venue":       "visited",
	"gym":         "visited",
	"favorite":    "likes",
	"favourite":   "likes",
	"dislike":     "dislikes",
	"interest":    "interested_in",
	"hobby":       "does",
	"hobbies":     "does",
}

// typeRelations is the relation fallback when no token implies one.
var typeRelations = map[types.EntityType]string{
	types.EntityPerson:       "knows",
	types.EntityPlace:        "visited",
	types.EntityFood:         "ate",
	types.EntityActivity:     "does",
	types.EntityMedication:   "takes",
	types.EntityMedia:        "watched",
	types.EntityTopic:        "interested_in",
	types.EntityEvent:        "attended",
	types.EntityPreference:   "tracks",
	types.EntityOrganization: "related_to",
	types.EntityCustom:       "related_to",
}

// goalPairs finds current/goal numeric pairs ("current_weight": 78,
// "goal_weight": 72) anywhere in the document and emits one tracked
// preference per metric.
func goalPairs(doc map[string]any) []Candidate {
	nums := map[string]float64{}
	collectNumbers(doc, nums)

	type pair struct {
		current, goal       float64
		hasCurrent, hasGoal bool
	}
	pairs := map[string]*pair{}
	at := func(metric string) *pair {
		p, ok := pairs[metric]
		if !ok {
			p = &pair{}
			pairs[metric] = p
		}
		return p
	}
	for key, v := range nums {
		switch {
		case strings.HasPrefix(key, "current_"):
			p := at(strings.TrimPrefix(key, "current_"))
			p.current, p.hasCurrent = v, true
		case strings.HasPrefix(key, "goal_"):
			p := at(strings.TrimPrefix(key, "goal_"))
			p.goal, p.hasGoal = v, true
		case strings.HasPrefix(key, "target_"):
			p := at(strings.TrimPrefix(key, "target_"))
			p.goal, p.hasGoal = v, true
		case strings.HasSuffix(key, "_goal"):
			p := at(strings.TrimSuffix(key, "_goal"))
			p.goal, p.hasGoal = v, true
		case strings.HasSuffix(key, "_target"):
			p := at(strings.TrimSuffix(key, "_target"))
			p.goal, p.hasGoal = v, true
		}
	}

	metrics := make([]string, 0, len(pairs))
	for m, p := range pairs {
		if p.hasCurrent && p.hasGoal {
			metrics = append(metrics, m)
		}
	}
	sort.Strings(metrics)

	out := make([]Candidate, 0, len(metrics))
	for _, metric := range metrics {
		p := pairs[metric]
		out = append(out, Candidate{
			Name: strings.ReplaceAll(metric, "_", " ") + " goal",
			Type: types.EntityPreference,
			Properties: map[string]any{
				"metric":  metric,
				"current": p.current,
				"goal":    p.goal,
			},
			Edge: &EdgeHint{Relation: "tracks"},
		})
	}
	return out
}

// collectNumbers flattens numeric leaves keyed by their innermost key.
func collectNumbers(doc map[string]any, out map[string]float64) {
	for _, k := range sortedKeys(doc) {
		key := strings.ToLower(k)
		switch v := doc[k].(type) {
		case map[string]any:
			collectNumbers(v, out)
		default:
			if n, ok := numeric(v); ok {
				out[key] = n
			}
		}
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Name filtering. Extraction is allowed to miss; it is not allowed to
// fill the graph with junk nodes.

var nameDenylist = map[string]bool{
	"unknown": true, "user": true, "record": true, "none": true,
	"null": true, "nil": true, "n/a": true, "na": true, "true": true,
	"false": true, "yes": true, "no": true, "test": true, "data": true,
	"value": true, "item": true, "misc": true, "other": true,
	"general": true, "stuff": true, "thing": true, "things": true,
	"default": true, "self": true, "myself": true,
}

var dateWords = map[string]bool{
	"today": true, "yesterday": true, "tomorrow": true, "tonight": true,
	"now": true, "morning": true, "afternoon": true, "evening": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true,
	"may": true, "june": true, "july": true, "august": true,
	"september": true, "october": true, "november": true, "december": true,
}

var (
	isoDateRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	slashDateRe = regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{2,4}$`)
	clockRe     = regexp.MustCompile(`^\d{1,2}:\d{2}`)
	uuidRe      = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	digitsRe    = regexp.MustCompile(`^[\d.,%+-]+$`)
)

func lowSignal(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if r := utf8.RuneCountInString(n); r <= 2 || r > 120 {
		return true
	}
	return nameDenylist[n] || dateLike(n) || systemToken(n)
}

func dateLike(n string) bool {
	if dateWords[n] {
		return true
	}
	return isoDateRe.MatchString(n) || slashDateRe.MatchString(n) || clockRe.MatchString(n)
}

func systemToken(n string) bool {
	if strings.HasPrefix(n, "http://") || strings.HasPrefix(n, "https://") {
		return true
	}
	if uuidRe.MatchString(n) || digitsRe.MatchString(n) {
		return true
	}
	return strings.ContainsAny(n, "{}<>")
}

// splitList breaks "chicken, rice and broccoli" into its items. "with" is
// deliberately not a separator; it usually introduces a companion or an
// ingredient, not a sibling item.
var listSepRe = regexp.MustCompile(`,|;|&|\band\b`)

func splitList(s string) []string {
	var out []string
	for _, p := range listSepRe.Split(s, -1) {
		if p = collapseSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func pickProps(data map[string]any, keys ...string) map[string]any {
	var out map[string]any
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			if out == nil {
				out = map[string]any{}
			}
			out[k] = v
		}
	}
	return out
}

func cloneProps(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
