package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/ontology"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/timeparsing"
	"github.com/episteme-ai/episteme/internal/types"
)

const extractionSystemPrompt = `You are the entity extraction engine of a personal memory store. Given one write (a table row, a profile update, or a free-text memory), extract the concrete entities it mentions and how each one relates to the user.

Rules:
- Extract only what the write actually says. Never invent entities, never pad.
- An empty entity list is a valid answer for writes that mention nothing concrete.
- Use only the allowed relation names given in the prompt.
- Resolve relative dates ("yesterday", "next friday") into YYYY-MM-DD using the date anchors, and put them in the entity's properties.
- Every relation connects the user to the entity unless the text attributes it to someone else. When a relation belongs to somebody other than the user ("Sarah loves sushi"), set edge.sourceRef to that person's name and also list them as a person entity.
- Put a short quote supporting the relation in edge.evidence.
- Reuse the known entity spellings from the prompt when the write refers to the same thing.`

// llmCandidates grounds a model call in the tenant's own context and
// parses the schema-shaped response. Context gathering uses a read-only
// transaction; the model call itself holds no transaction at all.
func (e *Engine) llmCandidates(ctx context.Context, in Input) ([]Candidate, error) {
	prompt, err := e.buildPrompt(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := e.llm.Extract(ctx, extractionSystemPrompt, prompt, extractionSchema())
	if err != nil {
		return nil, err
	}
	cands, err := parseCandidates(res.JSON)
	if err != nil {
		return nil, err
	}
	e.log.Debug("model extraction",
		zap.String("tenant", in.TenantID),
		zap.String("model", res.Model),
		zap.Int("candidates", len(cands)))
	e.normalizeDates(cands, time.Now())
	return sanitize(cands), nil
}

func (e *Engine) buildPrompt(ctx context.Context, in Input) (string, error) {
	var profileLines []string
	var entityLines []string
	err := e.store.WithTenantRO(ctx, in.TenantID, func(tx *storage.Tx) error {
		pv, err := e.profile.Get(ctx, tx)
		if err != nil {
			return err
		}
		profileLines = profileDigest(pv.Profile)

		digests, err := e.graph.TopEntities(ctx, tx, 50)
		if err != nil {
			return err
		}
		for _, d := range digests {
			line := fmt.Sprintf("- %s (%s, %d mentions", d.Name, d.Type, d.MentionCount)
			if d.DominantRelation != "" {
				line += ", mostly " + d.DominantRelation
			}
			entityLines = append(entityLines, line+")")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Date anchors:\n")
	b.WriteString(timeparsing.AnchorDigest(e.time.Anchors(time.Now())))
	b.WriteString("\n\nAllowed relations: ")
	b.WriteString(strings.Join(relationNames(), ", "))

	if len(profileLines) > 0 {
		b.WriteString("\n\nUser profile:\n")
		b.WriteString(strings.Join(profileLines, "\n"))
	}
	if len(entityLines) > 0 {
		b.WriteString("\n\nKnown entities:\n")
		b.WriteString(strings.Join(entityLines, "\n"))
	}

	b.WriteString("\n\n")
	b.WriteString(describeWrite(in))
	return b.String(), nil
}

func describeWrite(in Input) string {
	switch in.SourceType {
	case types.SourceTable:
		return fmt.Sprintf("New row in table %q:\n%s", in.Table, compactJSON(in.Payload))
	case types.SourceProfile:
		return "Profile update (merge patch):\n" + compactJSON(in.Payload)
	default:
		return "New memory:\n" + in.Content
	}
}

func compactJSON(doc map[string]any) string {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Sprintf("%v", doc)
	}
	return string(raw)
}

// profileDigest flattens the profile into dotted-path lines, capped so a
// sprawling profile cannot blow the prompt up.
func profileDigest(doc map[string]any) []string {
	var lines []string
	flattenDoc(nil, doc, &lines)
	sort.Strings(lines)
	if len(lines) > 30 {
		lines = lines[:30]
	}
	return lines
}

func flattenDoc(path []string, v any, lines *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(val) {
			child := append(path[:len(path):len(path)], k)
			flattenDoc(child, val[k], lines)
		}
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		*lines = append(*lines, "- "+strings.Join(path, ".")+": "+strings.Join(parts, ", "))
	default:
		*lines = append(*lines, fmt.Sprintf("- %s: %v", strings.Join(path, "."), val))
	}
}

func relationNames() []string {
	rels := ontology.CanonicalRelations()
	sort.Strings(rels)
	return rels
}

func extractionSchema() map[string]any {
	entityTypes := make([]string, 0, len(types.AllEntityTypes()))
	for _, t := range types.AllEntityTypes() {
		entityTypes = append(entityTypes, string(t))
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entities": map[string]any{
				"type":        "array",
				"description": "Concrete entities the write mentions. Empty when it mentions none.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
						"type": map[string]any{"type": "string", "enum": entityTypes},
						"properties": map[string]any{
							"type":        "object",
							"description": "Attributes of the entity itself (cuisine, dose, resolved dates).",
						},
						"edge": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"relation": map[string]any{"type": "string"},
								"sourceRef": map[string]any{
									"type":        "string",
									"description": "Name of the relation's subject when it is not the user.",
								},
								"evidence":   map[string]any{"type": "string"},
								"properties": map[string]any{"type": "object"},
							},
							"required": []string{"relation"},
						},
					},
					"required": []string{"name", "type"},
				},
			},
		},
		"required": []string{"entities"},
	}
}

type wireEntity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Edge       *wireEdge      `json:"edge"`
}

type wireEdge struct {
	Relation   string         `json:"relation"`
	SourceRef  string         `json:"sourceRef"`
	Evidence   string         `json:"evidence"`
	Properties map[string]any `json:"properties"`
}

// parseCandidates decodes the model's response. Malformed JSON is
// transient: the job retries and the next call usually behaves.
func parseCandidates(raw []byte) ([]Candidate, error) {
	var payload struct {
		Entities []wireEntity `json:"entities"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, types.WrapError(types.KindTransient, err, "extraction model returned malformed JSON")
	}
	out := make([]Candidate, 0, len(payload.Entities))
	for _, w := range payload.Entities {
		c := Candidate{Name: w.Name, Properties: w.Properties}
		c.Type, _ = ontology.CoerceEntityType(w.Type)
		if w.Edge != nil && w.Edge.Relation != "" {
			c.Edge = &EdgeHint{
				Relation:   w.Edge.Relation,
				SourceRef:  w.Edge.SourceRef,
				Evidence:   w.Edge.Evidence,
				Properties: w.Edge.Properties,
			}
		}
		out = append(out, c)
	}
	return out, nil
}
