package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/dedup"
	"github.com/episteme-ai/episteme/internal/graph"
	"github.com/episteme-ai/episteme/internal/ontology"
	"github.com/episteme-ai/episteme/internal/profile"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// apply folds candidates into the graph: entities first, then the edge
// connecting each one to its source. Individual failures are logged and
// skipped; one malformed candidate must not cost the rest of the batch.
func (e *Engine) apply(ctx context.Context, tx *storage.Tx, in Input, origin types.Origin, cands []Candidate, sum *Summary) error {
	if e.meter != nil && in.Tier.IsValid() {
		ok, current, limit, err := e.meter.SoftCheck(ctx, tx, in.Tier, types.ResourceGraphEntities)
		if err != nil {
			return err
		}
		if !ok {
			sum.Skipped = "entity budget exhausted"
			e.audit.Record(ctx, tx, &types.AuditEvent{
				WriteID:  in.WriteID,
				AgentID:  in.AgentID,
				Stage:    types.StageExtractionSkipped,
				Resource: "graph",
				Detail:   map[string]any{"current": current, "limit": limit},
			})
			return nil
		}
	}

	type passEntity struct {
		cand Candidate
		ent  *types.Entity
	}
	var pass []passEntity
	byName := map[string]*types.Entity{}
	names := candidateNames(cands)

	for _, c := range cands {
		ent, created, err := e.graph.CreateEntity(ctx, tx, graph.EntityInput{
			Type:       c.Type,
			Name:       c.Name,
			Properties: c.Properties,
			Origin:     origin,
			Tier:       in.Tier,
			Context:    dedupContext(c, names),
		})
		if err != nil {
			if types.IsKind(err, types.KindTierLimit) {
				// Cap reached mid-batch; entities landed so far keep their
				// edges, the rest of the batch is dropped.
				sum.Skipped = "entity cap reached mid-batch"
				e.audit.Record(ctx, tx, &types.AuditEvent{
					WriteID:  in.WriteID,
					AgentID:  in.AgentID,
					Stage:    types.StageExtractionSkipped,
					Resource: "graph",
					Detail:   map[string]any{"reason": "tier limit", "dropped": c.Name},
				})
				break
			}
			e.log.Warn("entity create failed",
				zap.String("tenant", in.TenantID),
				zap.String("name", c.Name),
				zap.Error(err))
			continue
		}
		if created {
			sum.Created++
			sum.NewEntities = append(sum.NewEntities, EntityRef{ID: ent.ID, Name: ent.Name, Type: ent.Type})
		} else {
			sum.Reinforced++
		}
		pass = append(pass, passEntity{cand: c, ent: ent})
		byName[types.NormalizeEntityName(ent.Name)] = ent
		byName[types.NormalizeEntityName(c.Name)] = ent
	}

	var owner *types.Entity
	ownerOf := func() (*types.Entity, error) {
		if owner != nil {
			return owner, nil
		}
		ent, err := e.ownerEntity(ctx, tx)
		if err != nil {
			return nil, err
		}
		owner = ent
		return owner, nil
	}

	for _, pe := range pass {
		relation, evidence, props := edgeFor(pe.cand)
		if relation == "" {
			continue
		}
		src, err := e.resolveSource(ctx, tx, pe.cand.Edge, byName, ownerOf)
		if err != nil {
			e.log.Warn("edge source unresolved",
				zap.String("tenant", in.TenantID),
				zap.String("target", pe.ent.Name),
				zap.Error(err))
			continue
		}
		if src.ID == pe.ent.ID {
			continue
		}
		_, err = e.graph.CreateEdge(ctx, tx, graph.EdgeInput{
			SourceID:   src.ID,
			TargetID:   pe.ent.ID,
			Relation:   relation,
			Evidence:   evidence,
			Properties: props,
			Origin:     origin,
		})
		if err != nil {
			if types.IsKind(err, types.KindValidation) {
				// The typed relation was rejected (and quarantined for
				// review); a weak generic edge keeps the mention reachable
				// from the owner.
				e.weakEdge(ctx, tx, in, origin, ownerOf, pe.ent, evidence, sum)
			} else {
				e.log.Warn("edge create failed",
					zap.String("tenant", in.TenantID),
					zap.String("relation", relation),
					zap.String("target", pe.ent.Name),
					zap.Error(err))
			}
			continue
		}
		sum.Edges++
		if src.IsOwner() && (relation == "works_at" || relation == "attended") {
			sum.SyncEdges = append(sum.SyncEdges, SyncEdge{Relation: relation, Target: pe.ent.Name, Properties: props})
		}
	}
	return nil
}

func edgeFor(c Candidate) (relation, evidence string, props map[string]any) {
	if c.Edge != nil {
		relation, evidence, props = c.Edge.Relation, c.Edge.Evidence, c.Edge.Properties
	}
	if relation == "" {
		relation = typeRelations[c.Type]
	}
	return relation, evidence, props
}

// candidateNames collects the batch's names once; co-mentioned names are
// a dedup disambiguation signal.
func candidateNames(cands []Candidate) []string {
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, c.Name)
	}
	return names
}

func dedupContext(c Candidate, names []string) *dedup.Context {
	dc := &dedup.Context{}
	if c.Edge != nil && c.Edge.Relation != "" {
		dc.Relations = []string{c.Edge.Relation}
	} else if rel := typeRelations[c.Type]; rel != "" {
		dc.Relations = []string{rel}
	}
	for _, n := range names {
		if n != c.Name {
			dc.ConnectedNames = append(dc.ConnectedNames, n)
		}
	}
	return dc
}

// resolveSource finds the entity an edge hangs off: the named source when
// the hint carries one, the owner otherwise. Named sources resolve
// against this batch first, then fuzzily against the graph, and fall back
// to the owner rather than dropping the edge.
func (e *Engine) resolveSource(ctx context.Context, tx *storage.Tx, hint *EdgeHint, byName map[string]*types.Entity, ownerOf func() (*types.Entity, error)) (*types.Entity, error) {
	if hint == nil || strings.TrimSpace(hint.SourceRef) == "" {
		return ownerOf()
	}
	ref := types.NormalizeEntityName(hint.SourceRef)
	if ent, ok := byName[ref]; ok {
		return ent, nil
	}
	ent, err := e.graph.FindEntityFuzzy(ctx, tx, hint.SourceRef)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return ent, nil
	}
	return ownerOf()
}

// ownerEntity materializes the owner node, named from the profile when a
// name is known.
func (e *Engine) ownerEntity(ctx context.Context, tx *storage.Tx) (*types.Entity, error) {
	name := ""
	if pv, err := e.profile.Get(ctx, tx); err == nil {
		if s, ok := pv.Profile["name"].(string); ok {
			name = s
		}
	}
	return e.graph.Owner(ctx, tx, name)
}

func (e *Engine) weakEdge(ctx context.Context, tx *storage.Tx, in Input, origin types.Origin, ownerOf func() (*types.Entity, error), target *types.Entity, evidence string, sum *Summary) {
	owner, err := ownerOf()
	if err != nil || owner.ID == target.ID {
		return
	}
	_, err = e.graph.CreateEdge(ctx, tx, graph.EdgeInput{
		SourceID:   owner.ID,
		TargetID:   target.ID,
		Relation:   "related_to",
		Evidence:   evidence,
		Confidence: 0.2,
		Origin:     origin,
	})
	if err != nil {
		e.log.Warn("weak edge fallback failed",
			zap.String("tenant", in.TenantID),
			zap.String("target", target.Name),
			zap.Error(err))
		return
	}
	sum.Edges++
}

const interEntitySystemPrompt = `You organize a personal knowledge graph. Given entities that were just added, propose structural edges between them: category (an entity belongs to a category topic), similar_to, part_of, or related_to. Only propose edges that are obviously true. An empty list is a fine answer.`

// interEntityRelations the follow-up pass may synthesize. Everything else
// the model proposes is dropped.
var interEntityRelations = map[string]bool{
	"category":   true,
	"similar_to": true,
	"part_of":    true,
	"related_to": true,
}

// interEntityPass asks the model for structural edges among freshly
// created entities. Best effort: any failure is logged and the write's
// result stands.
func (e *Engine) interEntityPass(ctx context.Context, in Input, sum *Summary) {
	if e.llm == nil || len(sum.NewEntities) < 2 {
		return
	}

	lines := make([]string, 0, len(sum.NewEntities))
	for _, ref := range sum.NewEntities {
		lines = append(lines, fmt.Sprintf("- %s (%s)", ref.Name, ref.Type))
	}
	prompt := "New entities:\n" + strings.Join(lines, "\n")

	res, err := e.llm.Extract(ctx, interEntitySystemPrompt, prompt, interEntitySchema())
	if err != nil {
		e.log.Warn("inter-entity pass failed", zap.String("tenant", in.TenantID), zap.Error(err))
		return
	}
	var payload struct {
		Edges []struct {
			Source   string `json:"source"`
			Target   string `json:"target"`
			Relation string `json:"relation"`
		} `json:"edges"`
	}
	if err := json.Unmarshal(res.JSON, &payload); err != nil {
		e.log.Warn("inter-entity pass returned malformed JSON", zap.String("tenant", in.TenantID), zap.Error(err))
		return
	}
	if len(payload.Edges) == 0 {
		return
	}

	byName := map[string]EntityRef{}
	for _, ref := range sum.NewEntities {
		byName[types.NormalizeEntityName(ref.Name)] = ref
	}

	err = e.store.WithTenant(ctx, in.TenantID, func(tx *storage.Tx) error {
		for _, edge := range payload.Edges {
			relation := ontology.NormalizeRelation(edge.Relation)
			if !interEntityRelations[relation] {
				continue
			}
			srcID, ok := e.resolveRef(ctx, tx, byName, edge.Source, "")
			if !ok {
				continue
			}
			// A category target that does not exist yet is worth creating;
			// anything else unresolvable is skipped.
			createType := types.EntityType("")
			if relation == "category" {
				createType = types.EntityTopic
			}
			tgtID, ok := e.resolveRef(ctx, tx, byName, edge.Target, createType)
			if !ok || srcID == tgtID {
				continue
			}
			_, err := e.graph.CreateEdge(ctx, tx, graph.EdgeInput{
				SourceID: srcID,
				TargetID: tgtID,
				Relation: relation,
				Origin:   types.OriginAIInferred,
			})
			if err != nil {
				e.log.Warn("inter-entity edge failed",
					zap.String("tenant", in.TenantID),
					zap.String("relation", relation),
					zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		e.log.Warn("inter-entity pass failed", zap.String("tenant", in.TenantID), zap.Error(err))
	}
}

func (e *Engine) resolveRef(ctx context.Context, tx *storage.Tx, byName map[string]EntityRef, name string, createAs types.EntityType) (int64, bool) {
	if ref, ok := byName[types.NormalizeEntityName(name)]; ok {
		return ref.ID, true
	}
	ent, err := e.graph.FindEntityFuzzy(ctx, tx, name)
	if err != nil {
		return 0, false
	}
	if ent != nil {
		return ent.ID, true
	}
	if createAs == "" || lowSignal(name) {
		return 0, false
	}
	ent, _, err = e.graph.CreateEntity(ctx, tx, graph.EntityInput{
		Type:   createAs,
		Name:   name,
		Origin: types.OriginAIInferred,
	})
	if err != nil {
		return 0, false
	}
	return ent.ID, true
}

func interEntitySchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"edges": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"source": map[string]any{"type": "string"},
						"target": map[string]any{"type": "string"},
						"relation": map[string]any{
							"type": "string",
							"enum": []string{"category", "similar_to", "part_of", "related_to"},
						},
					},
					"required": []string{"source", "target", "relation"},
				},
			},
		},
		"required": []string{"edges"},
	}
}

const lastFieldOriginSQL = `
	SELECT COALESCE(m.origin, '')
	FROM profile_versions v
	LEFT JOIN memory_meta m ON m.id = v.meta_id
	WHERE v.changed_fields ? $1
	ORDER BY v.version DESC
	LIMIT 1`

// profileSync writes structured facts the graph just learned back into
// the profile: a works_at edge from the owner fills work.company, an
// attended edge fills education.institution. Sync never overwrites a
// field whose last write outranks this extraction's origin.
func (e *Engine) profileSync(ctx context.Context, in Input, origin types.Origin, sum *Summary) {
	if e.profile == nil || len(sum.SyncEdges) == 0 {
		return
	}
	err := e.store.WithTenant(ctx, in.TenantID, func(tx *storage.Tx) error {
		for _, se := range sum.SyncEdges {
			field, patch := syncPatch(se)
			if field == "" {
				continue
			}
			pv, err := e.profile.Get(ctx, tx)
			if err != nil {
				return err
			}
			if cur, ok := docValue(pv.Profile, field); ok && cur == se.Target {
				continue
			}
			allowed, err := e.syncAllowed(ctx, tx, field, origin)
			if err != nil {
				return err
			}
			if !allowed {
				e.log.Debug("profile sync outranked",
					zap.String("tenant", in.TenantID),
					zap.String("field", field),
					zap.String("origin", string(origin)))
				continue
			}
			raw, err := json.Marshal(patch)
			if err != nil {
				return types.WrapError(types.KindValidation, err, "encode sync patch")
			}
			changedBy := in.AgentID
			if changedBy == "" {
				changedBy = "enrichment"
			}
			if _, err := e.profile.Patch(ctx, tx, profile.PatchInput{
				Patch:     raw,
				ChangedBy: changedBy,
				Origin:    origin,
			}); err != nil {
				return err
			}
			e.log.Info("profile synced from graph",
				zap.String("tenant", in.TenantID),
				zap.String("field", field),
				zap.String("value", se.Target))
		}
		return nil
	})
	if err != nil {
		e.log.Warn("profile back-sync failed", zap.String("tenant", in.TenantID), zap.Error(err))
	}
}

func syncPatch(se SyncEdge) (field string, patch map[string]any) {
	switch se.Relation {
	case "works_at":
		work := map[string]any{"company": se.Target}
		if role, ok := se.Properties["role"].(string); ok && role != "" {
			work["role"] = role
		}
		return "work.company", map[string]any{"work": work}
	case "attended":
		return "education.institution", map[string]any{"education": map[string]any{"institution": se.Target}}
	default:
		return "", nil
	}
}

// syncAllowed compares the extraction's origin against the origin of the
// field's last write. A missing history or an untracked origin lets the
// sync through.
func (e *Engine) syncAllowed(ctx context.Context, tx *storage.Tx, field string, origin types.Origin) (bool, error) {
	var last string
	err := tx.QueryRow(ctx, lastFieldOriginSQL, field).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, types.WrapError(types.KindFatal, err, "load last origin of %q", field)
	}
	prior := types.Origin(last)
	if !prior.IsValid() {
		return true, nil
	}
	return prior.Precedence() <= origin.Precedence(), nil
}

// docValue walks a dotted path through the profile document.
func docValue(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
