package pipeline

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/audit"
	"github.com/episteme-ai/episteme/internal/claims"
	"github.com/episteme-ai/episteme/internal/consent"
	"github.com/episteme-ai/episteme/internal/profile"
	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/queue"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/tables"
	"github.com/episteme-ai/episteme/internal/testutil/teststore"
	"github.com/episteme-ai/episteme/internal/types"
	"github.com/episteme-ai/episteme/internal/vectors"
)

func TestEmbedFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"provider down", types.NewError(types.KindTransient, "embedding request failed with status 503"), true},
		{"bad key", types.NewError(types.KindFatal, "embedding api key rejected with status 401"), true},
		{"wrapped transport", types.WrapError(types.KindTransient, errors.New("connection refused"), "embedding request failed"), true},
		{"circuit open", types.WrapError(types.KindTransient, errors.New("circuit breaker is open"), "embedding provider unavailable"), true},
		{"validation never defers", types.NewError(types.KindValidation, "embedding content must not be empty"), false},
		{"unrelated", errors.New("failed to scan row"), false},
		{"sql", types.NewError(types.KindTransient, "serialization failure"), false},
	}
	for _, tt := range tests {
		if got := embedFailure(tt.err); got != tt.want {
			t.Errorf("%s: embedFailure() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestProfileValue(t *testing.T) {
	doc := map[string]any{
		"name": "Alex",
		"work": map[string]any{
			"company": "Initech",
			"role":    "developer",
		},
		"tags": []any{"a", "b"},
	}

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"name", "Alex", true},
		{"work.company", "Initech", true},
		{"work.role", "developer", true},
		{"work.missing", nil, false},
		{"missing", nil, false},
		{"name.deeper", nil, false},
		{"tags.0", nil, false},
	}
	for _, tt := range tests {
		got, ok := profileValue(doc, tt.path)
		if ok != tt.wantOK {
			t.Errorf("profileValue(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("profileValue(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestClaimObject(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string passthrough", "sushi", "sushi"},
		{"number", float64(3), "3"},
		{"bool", true, "true"},
		{"map keys sorted", map[string]any{"b": float64(1), "a": float64(2)}, `{"a":2,"b":1}`},
		{"slice", []any{"x", "y"}, `["x","y"]`},
	}
	for _, tt := range tests {
		if got := claimObject(tt.in); got != tt.want {
			t.Errorf("%s: claimObject() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

type pipeEnv struct {
	env     *teststore.Env
	pipe    *Pipeline
	emb     *teststore.Embedder
	consent *consent.Gate
	profile *profile.Store
	claims  *claims.Store
	audit   *audit.Logger
}

func newPipeEnv(t *testing.T) *pipeEnv {
	t.Helper()
	env := teststore.NewEnv(t)
	q := quality.NewEngine(nil)
	emb := &teststore.Embedder{}
	gate := consent.NewGate(nil)
	cl := claims.NewStore(nil)
	aud := audit.New(zap.NewNop())
	p := profile.NewStore(q, nil)
	pipe := New(Config{
		Store:        env.Store,
		Consent:      gate,
		Profile:      p,
		Tables:       tables.NewStore(q, nil, nil),
		Vectors:      vectors.NewStore(q, emb, zap.NewNop()),
		Claims:       cl,
		Audit:        aud,
		Queue:        queue.New(env.Store, nil),
		LedgerWrites: true,
	}, nil)
	return &pipeEnv{env: env, pipe: pipe, emb: emb, consent: gate, profile: p, claims: cl, audit: aud}
}

func auditStages(events []*types.AuditEvent) string {
	var stages []string
	for _, ev := range events {
		stages = append(stages, string(ev.Stage))
	}
	return strings.Join(stages, ",")
}

func TestWriteProfileEndToEnd(t *testing.T) {
	pe := newPipeEnv(t)
	env := pe.env
	teststore.LockQueues(t, env.Store)

	res, err := pe.pipe.WriteProfile(env.Ctx, ProfileWrite{
		TenantID: env.TenantID,
		AgentID:  profile.UserCaller,
		Origin:   types.OriginUserTyped,
		Patch:    []byte(`{"name":"Ada","work":{"company":"Initech"}}`),
	})
	if err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	if res.Status != StatusAccepted {
		t.Errorf("status = %q, want %q", res.Status, StatusAccepted)
	}
	if res.Profile == nil || res.Profile.Version != 1 {
		t.Fatalf("profile = %+v, want version 1", res.Profile)
	}
	if res.JobID == 0 {
		t.Fatal("no enrichment job was enqueued")
	}

	env.With(func(tx *storage.Tx) error {
		pv, err := pe.profile.Get(env.Ctx, tx)
		if err != nil {
			return err
		}
		if pv.Profile["name"] != "Ada" {
			t.Errorf("name = %v, want Ada", pv.Profile["name"])
		}

		// One exclusive ledger claim per changed field.
		cls, err := pe.claims.ListByWrite(env.Ctx, tx, res.WriteID)
		if err != nil {
			return err
		}
		asserted := map[string]string{}
		for _, c := range cls {
			if c.ClaimType != claims.ClaimTypeProfileField || c.SubjectRef != "profile" {
				t.Errorf("claim = %+v, want a profile_field claim", c)
			}
			asserted[c.Predicate] = c.Object
		}
		if len(cls) != 2 || asserted["name"] != "Ada" || asserted["work.company"] != "Initech" {
			t.Errorf("claims = %v, want name and work.company", asserted)
		}

		events, err := pe.audit.ListByWrite(env.Ctx, tx, res.WriteID)
		if err != nil {
			return err
		}
		if got := auditStages(events); got != "profile_written,enrichment_queued" {
			t.Errorf("audit stages = %q", got)
		}

		var srcType, srcRef, status string
		err = tx.QueryRow(env.Ctx, `
			SELECT source_type, source_ref, status FROM shared.enrichment_jobs WHERE id = $1`,
			res.JobID).Scan(&srcType, &srcRef, &status)
		if err != nil {
			return err
		}
		if srcType != string(types.SourceProfile) || srcRef != "profile:v1" || status != string(types.JobPending) {
			t.Errorf("job = %s %s %s, want pending profile:v1", srcType, srcRef, status)
		}
		return nil
	})
}

func TestWriteTableConsent(t *testing.T) {
	pe := newPipeEnv(t)
	env := pe.env

	in := TableWrite{
		TenantID: env.TenantID,
		AgentID:  "coach",
		Origin:   types.OriginAIStated,
		Table:    "meals",
		Data:     map[string]any{"food": "ramen", "calories": 540.0},
	}
	_, err := pe.pipe.WriteTable(env.Ctx, in)
	if !types.IsKind(err, types.KindConsentDenied) {
		t.Fatalf("err = %v, want consent denial", err)
	}

	// The denial is audited even though the write's transaction rolled
	// back.
	env.With(func(tx *storage.Tx) error {
		events, err := pe.audit.ListRecent(env.Ctx, tx, 10)
		if err != nil {
			return err
		}
		found := false
		for _, ev := range events {
			if ev.Stage == types.StageConsentDenied && ev.AgentID == "coach" && ev.Resource == "tables/meals" {
				found = true
			}
		}
		if !found {
			t.Errorf("no consent_denied event for coach in %d events", len(events))
		}
		return nil
	})

	env.With(func(tx *storage.Tx) error {
		_, err := pe.consent.Grant(env.Ctx, tx, "coach", "tables/meals", types.PermissionWrite, profile.UserCaller)
		return err
	})

	res, err := pe.pipe.WriteTable(env.Ctx, in)
	if err != nil {
		t.Fatalf("WriteTable after grant: %v", err)
	}
	if res.Status != StatusAccepted || res.Row == nil || res.Row.Table != "meals" {
		t.Fatalf("result = %+v, want an accepted meals row", res)
	}
	if res.Row.Data["food"] != "ramen" {
		t.Errorf("row data = %v", res.Row.Data)
	}
	if res.JobID == 0 {
		t.Error("no enrichment job was enqueued")
	}

	env.With(func(tx *storage.Tx) error {
		cls, err := pe.claims.ListByWrite(env.Ctx, tx, res.WriteID)
		if err != nil {
			return err
		}
		if len(cls) != 1 || cls[0].ClaimType != claims.ClaimTypeTableRow || cls[0].SubjectRef != "meals" || cls[0].Predicate != "row" {
			t.Errorf("claims = %+v, want one table_row claim", cls)
		}
		events, err := pe.audit.ListByWrite(env.Ctx, tx, res.WriteID)
		if err != nil {
			return err
		}
		if got := auditStages(events); got != "table_written,enrichment_queued" {
			t.Errorf("audit stages = %q", got)
		}
		return nil
	})
}

func TestWriteProfileIdentityOverride(t *testing.T) {
	pe := newPipeEnv(t)
	env := pe.env

	if _, err := pe.pipe.WriteProfile(env.Ctx, ProfileWrite{
		TenantID: env.TenantID,
		AgentID:  profile.UserCaller,
		Origin:   types.OriginUserTyped,
		Patch:    []byte(`{"name":"Alex","family":{"wife":"Sarah"}}`),
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	env.With(func(tx *storage.Tx) error {
		_, err := pe.consent.Grant(env.Ctx, tx, "helper", consent.DomainProfile, types.PermissionWrite, profile.UserCaller)
		return err
	})

	// An agent renaming the owner to a family member needs an override.
	_, err := pe.pipe.WriteProfile(env.Ctx, ProfileWrite{
		TenantID: env.TenantID,
		AgentID:  "helper",
		Origin:   types.OriginAIStated,
		Patch:    []byte(`{"name":"Sarah"}`),
	})
	if !types.IsKind(err, types.KindIdentity) {
		t.Fatalf("err = %v, want identity violation", err)
	}

	res, err := pe.pipe.WriteProfile(env.Ctx, ProfileWrite{
		TenantID:       env.TenantID,
		AgentID:        "helper",
		Origin:         types.OriginAIStated,
		Patch:          []byte(`{"name":"Sarah"}`),
		OverrideReason: "user asked to go by the shared family name",
	})
	if err != nil {
		t.Fatalf("override write: %v", err)
	}
	if res.Profile.Version != 2 || res.Profile.Profile["name"] != "Sarah" {
		t.Errorf("profile = %+v, want version 2 named Sarah", res.Profile)
	}
}

func TestWriteVectorDeferredWhenEmbedderDown(t *testing.T) {
	pe := newPipeEnv(t)
	env := pe.env
	teststore.LockQueues(t, env.Store)

	pe.emb.Err = types.NewError(types.KindTransient, "embedding request failed: connection refused")

	res, err := pe.pipe.WriteVector(env.Ctx, VectorWrite{
		TenantID: env.TenantID,
		AgentID:  profile.UserCaller,
		Origin:   types.OriginUserTyped,
		Content:  "allergic to shellfish",
		Metadata: map[string]any{"topic": "health"},
	})
	if err != nil {
		t.Fatalf("WriteVector: %v", err)
	}
	if res.Status != StatusPendingEnrichment {
		t.Errorf("status = %q, want %q", res.Status, StatusPendingEnrichment)
	}
	if res.Vector != nil {
		t.Errorf("Vector = %+v, want nil for a deferred write", res.Vector)
	}
	if res.JobID != 0 {
		t.Errorf("JobID = %d, want 0", res.JobID)
	}

	env.With(func(tx *storage.Tx) error {
		var status, content string
		err := tx.QueryRow(env.Ctx, `
			SELECT status, content FROM shared.pending_vectors WHERE tenant_id = $1 AND write_id = $2`,
			env.TenantID, res.WriteID).Scan(&status, &content)
		if err != nil {
			return err
		}
		if status != string(types.JobPending) || content != "allergic to shellfish" {
			t.Errorf("pending vector = %s %q", status, content)
		}

		// The statement claim lands even though the embedding did not.
		cls, err := pe.claims.ListByWrite(env.Ctx, tx, res.WriteID)
		if err != nil {
			return err
		}
		if len(cls) != 1 || cls[0].ClaimType != claims.ClaimTypeMemory || cls[0].Object != "allergic to shellfish" {
			t.Errorf("claims = %+v, want one memory claim", cls)
		}

		events, err := pe.audit.ListByWrite(env.Ctx, tx, res.WriteID)
		if err != nil {
			return err
		}
		if got := auditStages(events); got != "vector_pending" {
			t.Errorf("audit stages = %q", got)
		}
		return nil
	})
}

func TestWriteVectorDuplicateSkipsEnqueue(t *testing.T) {
	pe := newPipeEnv(t)
	env := pe.env

	in := VectorWrite{
		TenantID: env.TenantID,
		AgentID:  profile.UserCaller,
		Origin:   types.OriginUserStated,
		Content:  "prefers window seats on long flights",
	}
	first, err := pe.pipe.WriteVector(env.Ctx, in)
	if err != nil {
		t.Fatalf("WriteVector: %v", err)
	}
	if first.Status != StatusAccepted || first.Vector == nil || first.Vector.Duplicate {
		t.Fatalf("first = %+v, want a fresh accepted vector", first)
	}
	if first.JobID == 0 {
		t.Error("first write should enqueue enrichment")
	}

	second, err := pe.pipe.WriteVector(env.Ctx, in)
	if err != nil {
		t.Fatalf("WriteVector again: %v", err)
	}
	if second.Vector == nil || !second.Vector.Duplicate {
		t.Fatalf("second = %+v, want a duplicate", second)
	}
	if second.JobID != 0 {
		t.Errorf("JobID = %d, want 0 for a duplicate", second.JobID)
	}

	env.With(func(tx *storage.Tx) error {
		var n int
		if err := tx.QueryRow(env.Ctx, `
			SELECT count(*) FROM shared.enrichment_jobs WHERE write_id = $1`, second.WriteID).Scan(&n); err != nil {
			return err
		}
		if n != 0 {
			t.Errorf("duplicate write enqueued %d jobs", n)
		}
		return nil
	})
}
