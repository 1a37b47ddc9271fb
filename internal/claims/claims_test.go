package claims

import (
	"context"
	"strings"
	"testing"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/testutil/teststore"
	"github.com/episteme-ai/episteme/internal/types"
)

func TestRecordValidation(t *testing.T) {
	s := NewStore(nil)
	tests := []struct {
		name string
		in   Input
	}{
		{"missing subject", Input{ClaimType: ClaimTypeMemory, Predicate: "likes", Origin: types.OriginUserStated}},
		{"missing predicate", Input{ClaimType: ClaimTypeMemory, SubjectKind: "entity", SubjectRef: "user:self", Origin: types.OriginUserStated}},
		{"unknown origin", Input{ClaimType: ClaimTypeMemory, SubjectKind: "entity", SubjectRef: "user:self", Predicate: "likes", Origin: "telepathy"}},
		{"unknown method", Input{ClaimType: ClaimTypeMemory, SubjectKind: "entity", SubjectRef: "user:self", Predicate: "likes", Origin: types.OriginUserStated, Method: "osmosis"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Validation runs before the transaction is touched, so a
			// nil tx is safe here.
			_, err := s.Record(t.Context(), nil, tt.in)
			if types.KindOf(err) != types.KindValidation {
				t.Errorf("Record = %v, want validation error", err)
			}
		})
	}
}

func TestRecordDefaults(t *testing.T) {
	env := teststore.NewEnv(t)
	s := NewStore(nil)

	var claim *types.KnowledgeClaim
	env.With(func(tx *storage.Tx) error {
		var err error
		claim, err = s.Record(env.Ctx, tx, Input{
			ClaimType:   ClaimTypeProfileField,
			SubjectKind: "profile",
			SubjectRef:  "user:self",
			Predicate:   "name",
			Object:      "Ada",
			Origin:      types.OriginUserStated,
			WriteID:     "w-1",
			AgentID:     "agent-1",
		})
		return err
	})

	if claim.Method != types.MethodDirect {
		t.Errorf("method = %q, want direct when unset", claim.Method)
	}
	if claim.Confidence != types.OriginUserStated.InitialConfidence() {
		t.Errorf("confidence = %v, want origin default", claim.Confidence)
	}
	if claim.Status != types.ClaimActive {
		t.Errorf("status = %q, want active", claim.Status)
	}

	env.With(func(tx *storage.Tx) error {
		got, err := s.Get(env.Ctx, tx, claim.ID)
		if err != nil {
			return err
		}
		if got.Object != "Ada" || got.WriteID != "w-1" || got.AgentID != "agent-1" {
			t.Errorf("round trip = %+v", got)
		}
		events, err := s.Events(env.Ctx, tx, claim.ID)
		if err != nil {
			return err
		}
		if len(events) != 1 || events[0].EventType != string(types.ClaimEventCreated) {
			t.Errorf("events = %+v, want single created", events)
		}
		return nil
	})
}

func TestRecordTruncatesLongObjects(t *testing.T) {
	env := teststore.NewEnv(t)
	s := NewStore(nil)

	long := strings.Repeat("m", maxObjectLen+500)
	env.With(func(tx *storage.Tx) error {
		claim, err := s.Record(env.Ctx, tx, Input{
			ClaimType:   ClaimTypeMemory,
			SubjectKind: "entity",
			SubjectRef:  "user:self",
			Predicate:   "remembers",
			Object:      long,
			Origin:      types.OriginUserTyped,
		})
		if err != nil {
			return err
		}
		if len(claim.Object) != maxObjectLen {
			t.Errorf("object length = %d, want %d", len(claim.Object), maxObjectLen)
		}
		return nil
	})
}

func TestReaffirmLiftsConfidence(t *testing.T) {
	env := teststore.NewEnv(t)
	s := NewStore(nil)

	assert := func(origin types.Origin, writeID string) *types.KnowledgeClaim {
		var claim *types.KnowledgeClaim
		env.With(func(tx *storage.Tx) error {
			var err error
			claim, err = s.Record(env.Ctx, tx, Input{
				ClaimType:   ClaimTypeTableRow,
				SubjectKind: "entity",
				SubjectRef:  "user:self",
				Predicate:   "drinks",
				Object:      "oolong",
				Origin:      origin,
				WriteID:     writeID,
			})
			return err
		})
		return claim
	}

	first := assert(types.OriginAIStated, "w-1")
	second := assert(types.OriginUserStated, "w-2")
	if second.ID != first.ID {
		t.Fatalf("reassertion minted a new claim %s, want reaffirm of %s", second.ID, first.ID)
	}
	if second.Confidence != types.OriginUserStated.InitialConfidence() {
		t.Errorf("confidence = %v, want lifted to user_stated default", second.Confidence)
	}

	// A weaker origin must not pull confidence back down.
	third := assert(types.OriginAIPattern, "w-3")
	if third.Confidence != second.Confidence {
		t.Errorf("confidence = %v after weak reassertion, want %v", third.Confidence, second.Confidence)
	}

	env.With(func(tx *storage.Tx) error {
		events, err := s.Events(env.Ctx, tx, first.ID)
		if err != nil {
			return err
		}
		var kinds []string
		for _, ev := range events {
			kinds = append(kinds, ev.EventType)
		}
		want := []string{
			string(types.ClaimEventCreated),
			string(types.ClaimEventReaffirmed),
			string(types.ClaimEventReaffirmed),
		}
		if strings.Join(kinds, ",") != strings.Join(want, ",") {
			t.Errorf("event trail = %v, want %v", kinds, want)
		}
		if !strings.Contains(events[1].Detail, "w-2") {
			t.Errorf("reaffirm detail = %q, want the asserting write", events[1].Detail)
		}
		return nil
	})
}

func TestExclusiveSupersedes(t *testing.T) {
	env := teststore.NewEnv(t)
	s := NewStore(nil)

	record := func(object string) *types.KnowledgeClaim {
		var claim *types.KnowledgeClaim
		env.With(func(tx *storage.Tx) error {
			var err error
			claim, err = s.Record(env.Ctx, tx, Input{
				ClaimType:   ClaimTypeProfileField,
				SubjectKind: "profile",
				SubjectRef:  "user:self",
				Predicate:   "favorite_color",
				Object:      object,
				Origin:      types.OriginUserStated,
				Exclusive:   true,
			})
			return err
		})
		return claim
	}

	blue := record("blue")
	green := record("green")
	if green.ID == blue.ID {
		t.Fatal("a new object on an exclusive predicate must mint a new claim")
	}
	if green.Status != types.ClaimActive {
		t.Errorf("replacement status = %q, want active", green.Status)
	}

	env.With(func(tx *storage.Tx) error {
		old, err := s.Get(env.Ctx, tx, blue.ID)
		if err != nil {
			return err
		}
		if old.Status != types.ClaimSuperseded {
			t.Errorf("old claim status = %q, want superseded", old.Status)
		}

		events, err := s.Events(env.Ctx, tx, blue.ID)
		if err != nil {
			return err
		}
		if len(events) != 3 {
			t.Fatalf("old claim has %d events, want created+contradicted+superseded", len(events))
		}
		if events[1].EventType != string(types.ClaimEventContradicted) {
			t.Errorf("second event = %q, want contradicted", events[1].EventType)
		}
		if !strings.Contains(events[1].Detail, `"green"`) || !strings.Contains(events[1].Detail, green.ID) {
			t.Errorf("contradicted detail = %q, want new object and claim id", events[1].Detail)
		}
		if events[2].EventType != string(types.ClaimEventSuperseded) {
			t.Errorf("third event = %q, want superseded", events[2].EventType)
		}
		return nil
	})
}

func TestNonExclusiveAccumulates(t *testing.T) {
	env := teststore.NewEnv(t)
	s := NewStore(nil)

	for _, dish := range []string{"ramen", "sushi"} {
		object := dish
		env.With(func(tx *storage.Tx) error {
			_, err := s.Record(env.Ctx, tx, Input{
				ClaimType:   ClaimTypeTableRow,
				SubjectKind: "entity",
				SubjectRef:  "user:self",
				Predicate:   "ate",
				Object:      object,
				Origin:      types.OriginUserStated,
			})
			return err
		})
	}

	env.With(func(tx *storage.Tx) error {
		claims, err := s.ListBySubject(env.Ctx, tx, "entity", "user:self", 0)
		if err != nil {
			return err
		}
		if len(claims) != 2 {
			t.Fatalf("got %d claims, want both meals", len(claims))
		}
		for _, c := range claims {
			if c.Status != types.ClaimActive {
				t.Errorf("claim %q status = %q, want active", c.Object, c.Status)
			}
		}
		// Newest first.
		if claims[0].Object != "sushi" || claims[1].Object != "ramen" {
			t.Errorf("order = %q, %q; want sushi then ramen", claims[0].Object, claims[1].Object)
		}
		return nil
	})
}

func TestListByWrite(t *testing.T) {
	env := teststore.NewEnv(t)
	s := NewStore(nil)

	record := func(predicate, object, writeID string) {
		env.With(func(tx *storage.Tx) error {
			_, err := s.Record(env.Ctx, tx, Input{
				ClaimType:   ClaimTypeTableRow,
				SubjectKind: "entity",
				SubjectRef:  "user:self",
				Predicate:   predicate,
				Object:      object,
				Origin:      types.OriginUserStated,
				WriteID:     writeID,
			})
			return err
		})
	}

	record("ate", "ramen", "w-9")
	record("drank", "oolong", "w-9")
	record("ate", "toast", "w-other")

	env.With(func(tx *storage.Tx) error {
		claims, err := s.ListByWrite(env.Ctx, tx, "w-9")
		if err != nil {
			return err
		}
		if len(claims) != 2 {
			t.Fatalf("got %d claims for write, want 2", len(claims))
		}
		// Oldest first: the order the write asserted them.
		if claims[0].Predicate != "ate" || claims[1].Predicate != "drank" {
			t.Errorf("order = %q, %q", claims[0].Predicate, claims[1].Predicate)
		}
		return nil
	})
}

func TestGetNotFound(t *testing.T) {
	env := teststore.NewEnv(t)
	s := NewStore(nil)

	env.With(func(tx *storage.Tx) error {
		_, err := s.Get(env.Ctx, tx, "00000000-0000-0000-0000-000000000000")
		if types.KindOf(err) != types.KindNotFound {
			t.Errorf("Get = %v, want not-found", err)
		}
		return nil
	})
}
