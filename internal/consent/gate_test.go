package consent_test

import (
	"testing"

	"github.com/episteme-ai/episteme/internal/consent"
	"github.com/episteme-ai/episteme/internal/profile"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/testutil/teststore"
	"github.com/episteme-ai/episteme/internal/types"
)

func TestEffectiveMostSpecificWins(t *testing.T) {
	env := teststore.NewEnv(t)
	gate := consent.NewGate(nil)

	env.With(func(tx *storage.Tx) error {
		if _, err := gate.Grant(env.Ctx, tx, "coach", "tables/*", types.PermissionRead, profile.UserCaller); err != nil {
			return err
		}
		_, err := gate.Grant(env.Ctx, tx, "coach", "tables/meals", types.PermissionWrite, profile.UserCaller)
		return err
	})

	env.With(func(tx *storage.Tx) error {
		perm, rule, err := gate.Effective(env.Ctx, tx, "coach", "tables/meals")
		if err != nil {
			return err
		}
		if perm != types.PermissionWrite {
			t.Errorf("tables/meals perm = %q, want write", perm)
		}
		if rule == nil || rule.Resource != "tables/meals" {
			t.Errorf("governing rule = %+v, want tables/meals", rule)
		}

		perm, rule, err = gate.Effective(env.Ctx, tx, "coach", "tables/workouts")
		if err != nil {
			return err
		}
		if perm != types.PermissionRead {
			t.Errorf("tables/workouts perm = %q, want read", perm)
		}
		if rule == nil || rule.Resource != "tables/*" {
			t.Errorf("governing rule = %+v, want tables/*", rule)
		}

		// No rule at all means denial, not an error.
		perm, rule, err = gate.Effective(env.Ctx, tx, "stranger", "tables/meals")
		if err != nil {
			return err
		}
		if perm != types.PermissionNone || rule != nil {
			t.Errorf("stranger perm = %q rule = %+v, want none and nil", perm, rule)
		}
		return nil
	})
}

// Wildcard prefixes run through LIKE, so a stored pattern containing LIKE
// metacharacters must match them literally. Such patterns cannot come in
// through Grant, but nothing stops an operator from inserting one by hand.
func TestWildcardEscapesLikeMetacharacters(t *testing.T) {
	env := teststore.NewEnv(t)
	gate := consent.NewGate(nil)

	env.With(func(tx *storage.Tx) error {
		for _, resource := range []string{"tables/meal_*", "tables/x%*"} {
			if _, err := tx.Exec(env.Ctx, `
				INSERT INTO consent_rules (agent_id, resource, permission, granted_by)
				VALUES ($1, $2, $3, $4)`,
				"coach", resource, string(types.PermissionRead), "ops"); err != nil {
				return err
			}
		}
		return nil
	})

	env.With(func(tx *storage.Tx) error {
		tests := []struct {
			resource string
			want     types.Permission
		}{
			{"tables/meal_log", types.PermissionRead},
			{"tables/meal_", types.PermissionRead},
			// An unescaped _ would let "meal_" swallow the s here.
			{"tables/mealslog", types.PermissionNone},
			{"tables/x%y", types.PermissionRead},
			// An unescaped % would make "x%" match any x-prefixed name.
			{"tables/xyz", types.PermissionNone},
		}
		for _, tt := range tests {
			perm, _, err := gate.Effective(env.Ctx, tx, "coach", tt.resource)
			if err != nil {
				return err
			}
			if perm != tt.want {
				t.Errorf("Effective(%q) = %q, want %q", tt.resource, perm, tt.want)
			}
		}
		return nil
	})
}

func TestCheckDomainAcceptsBareOrWildcard(t *testing.T) {
	env := teststore.NewEnv(t)
	gate := consent.NewGate(nil)

	env.With(func(tx *storage.Tx) error {
		if _, err := gate.Grant(env.Ctx, tx, "bare", "vectors", types.PermissionWrite, profile.UserCaller); err != nil {
			return err
		}
		_, err := gate.Grant(env.Ctx, tx, "wild", "vectors/*", types.PermissionWrite, profile.UserCaller)
		return err
	})

	env.With(func(tx *storage.Tx) error {
		for _, agent := range []string{"bare", "wild"} {
			if err := gate.CheckDomain(env.Ctx, tx, agent, consent.DomainVectors, types.PermissionWrite); err != nil {
				t.Errorf("CheckDomain(%s, vectors) = %v, want nil", agent, err)
			}
		}
		err := gate.CheckDomain(env.Ctx, tx, "bare", consent.DomainTables, types.PermissionRead)
		if !types.IsKind(err, types.KindConsentDenied) {
			t.Errorf("CheckDomain(bare, tables) = %v, want CONSENT_DENIED", err)
		}
		return nil
	})
}

func TestRevokeAgentCutsRules(t *testing.T) {
	env := teststore.NewEnv(t)
	gate := consent.NewGate(nil)

	env.With(func(tx *storage.Tx) error {
		_, err := gate.Grant(env.Ctx, tx, "coach", "tables/*", types.PermissionWrite, profile.UserCaller)
		return err
	})

	env.With(func(tx *storage.Tx) error {
		_, rules, err := gate.RevokeAgent(env.Ctx, tx, "coach")
		if err != nil {
			return err
		}
		if rules != 1 {
			t.Errorf("rules revoked = %d, want 1", rules)
		}
		return nil
	})

	env.With(func(tx *storage.Tx) error {
		err := gate.Check(env.Ctx, tx, "coach", "tables/meals", types.PermissionRead)
		if !types.IsKind(err, types.KindConsentDenied) {
			t.Errorf("Check after revoke = %v, want CONSENT_DENIED", err)
		}
		return nil
	})
}
