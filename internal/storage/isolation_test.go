package storage_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/episteme-ai/episteme/internal/profile"
	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/sandbox"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/testutil/teststore"
	"github.com/episteme-ai/episteme/internal/types"
)

func TestTenantIsolation(t *testing.T) {
	env := teststore.NewEnv(t)
	other := teststore.NewTenant(t, env.Store)
	profiles := profile.NewStore(quality.NewEngine(nil), nil)

	env.With(func(tx *storage.Tx) error {
		_, err := profiles.Patch(env.Ctx, tx, profile.PatchInput{
			Patch:     json.RawMessage(`{"name":"Ada","ssn_last4":"1234"}`),
			ChangedBy: profile.UserCaller,
			Origin:    types.OriginUserTyped,
		})
		return err
	})

	err := env.Store.WithTenant(env.Ctx, other, func(tx *storage.Tx) error {
		pv, err := profiles.Get(env.Ctx, tx)
		if err != nil {
			return err
		}
		if pv.Version != 0 || len(pv.Profile) != 0 {
			t.Errorf("other tenant reads v%d %v, want empty v0", pv.Version, pv.Profile)
		}

		// The sandbox resolves tables in the calling tenant's schema only.
		exec := sandbox.NewExecutor(nil)
		res, err := exec.Query(env.Ctx, tx, "SELECT profile FROM profile_versions", sandbox.Options{})
		if err != nil {
			return err
		}
		if res.RowCount != 0 {
			t.Errorf("sandbox in other tenant sees %d profile rows", res.RowCount)
		}

		// Reaching across by naming the first tenant's schema is rejected
		// outright.
		schema := storage.SchemaName(env.TenantID)
		_, err = exec.Query(env.Ctx, tx,
			"SELECT profile FROM "+schema+".profile_versions", sandbox.Options{})
		if !types.IsKind(err, types.KindSandbox) {
			t.Errorf("schema-qualified escape = %v, want SQL_SANDBOX", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("other tenant transaction: %v", err)
	}
}

func TestWithTenantUnknownTenant(t *testing.T) {
	env := teststore.NewEnv(t)
	err := env.Store.WithTenant(env.Ctx, "ghost_"+uuid.NewString(), func(tx *storage.Tx) error {
		t.Error("transaction body ran for a missing tenant")
		return nil
	})
	if !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("WithTenant on missing tenant = %v, want NOT_FOUND", err)
	}
}
