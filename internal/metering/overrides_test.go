package metering

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/episteme-ai/episteme/internal/types"
)

func writeOverrideFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write override file: %v", err)
	}
	return path
}

func TestOverridesApply(t *testing.T) {
	path := writeOverrideFile(t, `
tiers:
  free:
    max_graph_entities: 500
    retention_days: 90
  pro:
    max_tables: 20
`)
	o, err := NewOverrides(path, nil)
	if err != nil {
		t.Fatalf("NewOverrides: %v", err)
	}
	defer o.Close()

	free := o.Apply(types.TierFree, types.DefaultLimits(types.TierFree))
	if free.MaxGraphEntities != 500 {
		t.Errorf("free MaxGraphEntities = %d, want 500", free.MaxGraphEntities)
	}
	if free.RetentionDays != 90 {
		t.Errorf("free RetentionDays = %d, want 90", free.RetentionDays)
	}
	// Fields the file omits keep their defaults.
	if free.MaxTables != types.DefaultLimits(types.TierFree).MaxTables {
		t.Errorf("free MaxTables = %d, want default", free.MaxTables)
	}

	pro := o.Apply(types.TierPro, types.DefaultLimits(types.TierPro))
	if pro.MaxTables != 20 {
		t.Errorf("pro MaxTables = %d, want 20", pro.MaxTables)
	}
	if pro.MaxGraphEntities != types.Unlimited {
		t.Errorf("pro MaxGraphEntities = %d, want unlimited", pro.MaxGraphEntities)
	}

	ent := o.Apply(types.TierEnterprise, types.DefaultLimits(types.TierEnterprise))
	if ent != types.DefaultLimits(types.TierEnterprise) {
		t.Errorf("enterprise limits changed with no override: %+v", ent)
	}
}

func TestOverridesZeroIsAnOverride(t *testing.T) {
	path := writeOverrideFile(t, `
tiers:
  free:
    max_tables: 0
`)
	o, err := NewOverrides(path, nil)
	if err != nil {
		t.Fatalf("NewOverrides: %v", err)
	}
	defer o.Close()

	free := o.Apply(types.TierFree, types.DefaultLimits(types.TierFree))
	if free.MaxTables != 0 {
		t.Errorf("MaxTables = %d, want 0 (explicit zero lockout)", free.MaxTables)
	}
}

func TestOverridesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	o, err := NewOverrides(path, nil)
	if err != nil {
		t.Fatalf("NewOverrides on absent file: %v", err)
	}
	defer o.Close()

	free := o.Apply(types.TierFree, types.DefaultLimits(types.TierFree))
	if free != types.DefaultLimits(types.TierFree) {
		t.Errorf("limits changed with no file: %+v", free)
	}
}

func TestOverridesMalformedFileIsFatalAtStartup(t *testing.T) {
	path := writeOverrideFile(t, "tiers: [not a map")
	if _, err := NewOverrides(path, nil); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestOverridesUnknownTierIgnored(t *testing.T) {
	path := writeOverrideFile(t, `
tiers:
  platinum:
    max_tables: 99
  free:
    max_tables: 5
`)
	o, err := NewOverrides(path, nil)
	if err != nil {
		t.Fatalf("NewOverrides: %v", err)
	}
	defer o.Close()

	free := o.Apply(types.TierFree, types.DefaultLimits(types.TierFree))
	if free.MaxTables != 5 {
		t.Errorf("free MaxTables = %d, want 5", free.MaxTables)
	}
}

func TestOverridesReload(t *testing.T) {
	path := writeOverrideFile(t, `
tiers:
  free:
    max_graph_entities: 500
`)
	o, err := NewOverrides(path, nil)
	if err != nil {
		t.Fatalf("NewOverrides: %v", err)
	}
	defer o.Close()

	if got := o.Apply(types.TierFree, types.DefaultLimits(types.TierFree)); got.MaxGraphEntities != 500 {
		t.Fatalf("MaxGraphEntities = %d, want 500", got.MaxGraphEntities)
	}

	if err := os.WriteFile(path, []byte("tiers:\n  free:\n    max_graph_entities: 900\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	// Drive the reload directly; the watcher path is debounced and
	// timing-dependent.
	if err := o.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := o.Apply(types.TierFree, types.DefaultLimits(types.TierFree)); got.MaxGraphEntities != 900 {
		t.Errorf("MaxGraphEntities after reload = %d, want 900", got.MaxGraphEntities)
	}

	// A broken rewrite keeps the last good state.
	if err := os.WriteFile(path, []byte("tiers: ["), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := o.load(); err == nil {
		t.Fatal("expected parse error on broken rewrite")
	}
	if got := o.Apply(types.TierFree, types.DefaultLimits(types.TierFree)); got.MaxGraphEntities != 900 {
		t.Errorf("MaxGraphEntities after failed reload = %d, want 900", got.MaxGraphEntities)
	}
}
