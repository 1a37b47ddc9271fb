package episteme_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/episteme-ai/episteme"
	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/pipeline"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/testutil/teststore"
	"github.com/episteme-ai/episteme/internal/vectors"
)

// testConfig is the minimum a working client needs; everything else rides
// on defaults or zero values.
func testConfig(url string) *config.Config {
	return &config.Config{
		Env:         "development",
		DatabaseURL: url,
		Ontology:    config.OntologyConfig{Mode: "soft"},
		Embedding:   config.EmbeddingConfig{Dimensions: teststore.Dims},
		Ledger:      config.LedgerConfig{WriteEnabled: true},
	}
}

func TestOpenRequiresConfig(t *testing.T) {
	if _, err := episteme.Open(context.Background(), nil, episteme.Options{}, nil); err == nil {
		t.Fatal("Open with nil config did not fail")
	}
}

func TestOpenWriteReadCycle(t *testing.T) {
	url := os.Getenv(teststore.EnvVar)
	if url == "" {
		t.Skipf("set %s to a Postgres URL to run databased tests", teststore.EnvVar)
	}
	// The env owns the throwaway tenant; the client under test is a
	// second, independently wired connection to the same database.
	env := teststore.NewEnv(t)

	ctx := context.Background()
	c, err := episteme.Open(ctx, testConfig(url), episteme.Options{
		Embedder: &teststore.Embedder{},
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	res, err := c.Pipeline.WriteProfile(ctx, pipeline.ProfileWrite{
		TenantID: env.TenantID,
		AgentID:  episteme.UserCaller,
		Origin:   episteme.OriginUserTyped,
		Patch:    json.RawMessage(`{"name":"Noor","languages":["arabic","english"]}`),
	})
	if err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	if res.Status != pipeline.StatusAccepted || res.Profile == nil || res.Profile.Version != 1 {
		t.Fatalf("profile write = %+v, want accepted v1", res)
	}

	vres, err := c.Pipeline.WriteVector(ctx, pipeline.VectorWrite{
		TenantID:   env.TenantID,
		AgentID:    episteme.UserCaller,
		Origin:     episteme.OriginUserStated,
		Collection: "memories",
		Content:    "prefers window seats on trains",
	})
	if err != nil {
		t.Fatalf("WriteVector: %v", err)
	}
	if vres.Status != pipeline.StatusAccepted || vres.Vector == nil {
		t.Fatalf("vector write = %+v, want accepted", vres)
	}

	err = c.Store.WithTenant(ctx, env.TenantID, func(tx *storage.Tx) error {
		pv, err := c.Profile.Get(ctx, tx)
		if err != nil {
			return err
		}
		if pv.Profile["name"] != "Noor" {
			t.Errorf("profile name = %v, want Noor", pv.Profile["name"])
		}

		hits, err := c.Vectors.Search(ctx, tx, vectors.SearchInput{
			Collection: "memories",
			Query:      "prefers window seats on trains",
		})
		if err != nil {
			return err
		}
		if len(hits) != 1 {
			t.Errorf("search hits = %d, want 1", len(hits))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
}
