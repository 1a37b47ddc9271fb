package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/logging"
	"github.com/episteme-ai/episteme/internal/storage"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.4.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "epistemed",
	Short: "epistemed - personal memory store daemon",
	Long: `Per-user memory for AI agents: a versioned profile, dynamic tables,
semantic memories and a knowledge graph behind one consent-checked write path.
epistemed runs the background half: enrichment workers and maintenance sweeps.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("epistemed version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file path (default: ./episteme.yaml, /etc/episteme/episteme.yaml, else env only)")
	rootCmd.Flags().Bool("version", false, "Print version and exit")
}

// bootstrap loads the config and builds the process logger; every
// subcommand starts here.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openStore connects the pool and brings the shared schema up to date.
// Migration is idempotent, so every entry point runs it.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage.Store, error) {
	store, err := storage.Open(ctx, cfg.DatabaseURL, storage.Options{
		EmbeddingDims: cfg.Embedding.Dimensions,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateShared(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
