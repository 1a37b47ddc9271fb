package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply shared-schema migrations and exit",
	Long: `Creates the shared schema, required extensions, and the cross-tenant
tables (tenants, queues, usage, auth). Tenant schemas are provisioned on
first sign-in or with "epistemed tenant create", not here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		store, err := openStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		log.Info("shared schema up to date", zap.String("env", cfg.Env))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
