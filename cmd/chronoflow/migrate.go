package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chronoflow/internal/config"
	"chronoflow/internal/logging"
	"chronoflow/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)

			st, err := store.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.DB.Driver).Msg("schema ready")
			return nil
		},
	}
}
