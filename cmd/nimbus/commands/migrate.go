package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema migrations",
		Long: `Apply the embedded schema migrations to the configured store.

serve migrates on startup as well; this command prepares a database ahead of
a rollout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("driver", store.Driver()).Msg("Database migrated")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s database is up to date\n", store.Driver())
			return nil
		},
	}
}
