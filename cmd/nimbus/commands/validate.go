package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nimbusfed/nimbus/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var skipClouds bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate the configuration file and everything it points to.

This command checks:
  - the configuration against its schema
  - the cloud manifests of the clouds directory
  - that the policies compile, when policy enforcement is enabled`,
		Example: `  # Validate the default configuration file
  nimbus validate

  # Validate a CUE configuration without its clouds
  nimbus validate --config nimbus.cue --skip-clouds`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			loader := config.NewLoader()

			cfg, err := loader.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Configuration %s is valid (provider %s, %d peers)\n",
				cfg.Source, cfg.Provider.ID, len(cfg.Peer.Peers))

			if !skipClouds {
				clouds, err := loader.ValidateCloudDirectory(cfg.Clouds.Directory)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Cloud manifests are valid: %v\n", clouds)
			}

			if cfg.Policy.Enabled {
				policies, err := newPolicyEngine(cfg, nil, log.Logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ %d policies compiled\n", len(policies.ListPolicies()))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&skipClouds, "skip-clouds", false, "do not check the cloud manifests")

	return cmd
}
