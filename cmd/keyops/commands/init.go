package commands

import (
	"github.com/spf13/cobra"
	"github.com/systmms/keyops/internal/config"
)

func NewInitCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new keyops configuration",
		Long:  "Create a keyops.yaml file with a documented starter configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteStarter(cfg.Path); err != nil {
				return err
			}

			cfg.Logger.Info("Created %s with a file keystore and the default policies", cfg.Path)
			cfg.Logger.Info("Next steps:")
			cfg.Logger.Info("  1. Run 'keyops master generate' and export the result as KEYOPS_MASTER_KEY")
			cfg.Logger.Info("  2. Edit %s to pick a keystore backend and tune rotation policies", cfg.Path)
			cfg.Logger.Info("  3. Run 'keyops keys generate --type financial_data' to create your first key")
			cfg.Logger.Info("  4. Run 'keyops status' to see the key registry and rotation schedule")

			return nil
		},
	}

	return cmd
}
