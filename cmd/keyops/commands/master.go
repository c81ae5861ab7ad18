package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/keyops/internal/config"
	"github.com/systmms/keyops/internal/secure"
)

func NewMasterCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Master key utilities",
		Long:  "Generate the master key that seals key records at rest",
	}

	cmd.AddCommand(newMasterGenerateCommand(cfg))

	return cmd
}

func newMasterGenerateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a new master key",
		Long: `Generate a cryptographically random master key, base64-encoded for the
KEYOPS_MASTER_KEY environment variable or a key file.

The key is printed to stdout and nowhere else; keyops never stores it.`,
		Example: `  # Generate and export in one shot
  export KEYOPS_MASTER_KEY="$(keyops master generate)"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			encoded, err := secure.GenerateMasterKey()
			if err != nil {
				return fmt.Errorf("failed to generate master key: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
}
