package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/keyops/internal/config"
)

func NewCleanupCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Expire and archive keys the clock has moved past",
		Long: `Run lifecycle housekeeping: keys past their hard expiry move to Expired,
and Rotating keys whose grace period has fully elapsed move to Archived.

Archived keys no longer decrypt anything; payloads still referencing them
needed re-encryption during the grace window. Run this from the same cron
as 'keyops rotate --scheduled'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Migrator.Cleanup(ctx)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}

			if result.Expired == 0 && result.Archived == 0 {
				cfg.Logger.Info("Nothing to clean up")
			}

			return nil
		},
	}

	return cmd
}
