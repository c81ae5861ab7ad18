package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/systmms/keyops/internal/config"
	kferrors "github.com/systmms/keyops/internal/errors"
)

func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		typeName  string
		force     bool
		scheduled bool
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate encryption keys",
		Long: `Rotate encryption keys, either one type by hand or every type whose
policy says it is due.

Manual rotation (--type) demotes the Active key to Rotating and installs a
fresh successor; re-encrypting stored payloads is a separate step. Scheduled
rotation (--scheduled) sweeps all auto-rotation types inside their grace
window and runs the re-encryption immediately after each rotation.`,
		Example: `  # Rotate the financial data key ahead of schedule
  keyops rotate --type financial_data --force

  # The cron entry: rotate whatever is due, then re-encrypt
  keyops rotate --scheduled`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scheduled == (typeName != "") {
				return kferrors.UserError{
					Message:    "Choose a rotation mode",
					Suggestion: "Pass --type <key-type> for one manual rotation, or --scheduled for the policy sweep",
					Details:    "The two modes are exclusive: --scheduled decides for itself which types rotate",
				}
			}
			if scheduled && force {
				return kferrors.UserError{
					Message:    "--force only applies to manual rotation",
					Suggestion: "Use 'keyops rotate --type <key-type> --force' to rotate ahead of schedule",
				}
			}

			if scheduled {
				return runRotateScheduled(cfg)
			}
			return runRotateManual(cmd, cfg, typeName, force)
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "Key type to rotate manually")
	cmd.Flags().BoolVar(&force, "force", false, "Rotate even while the policy says the key is still fresh")
	cmd.Flags().BoolVar(&scheduled, "scheduled", false, "Rotate every auto-rotation type that is due, then re-encrypt")

	return cmd
}

func runRotateManual(cmd *cobra.Command, cfg *config.Config, typeName string, force bool) error {
	keyType, err := parseKeyType(typeName)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	// The demoted key's ID feeds the re-encryption hint.
	prior, priorErr := rt.Manager.ActiveKey(keyType)

	handle, err := rt.Manager.Rotate(ctx, keyType, force)
	if err != nil {
		var policyErr kferrors.RotationPolicyError
		if errors.As(err, &policyErr) {
			return kferrors.UserError{
				Message:    policyErr.Error(),
				Suggestion: "Pass --force to rotate ahead of schedule",
				Details:    "Without --force, rotation opens once the active key enters its grace window",
			}
		}
		return fmt.Errorf("failed to rotate %s keys: %w", keyType, err)
	}

	cfg.Logger.Info("✓ Rotated %s keys: %s is now active (version %d, expires %s)",
		keyType, handle.Key.ID, handle.Key.Version, handle.Key.ExpiresAt.Format("2006-01-02"))
	if priorErr == nil {
		cfg.Logger.Info("Next steps:")
		cfg.Logger.Info("  1. Run 'keyops reencrypt --type %s --old-key %s' to move stored payloads to the new key", keyType, prior.Key.ID)
		cfg.Logger.Info("  2. Run 'keyops status' once the job finishes to confirm nothing is stranded")
	}

	return nil
}

func runRotateScheduled(cfg *config.Config) error {
	// Interrupts cancel between batches so checkpoints stay consistent.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	stopMetrics := rt.StartMetrics()
	defer stopMetrics()

	results, err := rt.Migrator.RotateScheduled(ctx)
	if err != nil {
		return fmt.Errorf("scheduled rotation interrupted: %w", err)
	}

	if len(results) == 0 {
		cfg.Logger.Info("No key types are due for rotation")
		return nil
	}

	failed := 0
	for _, res := range results {
		switch {
		case res.Error != "" && !res.Rotated:
			failed++
			cfg.Logger.Error("✗ %s: rotation failed: %s", res.KeyType, res.Error)
		case res.Error != "":
			failed++
			cfg.Logger.Warn("○ %s: rotated to %s but re-encryption needs attention: %s", res.KeyType, res.NewKeyID, res.Error)
		default:
			cfg.Logger.Info("✓ %s: %s superseded by %s", res.KeyType, res.OldKeyID, res.NewKeyID)
		}
		if res.Migration != nil {
			cfg.Logger.Info("  re-encrypted %d records (%d migrated, %d skipped, %d failures)",
				res.Migration.Processed, res.Migration.Migrated, res.Migration.Skipped, len(res.Migration.Failures))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d key type(s) need attention", failed)
	}
	return nil
}
