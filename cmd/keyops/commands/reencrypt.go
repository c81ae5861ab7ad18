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
	"github.com/systmms/keyops/pkg/rotation"
)

func NewReencryptCommand(cfg *config.Config) *cobra.Command {
	var (
		typeName  string
		oldKeyID  string
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-encrypt stored payloads onto the active key",
		Long: `Re-encrypt every stored payload still sealed under an old key with the
current Active key of the type, across all configured targets.

Progress is checkpointed after each committed batch: rerunning the same
type and old key resumes where the last run stopped, and records another
run already migrated are skipped. Per-record failures do not stop the
job; they are listed in the final report.`,
		Example: `  keyops reencrypt --type financial_data --old-key key-2f1c...

  # Smaller batches to go easy on a busy primary
  keyops reencrypt --type pii --old-key key-90ab... --batch-size 200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyType, err := parseKeyType(typeName)
			if err != nil {
				return err
			}
			if oldKeyID == "" {
				return kferrors.UserError{
					Message:    "The old key ID is required",
					Suggestion: fmt.Sprintf("Pass --old-key with the key the payloads are sealed under; 'keyops keys list --type %s' shows the candidates", keyType),
				}
			}

			// Interrupts cancel between batches; the checkpoint carries the
			// progress into the next run.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(rt.Migrator.TargetNames()) == 0 {
				cfg.Logger.Warn("No targets configured, the job will finish without touching any records")
			}
			if batchSize <= 0 {
				batchSize = rt.Manager.Policy(keyType).BatchSize
			}

			stopMetrics := rt.StartMetrics()
			defer stopMetrics()

			report, err := rt.Migrator.Reencrypt(ctx, keyType, oldKeyID, batchSize)

			var partial kferrors.MigrationPartialError
			switch {
			case errors.As(err, &partial):
				printReencryptReport(cfg, report)
				printRecordFailures(cfg, partial.Failures)
				return fmt.Errorf("%d column(s) could not be migrated", len(partial.Failures))
			case err != nil:
				if report != nil && report.Processed > 0 {
					cfg.Logger.Warn("Job stopped after %d records; rerun the same command to resume", report.Processed)
				}
				return fmt.Errorf("re-encryption failed: %w", err)
			}

			printReencryptReport(cfg, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "Key type whose payloads move (required)")
	cmd.Flags().StringVar(&oldKeyID, "old-key", "", "Key ID the payloads are currently sealed under (required)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records per transaction (0 uses the type's policy batch size)")

	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("old-key")

	return cmd
}

func printReencryptReport(cfg *config.Config, report *rotation.Report) {
	if report == nil {
		return
	}

	if report.Resumed {
		cfg.Logger.Info("Resumed job %s from its checkpoint", report.JobID)
	}

	marker := "✓"
	if !report.Completed {
		marker = "○"
	}
	cfg.Logger.Info("%s Job %s: %d records processed, %d migrated, %d skipped",
		marker, report.JobID, report.Processed, report.Migrated, report.Skipped)
	if report.Migrated > 0 {
		cfg.Logger.Info("  migrated payloads are now sealed under %s", report.NewKeyID)
	}
}

func printRecordFailures(cfg *config.Config, failures []kferrors.RecordFailure) {
	const maxShown = 20

	for i, f := range failures {
		if i == maxShown {
			cfg.Logger.Warn("  ... and %d more (the job checkpoint has the full list)", len(failures)-maxShown)
			break
		}
		cfg.Logger.Warn("  ✗ %s: record %s column %s: %s", f.Target, f.RecordKey, f.Column, f.Reason)
	}
}
