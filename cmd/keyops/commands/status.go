package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/keyops/internal/config"
	"github.com/systmms/keyops/pkg/rotation"
)

func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the key registry and re-encryption jobs",
		Long: `Display the operator view: key counts per type and status, keys due for
rotation, known re-encryption jobs, and recommended next actions.`,
		Example: `  keyops status

  # For dashboards and scripts
  keyops status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Migrator.StatusReport(ctx)
			if err != nil {
				return fmt.Errorf("failed to build status report: %w", err)
			}

			if jsonOutput {
				return outputJSON(report)
			}
			return printStatusReport(cfg, report)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printStatusReport(cfg *config.Config, report *rotation.StatusReport) error {
	cfg.Logger.Info("Key registry: %d keys", report.Keys.Total)
	if report.Keys.Total > 0 {
		if err := printStatsTable(report.Keys.ByType); err != nil {
			return err
		}
	}

	if len(report.Jobs) > 0 {
		cfg.Logger.Info("Re-encryption jobs:")
		if err := printJobsTable(report.Jobs, report.GeneratedAt); err != nil {
			return err
		}
	}

	for _, rec := range report.Recommendations {
		cfg.Logger.Info("💡 %s", rec)
	}

	return nil
}

func printJobsTable(jobs []rotation.JobStatus, now time.Time) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "JOB\tKEY TYPE\tPROCESSED\tFAILURES\tSTATE\tUPDATED")
	fmt.Fprintln(w, "---\t--------\t---------\t--------\t-----\t-------")

	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			job.JobID, job.KeyType, job.Processed, job.Failures,
			formatJobState(job), formatAge(job.UpdatedAt, now))
	}

	return nil
}

func formatJobState(job rotation.JobStatus) string {
	switch {
	case job.Running:
		return "🔄 Running"
	case job.Completed && job.Failures > 0:
		return "🟡 Partial"
	case job.Completed:
		return "✅ Completed"
	default:
		return "⏸ Stopped"
	}
}

func formatAge(t, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "Just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d min ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hr ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
