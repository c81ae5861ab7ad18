package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/keyops/internal/config"
	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

func NewKeysCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encryption keys",
		Long:  "Generate, list, revoke, and count the per-type encryption keys",
	}

	cmd.AddCommand(
		newKeysGenerateCommand(cfg),
		newKeysListCommand(cfg),
		newKeysRevokeCommand(cfg),
		newKeysStatsCommand(cfg),
	)

	return cmd
}

func newKeysGenerateCommand(cfg *config.Config) *cobra.Command {
	var typeName string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a fresh active key for a type",
		Long: `Generate a new Active encryption key for one key type.

When the type already has an Active key it is demoted to Rotating first and
keeps decrypting existing payloads through its grace period.`,
		Example: `  # First key for financial records
  keyops keys generate --type financial_data`,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			prior, priorErr := rt.Manager.ActiveKey(keyType)

			handle, err := rt.Manager.Generate(ctx, keyType)
			if err != nil {
				return fmt.Errorf("failed to generate %s key: %w", keyType, err)
			}

			cfg.Logger.Info("✓ Generated %s key %s (version %d, expires %s)",
				handle.Key.Type, handle.Key.ID, handle.Key.Version,
				handle.Key.ExpiresAt.Format("2006-01-02"))
			if priorErr == nil {
				cfg.Logger.Info("  %s (version %d) is now rotating; move its payloads with 'keyops reencrypt --type %s --old-key %s'",
					prior.Key.ID, prior.Key.Version, keyType, prior.Key.ID)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "Key type (required)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newKeysListCommand(cfg *config.Config) *cobra.Command {
	var (
		typeName   string
		statusName string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys in the registry",
		Long: `List key metadata, optionally filtered by type or lifecycle status.

Key material is never shown; only metadata leaves the keystore unsealed.`,
		Example: `  # Every key, newest versions first within each type
  keyops keys list

  # Keys still honoring decrypts for session payloads
  keyops keys list --type session --status rotating`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter keystore.Filter
			if typeName != "" {
				keyType, err := parseKeyType(typeName)
				if err != nil {
					return err
				}
				filter.Type = keyType
			}
			if statusName != "" {
				status, err := keys.ParseStatus(statusName)
				if err != nil {
					return kferrors.UserError{
						Message:    fmt.Sprintf("Invalid key status '%s'", statusName),
						Suggestion: "Valid statuses: active, rotating, expired, compromised, archived",
					}
				}
				filter.Status = status
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			list := rt.Manager.List(filter)
			if jsonOutput {
				return outputJSON(list)
			}
			if len(list) == 0 {
				cfg.Logger.Info("No keys match")
				return nil
			}
			return printKeyTable(list)
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "Only keys of this type")
	cmd.Flags().StringVar(&statusName, "status", "", "Only keys in this lifecycle status")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newKeysRevokeCommand(cfg *config.Config) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Mark a key compromised",
		Long: `Mark a key Compromised. The transition is terminal: the key never
encrypts or decrypts again, so payloads still sealed under it become
unreadable. Revoke first, ask questions later; the reason is recorded
on the key.`,
		Example: `  keyops keys revoke key-2f1c... --reason "leaked in CI logs"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID := args[0]
			if reason == "" {
				return kferrors.UserError{
					Message:    "A revocation reason is required",
					Suggestion: "Pass --reason with a short description of the compromise",
					Details:    "The reason is stored on the key record for the audit trail",
				}
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Capture the pre-revoke status for the follow-up hints.
			handle, lookupErr := rt.Manager.KeyByID(keyID)

			if err := rt.Manager.Revoke(ctx, keyID, reason); err != nil {
				return fmt.Errorf("failed to revoke key: %w", err)
			}

			cfg.Logger.Info("✓ Key %s is compromised and out of service", keyID)
			if lookupErr == nil && handle.Key.Status == keys.StatusActive {
				cfg.Logger.Info("Next steps:")
				cfg.Logger.Info("  1. Run 'keyops keys generate --type %s' to restore an active key", handle.Key.Type)
				cfg.Logger.Info("  2. Run 'keyops reencrypt --type %s --old-key %s' to count the payloads stranded under it",
					handle.Key.Type, keyID)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the key is compromised (required)")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func newKeysStatsCommand(cfg *config.Config) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show key counts by type and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			stats := rt.Manager.Statistics()
			if jsonOutput {
				return outputJSON(stats)
			}

			cfg.Logger.Info("Total keys: %d", stats.Total)
			if stats.Total > 0 {
				if err := printStatsTable(stats.ByType); err != nil {
					return err
				}
			}
			for _, need := range stats.RotationNeeded {
				cfg.Logger.Warn("⚠ %s key %s (version %d) expires %s; rotation due",
					need.Type, need.KeyID, need.Version, need.ExpiresAt.Format("2006-01-02"))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printKeyTable(list []keys.Key) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY ID\tTYPE\tVERSION\tSTATUS\tCREATED\tEXPIRES")
	fmt.Fprintln(w, "------\t----\t-------\t------\t-------\t-------")

	for _, k := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			k.ID, k.Type, k.Version, formatKeyStatus(k.Status),
			k.CreatedAt.Format("2006-01-02"), k.ExpiresAt.Format("2006-01-02"))
	}

	return nil
}

func printStatsTable(byType map[keys.Type]map[keys.Status]int) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TYPE\tACTIVE\tROTATING\tEXPIRED\tCOMPROMISED\tARCHIVED")
	fmt.Fprintln(w, "----\t------\t--------\t-------\t-----------\t--------")

	for _, t := range keys.AllTypes() {
		counts, ok := byType[t]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", t,
			counts[keys.StatusActive], counts[keys.StatusRotating], counts[keys.StatusExpired],
			counts[keys.StatusCompromised], counts[keys.StatusArchived])
	}

	return nil
}

func formatKeyStatus(s keys.Status) string {
	switch s {
	case keys.StatusActive:
		return "✅ Active"
	case keys.StatusRotating:
		return "🔄 Rotating"
	case keys.StatusExpired:
		return "🟡 Expired"
	case keys.StatusCompromised:
		return "❌ Compromised"
	case keys.StatusArchived:
		return "⚪ Archived"
	default:
		return string(s)
	}
}

// parseKeyType validates a --type flag value.
func parseKeyType(v string) (keys.Type, error) {
	keyType, err := keys.ParseType(v)
	if err != nil {
		names := make([]string, 0, len(keys.AllTypes()))
		for _, t := range keys.AllTypes() {
			names = append(names, string(t))
		}
		return "", kferrors.UserError{
			Message:    fmt.Sprintf("Invalid key type '%s'", v),
			Suggestion: fmt.Sprintf("Valid types: %s", strings.Join(names, ", ")),
		}
	}
	return keyType, nil
}
