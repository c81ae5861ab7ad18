package commands

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/systmms/keyops/tests/testutil"
)

func TestRotateCommand_RequiresExactlyOneMode(t *testing.T) {
	cfg, _ := testConfig(t)

	neither := NewRotateCommand(cfg)
	neither.SilenceErrors = true
	neither.SilenceUsage = true
	neither.SetArgs([]string{})
	testutil.AssertErrorContains(t, neither.Execute(), "Choose a rotation mode")

	both := NewRotateCommand(cfg)
	both.SilenceErrors = true
	both.SilenceUsage = true
	both.SetArgs([]string{"--type", "pii", "--scheduled"})
	testutil.AssertErrorContains(t, both.Execute(), "Choose a rotation mode")
}

func TestRotateCommand_ForceOnlyAppliesManually(t *testing.T) {
	cfg, _ := testConfig(t)

	cmd := NewRotateCommand(cfg)
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetArgs([]string{"--scheduled", "--force"})

	testutil.AssertErrorContains(t, cmd.Execute(), "--force only applies to manual rotation")
}

func TestRotateCommand_PolicyGateRefusesFreshKey(t *testing.T) {
	cfg, _ := testConfig(t)

	gen := NewKeysCommand(cfg)
	gen.SetArgs([]string{"generate", "--type", "financial_data"})
	require.NoError(t, gen.Execute())

	rotate := NewRotateCommand(cfg)
	rotate.SilenceErrors = true
	rotate.SilenceUsage = true
	rotate.SetArgs([]string{"--type", "financial_data"})

	testutil.AssertErrorContains(t, rotate.Execute(), "Pass --force to rotate ahead of schedule")
}

func TestRotateCommand_ForceRotates(t *testing.T) {
	cfg, tl := testConfig(t)

	gen := NewKeysCommand(cfg)
	gen.SetArgs([]string{"generate", "--type", "financial_data"})
	require.NoError(t, gen.Execute())

	tl.Clear()
	rotate := NewRotateCommand(cfg)
	rotate.SetArgs([]string{"--type", "financial_data", "--force"})
	require.NoError(t, rotate.Execute())

	tl.AssertContains(t, "Rotated financial_data keys")
	tl.AssertContains(t, "version 2")
	tl.AssertContains(t, "keyops reencrypt --type financial_data")
}

func TestRotateCommand_ScheduledNothingDue(t *testing.T) {
	cfg, tl := testConfig(t)

	gen := NewKeysCommand(cfg)
	gen.SetArgs([]string{"generate", "--type", "financial_data"})
	require.NoError(t, gen.Execute())

	tl.Clear()
	cmd := NewRotateCommand(cfg)
	cmd.SetArgs([]string{"--scheduled"})
	require.NoError(t, cmd.Execute())

	tl.AssertContains(t, "No key types are due for rotation")
}

func TestRotateCommand_RotateWithoutKey(t *testing.T) {
	cfg, _ := testConfig(t)

	cmd := NewRotateCommand(cfg)
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetArgs([]string{"--type", "session", "--force"})

	testutil.AssertErrorContains(t, cmd.Execute(), "failed to rotate session keys")
}
