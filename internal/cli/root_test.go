package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "blobcore", cmd.Use)
	assert.Contains(t, cmd.Long, "content-addressed blob")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"node"},
		{"keygen"},
		{"validate"},
		{"ledger", "events"},
		{"ledger", "show"},
		{"provider", "add"},
		{"provider", "list"},
		{"revoke"},
		{"registry"},
		{"replicas"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestDaemonCommandFlags(t *testing.T) {
	for _, name := range []string{"serve", "node"} {
		t.Run(name, func(t *testing.T) {
			cmd := NewRootCommand()
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)

			for _, flag := range []string{"listen", "db", "public-url"} {
				f := sub.Flags().Lookup(flag)
				require.NotNil(t, f, "--%s", flag)
				assert.Equal(t, "", f.DefValue)
			}
		})
	}

	cmd := NewRootCommand()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	retry := serve.Flags().Lookup("retry-failed")
	require.NotNil(t, retry)
	assert.Equal(t, "false", retry.DefValue)
}

func TestLedgerEventsFlags(t *testing.T) {
	cmd := NewRootCommand()
	events, _, err := cmd.Find([]string{"ledger", "events"})
	require.NoError(t, err)

	limit := events.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "100", limit.DefValue)

	after := events.Flags().Lookup("after")
	require.NotNil(t, after)
	assert.Equal(t, "0", after.DefValue)
}

func TestProviderAddFlags(t *testing.T) {
	cmd := NewRootCommand()
	add, _, err := cmd.Find([]string{"provider", "add"})
	require.NoError(t, err)

	for _, flag := range []string{"db", "did", "endpoint", "proof", "weight"} {
		require.NotNil(t, add.Flags().Lookup(flag), "--%s", flag)
	}
	assert.Equal(t, "100", add.Flags().Lookup("weight").DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "keygen"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.False(t, Reported(err))
}
