package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	for _, name := range []string{"worker", "crowd", "cron", "api", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestParseID(t *testing.T) {
	t.Parallel()

	id, err := parseID("42", "run")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err = parseID(bad, "run")
		assert.Error(t, err, bad)
	}
}

func TestWorkerCommand_RejectsBadArgs(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	root.SetArgs([]string{"worker"})
	require.Error(t, root.Execute())

	root = newRootCommand()
	root.SetArgs([]string{"worker", "x"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run id")
}

func TestCrowdCommand_Flags(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	cmd, _, err := root.Find([]string{"crowd"})
	require.NoError(t, err)
	assert.NotNil(t, cmd.Flags().Lookup("run"))

	cron, _, err := root.Find([]string{"cron"})
	require.NoError(t, err)
	assert.NotNil(t, cron.Flags().Lookup("daemon"))
}
