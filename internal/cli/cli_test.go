package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWorkerCommandHasConfigDirFlag(t *testing.T) {
	cmd := NewWorkerCommand()
	require.Equal(t, "starfish-worker", cmd.Use)
	require.NotNil(t, cmd.PersistentFlags().Lookup("config-dir"))
}

func TestNewWebCommandHasConfigDirFlag(t *testing.T) {
	cmd := NewWebCommand()
	require.Equal(t, "starfish-web", cmd.Use)
	require.NotNil(t, cmd.PersistentFlags().Lookup("config-dir"))
}
