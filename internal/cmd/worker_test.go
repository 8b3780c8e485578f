package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_RequiresServer(t *testing.T) {
	isolateHome(t)
	_, err := execute(t, "worker")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	assert.Contains(t, err.Error(), "Coordinator address is required")
}

func TestWorker_InvalidDest(t *testing.T) {
	isolateHome(t)
	_, err := execute(t, "worker", "--server", "127.0.0.1:1", "--dest", "gs://media")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid --dest value")
	require.NoError(t, workerCmd.Flags().Set("dest", ""))
	require.NoError(t, workerCmd.Flags().Set("server", ""))
}

func TestLaunch_Validation(t *testing.T) {
	isolateHome(t)

	_, err := execute(t, "launch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Fleet plan is required")

	plan := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(plan, []byte("region: us-east-1\nworkers: 0\n"), 0o600))
	_, err = execute(t, "launch", "--plan", plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid fleet plan")
	require.NoError(t, launchCmd.Flags().Set("plan", ""))
}
