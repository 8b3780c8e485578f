package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobsValidate(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(good, []byte("- url: https://example.com/a\n  output_path: a\n"), 0o600))
	out, err := execute(t, "jobs", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "1 job(s) valid")

	out, err = execute(t, "jobs", "validate", good, "--normalize")
	require.NoError(t, err)
	assert.Contains(t, out, `"output_path": "a"`)
	require.NoError(t, jobsValidateCmd.Flags().Set("normalize", "false"))

	bad := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"url": ""}]`), 0o600))
	_, err = execute(t, "jobs", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Job list is invalid")

	_, err = execute(t, "jobs", "validate", good, "--format", "csv")
	require.Error(t, err)
	require.NoError(t, jobsValidateCmd.Flags().Set("format", ""))
}
