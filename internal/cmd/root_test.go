package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("returns identity after a command runs", func(t *testing.T) {
		isolateHome(t)
		_, err := execute(t, "version")
		require.NoError(t, err)

		id := GetAppIdentity()
		require.NotNil(t, id)
		assert.Equal(t, "starship", id.BinaryName)
		assert.Equal(t, "STARSHIP", id.EnvPrefix)
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"exit error", exitError(foundry.ExitInvalidArgument, "bad flag", errors.New("x")), foundry.ExitInvalidArgument},
		{"wrapped exit error", fmt.Errorf("outer: %w", exitError(foundry.ExitSignalInt, "stop", nil)), foundry.ExitSignalInt},
		{"code in message", errors.New("failed: io (exit code 42)"), 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	err := exitError(foundry.ExitFileReadError, "Failed to load job list", errors.New("no such file"))
	assert.Contains(t, err.Error(), "Failed to load job list: no such file (exit code")
	assert.EqualError(t, errors.Unwrap(err), "no such file")

	err = exitError(3, "Bare", nil)
	assert.Equal(t, "Bare (exit code 3)", err.Error())
}

func TestInitConfig_InvalidLogLevel(t *testing.T) {
	isolateHome(t)
	_, err := execute(t, "--log-level", "loud", "version")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestVersionCommand(t *testing.T) {
	isolateHome(t)
	SetVersionInfo("1.2.3", "abc", "2026-01-01")
	defer SetVersionInfo("dev", "unknown", "unknown")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "starship 1.2.3 (commit abc, built 2026-01-01)")

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "1.2.3"`)
	require.NoError(t, versionCmd.Flags().Set("json", "false"))
}

// isolateHome keeps user config files out of command tests.
func isolateHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("STARSHIP_DATA_DIR", filepath.Join(home, "data"))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(home))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

// execute runs the root command with args and returns what it wrote to
// stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w

	rootCmd.SetArgs(args)
	rootCmd.SetContext(context.Background())
	// Subcommands keep the context of their first run.
	if sub, _, err := rootCmd.Find(args); err == nil {
		sub.SetContext(context.Background())
	}
	runErr := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	logLevel, logFormat, cfgFile = "", "", ""

	os.Stdout = origStdout
	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String(), runErr
}
