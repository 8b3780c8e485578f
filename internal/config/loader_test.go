package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format)

		assert.Equal(t, 60*time.Second, cfg.Coordinator.JobTimeout)
		assert.Equal(t, 3, cfg.Coordinator.MaxRetries)
		assert.Equal(t, 5*time.Second, cfg.Coordinator.SweepInterval)

		assert.Equal(t, 5*time.Second, cfg.Worker.Backoff)
		assert.Equal(t, []string{"**"}, cfg.Worker.Include)
		assert.False(t, cfg.Worker.NoUpload)
		assert.Equal(t, 5*time.Second, cfg.Launch.StatusInterval)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "127.0.0.1",
			},
			"logging": map[string]any{
				"level": "DEBUG",
			},
			"coordinator": map[string]any{
				"max_retries": 1,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 1, cfg.Coordinator.MaxRetries)

		// Non-overridden values remain default
		assert.Equal(t, 60*time.Second, cfg.Coordinator.JobTimeout)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("STARSHIP_PORT", "3000")
		t.Setenv("STARSHIP_LOG_LEVEL", "warn")
		t.Setenv("STARSHIP_NO_UPLOAD", "true")
		t.Setenv("STARSHIP_WORKER_INCLUDE", "**/*.mp4,**/*.json")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.True(t, cfg.Worker.NoUpload)
		assert.Equal(t, []string{"**/*.mp4", "**/*.json"}, cfg.Worker.Include)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("STARSHIP_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "starship.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
coordinator:
  input: jobs.yaml
  job_timeout: 2m
worker:
  server: 10.0.0.2:7070
storage:
  bucket: media-archive
  region: us-east-2
`), 0o600))

	t.Run("FileValues", func(t *testing.T) {
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "jobs.yaml", cfg.Coordinator.Input)
		assert.Equal(t, 2*time.Minute, cfg.Coordinator.JobTimeout)
		assert.Equal(t, "10.0.0.2:7070", cfg.Worker.Server)
		assert.Equal(t, "media-archive", cfg.Storage.Bucket)
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		t.Setenv("STARSHIP_BUCKET", "other")
		t.Setenv("STARSHIP_TIMEOUT", "90s")

		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "other", cfg.Storage.Bucket)
		assert.Equal(t, 90*time.Second, cfg.Coordinator.JobTimeout)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := LoadFile(ctx, filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestLoad_Invalid(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		overrides map[string]any
	}{
		{"negative retries", map[string]any{"coordinator": map[string]any{"max_retries": -1}}},
		{"zero timeout", map[string]any{"coordinator": map[string]any{"job_timeout": "0s"}}},
		{"port range", map[string]any{"server": map[string]any{"port": 70000}}},
		{"bad duration", map[string]any{"worker": map[string]any{"backoff": "soon"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(ctx, tt.overrides)
			assert.Error(t, err)
		})
	}
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)

	cfg2, err := Load(ctx, map[string]any{"server": map[string]any{"port": cfg.Server.Port + 1000}})
	require.NoError(t, err)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Nil(t, GetAppIdentity())
	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "STARSHIP_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}

	for _, want := range []string{"STARSHIP_LOG_LEVEL", "STARSHIP_PORT", "STARSHIP_HOST", "STARSHIP_SERVER", "STARSHIP_BUCKET"} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server": map[string]any{"port": 1, "tls": map[string]any{"on": true}},
		"data_dir": "/tmp/x",
	})
	assert.Equal(t, map[string]any{
		"server.port":   1,
		"server.tls.on": true,
		"data_dir":      "/tmp/x",
	}, got)
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoad_DefaultDataDir(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Contains(t, cfg.DataDir, DefaultIdentity.ConfigName)
}
