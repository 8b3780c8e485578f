// Package config loads starship configuration from defaults, a YAML file,
// STARSHIP_* environment variables and runtime overrides, in increasing
// order of precedence.
package config

import (
	"fmt"
	"time"
)

// Config is the complete starship configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Launch      LaunchConfig      `mapstructure:"launch"`

	// DataDir holds run records written by the launcher.
	DataDir string `mapstructure:"data_dir"`
}

// ServerConfig configures the coordinator HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CoordinatorConfig configures job distribution.
type CoordinatorConfig struct {
	// Input is the job list served by `starship serve`.
	Input string `mapstructure:"input"`
	// InputFormat is json, yaml or file_list. Empty infers from the extension.
	InputFormat   string        `mapstructure:"input_format"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// WorkerConfig configures `starship worker`.
type WorkerConfig struct {
	// Server is the coordinator address.
	Server string `mapstructure:"server"`
	// ID overrides the worker id. Empty uses the instance id, then a UUID.
	ID string `mapstructure:"id"`
	// Folder is the bucket prefix for jobs that do not set "folder".
	Folder       string        `mapstructure:"folder"`
	Backoff      time.Duration `mapstructure:"backoff"`
	PollRate     float64       `mapstructure:"poll_rate"`
	WorkDir      string        `mapstructure:"work_dir"`
	NoUpload     bool          `mapstructure:"no_upload"`
	Include      []string      `mapstructure:"include"`
	Exclude      []string      `mapstructure:"exclude"`
	YtDLPPath    string        `mapstructure:"ytdlp_path"`
	FFmpegPath   string        `mapstructure:"ffmpeg_path"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// StorageConfig configures the artifact bucket.
type StorageConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	// LocalDir replaces the bucket with a local directory when set.
	LocalDir string `mapstructure:"local_dir"`
}

// LaunchConfig configures `starship launch`.
type LaunchConfig struct {
	// Plan is the fleet plan YAML file.
	Plan           string        `mapstructure:"plan"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// Validate checks value ranges that decoding cannot.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Coordinator.MaxRetries < 0 {
		return fmt.Errorf("coordinator.max_retries must be >= 0, got %d", c.Coordinator.MaxRetries)
	}
	for name, d := range map[string]time.Duration{
		"coordinator.job_timeout":    c.Coordinator.JobTimeout,
		"coordinator.sweep_interval": c.Coordinator.SweepInterval,
		"worker.backoff":             c.Worker.Backoff,
		"launch.status_interval":     c.Launch.StatusInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Worker.PollRate < 0 {
		return fmt.Errorf("worker.poll_rate must be >= 0, got %v", c.Worker.PollRate)
	}
	return nil
}
