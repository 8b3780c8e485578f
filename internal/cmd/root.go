// Package cmd implements the starship command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/starship/internal/config"
	"github.com/3leaps/starship/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

const (
	exitSuccess = 0
	exitFailure = 1
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	appIdentity *config.AppIdentity
	appConfig   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "starship",
	Short: "Distribute media download jobs across a worker fleet",
	Long: `starship hands media download jobs to a fleet of workers over HTTP.

A coordinator (starship serve) owns the job list and tracks every job through
waiting, assigned and terminal states. Workers (starship worker) poll it,
download with yt-dlp, post-process with ffmpeg and upload the results to an
object store. starship launch provisions a whole fleet on EC2, watches it to
completion and tears it down.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./starship.yaml, then the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity of the loaded configuration, or nil
// before a command has run.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	defer observability.Sync()
	if err == nil {
		return exitSuccess
	}
	if appConfig != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
	} else {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return ExitCode(err)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logFormat != "" {
		logging["format"] = logFormat
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	cfg, err := config.LoadFile(commandContext(cmd), cfgFile, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	appConfig = cfg
	appIdentity = config.GetAppIdentity()

	if err := observability.InitCLILogger(observability.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// commandContext returns the command context, or Background when the
// command was invoked without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
}

// exitCodeError carries a process exit code through cobra.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.message, e.code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)$`)

// ExitCode extracts the exit code of err. Errors without one exit with
// status 1.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	if m := exitCodePattern.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}
	return exitFailure
}
