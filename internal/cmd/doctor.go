package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/starship/internal/observability"
	"github.com/3leaps/starship/pkg/fetch"
	"github.com/3leaps/starship/pkg/provider"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  starship doctor                # Full environment check
  starship doctor --provider s3  # Also check AWS credentials and the bucket`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 7
	if doctorProvider == "s3" {
		totalChecks = 9
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
		zap.String("go_version", goVersion))
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Data directory
	dataDir := appConfig.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Cannot create %s", checkNum, totalChecks, dataDir),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s", checkNum, totalChecks, dataDir),
			zap.String("data_dir", dataDir))
	}
	checkNum++

	// Checks 5 and 6: downloader and postprocessor
	deps := fetch.DependencyStatus(commandContext(cmd), appConfig.Worker.YtDLPPath, appConfig.Worker.FFmpegPath)
	if deps.YTDLPFound {
		log.Info(fmt.Sprintf("[%d/%d] Checking yt-dlp... ✅ %s", checkNum, totalChecks, deps.YTDLPVersion),
			zap.String("path", deps.YTDLPPath))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking yt-dlp... ❌ Not found (workers cannot download)", checkNum, totalChecks))
		log.Info("  Install with 'pipx install yt-dlp' or set worker.ytdlp_path")
		allChecks = false
	}
	checkNum++
	if deps.FFmpegFound {
		log.Info(fmt.Sprintf("[%d/%d] Checking ffmpeg... ✅ %s", checkNum, totalChecks, deps.FFmpegPath))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking ffmpeg... ⚠️  Not found (jobs with postprocessing will fail)", checkNum, totalChecks))
	}
	checkNum++

	// Check 7: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorProvider == "s3" {
		allChecks = runS3Checks(commandContext(cmd), checkNum, totalChecks) && allChecks
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", errors.New("one or more checks failed"))
	}
	return nil
}

// runS3Checks checks AWS credentials and, when configured, the bucket.
func runS3Checks(ctx context.Context, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Provider Checks:")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	storage := appConfig.Storage
	if storage.Bucket == "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking bucket... ⚠️  storage.bucket not set, skipped", checkNum, totalChecks))
		return true
	}
	store, err := openStore(ctx, storage)
	if err == nil {
		defer func() { _ = store.Close() }()
		_, err = provider.PrefixExists(ctx, store, appConfig.Worker.Folder)
	}
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking bucket... ❌ Cannot list s3://%s", checkNum, totalChecks, storage.Bucket),
			zap.Error(err))
		if provider.IsAccessDenied(err) {
			log.Info("Workers need s3:ListBucket and s3:PutObject on the bucket; check the instance profile policy.")
		}
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking bucket... ✅ s3://%s", checkNum, totalChecks, storage.Bucket))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an instance profile when running on EC2")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO etc.), also set storage.endpoint or --endpoint.")
	log.Info("")
}
