package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/3leaps/starship/internal/server/handlers"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

func currentVersion() handlers.VersionInfo {
	v := crucible.GetVersion()
	return handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
		Gofulmen:  v.Gofulmen,
		Crucible:  v.Crucible,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	info := currentVersion()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	_, _ = fmt.Fprintf(os.Stdout, "starship %s (commit %s, built %s)\n", info.Version, info.Commit, info.BuildDate)
	_, _ = fmt.Fprintf(os.Stdout, "%s %s/%s\n", info.GoVersion, runtime.GOOS, runtime.GOARCH)
	if info.Gofulmen != "" {
		_, _ = fmt.Fprintf(os.Stdout, "gofulmen %s, crucible %s\n", info.Gofulmen, info.Crucible)
	}
	return nil
}
