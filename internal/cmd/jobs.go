package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/starship/pkg/jobspec"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Work with job lists",
}

var jobsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a job list against the job-list schema",
	Long: `Validate a job list without starting a coordinator.

Examples:
  starship jobs validate videos.json
  starship jobs validate urls.txt --format file_list
  starship jobs validate videos.yaml --normalize > videos.json`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsValidate,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsValidateCmd)
	jobsValidateCmd.Flags().String("format", "", "Job list format: json, yaml, file_list (default: from extension)")
	jobsValidateCmd.Flags().Bool("normalize", false, "Print the list as the JSON a coordinator loads")
}

func runJobsValidate(cmd *cobra.Command, args []string) error {
	formatName, _ := cmd.Flags().GetString("format")
	format, err := jobspec.ParseFormat(formatName)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value", err)
	}

	jobs, err := jobspec.Load(args[0], format)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Job list is invalid", err)
	}

	if normalize, _ := cmd.Flags().GetBool("normalize"); normalize {
		data, err := jobspec.Encode(jobs)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to encode job list", err)
		}
		_, _ = fmt.Fprintln(os.Stdout, string(data))
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "%s: %d job(s) valid\n", args[0], len(jobs))
	return nil
}
