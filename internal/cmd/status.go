package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/starship/pkg/protocol"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator progress",
	Long: `Fetch /status from a coordinator and print job counts and worker health.

Examples:
  starship status --server localhost:8080
  starship status --server 10.0.0.2:8080 --json`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringP("server", "s", "", "Coordinator address (default from config)")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	server := appConfig.Worker.Server
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		server = v
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	client, err := protocol.NewClient(protocol.ClientConfig{BaseURL: server, Timeout: timeout})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid coordinator address", err)
	}

	st, err := client.Status(commandContext(cmd))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch status", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	writeStatus(os.Stdout, st, time.Now())
	return nil
}

func writeStatus(out io.Writer, st *protocol.StatusResponse, now time.Time) {
	_, _ = fmt.Fprintf(out, "Finished %d/%d (%d failed, %d skipped, %d downloading, %d waiting, %d retrying)\n",
		st.Finished, st.Total, st.Failed, st.Skipped, st.Downloading, st.Waiting, st.Retrying)
	if st.Done {
		_, _ = fmt.Fprintln(out, "All jobs finished")
	}
	if len(st.Workers) == 0 {
		return
	}

	ids := make([]string, 0, len(st.Workers))
	for id := range st.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "WORKER\tSTATUS\tLAST SEEN\tMESSAGE")
	for _, id := range ids {
		ws := st.Workers[id]
		seen := time.Unix(0, int64(ws.LastSeen*1e9))
		msg := ws.Message
		if msg == "" {
			msg = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s ago\t%s\n", id, ws.Status, now.Sub(seen).Truncate(time.Second), msg)
	}
}
