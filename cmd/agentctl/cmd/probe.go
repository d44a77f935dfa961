package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mailtriage/email-agent/internal/deploy"
)

var probeTimeout time.Duration

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Check liveness and readiness of a running instance",
	Long: `Call /health and /ready on the given base URL the way the scheduler does.
Exits non-zero unless both return 200.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentctl version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agentctl", Version)
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)

	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "per-request timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	results := deploy.Probe(cmd.Context(), &http.Client{Timeout: probeTimeout}, args[0])

	err := writeOutput(os.Stdout, results, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Path", "Status", "OK", "Latency", "Error")
		for _, r := range results {
			status := "-"
			if r.Status != 0 {
				status = fmt.Sprintf("%d", r.Status)
			}
			table.Append(r.Path, status, fmt.Sprintf("%t", r.OK), r.Latency.Round(time.Millisecond).String(), r.Error)
		}
		table.Render()
	})
	if err != nil {
		return err
	}
	if !deploy.Healthy(results) {
		return errors.New("instance is not healthy")
	}
	return nil
}
