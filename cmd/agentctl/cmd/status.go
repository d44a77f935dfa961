package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mailtriage/email-agent/internal/deploy"
)

var historyLimit int

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <env>",
	Short: "Show the running job and its latest deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// versionsCmd represents the versions command
var versionsCmd = &cobra.Command{
	Use:   "versions <env>",
	Short: "List the job's versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersions,
}

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history [env]",
	Short: "Show deploys made from this machine",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries to show")
}

type statusView struct {
	Job        *deploy.JobInfo    `json:"job"`
	Deployment *deploy.Deployment `json:"deployment,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := cfg.Environment(args[0])
	if err != nil {
		return err
	}
	nomad := deploy.NewNomadClientFromConfig(cfg.Nomad, newLogger())

	job, err := nomad.GetJob(ctx, env.Job)
	if err != nil {
		if errors.Is(err, deploy.ErrJobNotFound) {
			return fmt.Errorf("%s is not deployed to %s", env.Job, env.Name)
		}
		return err
	}
	d, err := nomad.LatestDeployment(ctx, env.Job)
	if err != nil {
		return err
	}
	view := statusView{Job: job, Deployment: d}

	return writeOutput(os.Stdout, view, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Job", job.ID)
		table.Append("Status", job.Status)
		table.Append("Version", fmt.Sprintf("%d", job.Version))
		table.Append("Stable", fmt.Sprintf("%t", job.Stable))
		table.Append("Image", job.Image())
		table.Append("Submitted", job.Submitted().Format(time.RFC3339))
		if d != nil {
			healthy, desired := d.Healthy()
			table.Append("Deployment", shortID(d.ID))
			table.Append("Deployment Status", string(d.Status))
			table.Append("Healthy", fmt.Sprintf("%d/%d", healthy, desired))
			if d.StatusDescription != "" {
				table.Append("Description", d.StatusDescription)
			}
		}
		table.Render()
	})
}

func runVersions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := cfg.Environment(args[0])
	if err != nil {
		return err
	}
	versions, err := deploy.NewNomadClientFromConfig(cfg.Nomad, newLogger()).JobVersions(cmd.Context(), env.Job)
	if err != nil {
		return err
	}

	return writeOutput(os.Stdout, versions, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Version", "Stable", "Image", "Submitted")
		for _, v := range versions {
			stable := "no"
			if v.Stable {
				stable = "yes"
			}
			table.Append(fmt.Sprintf("%d", v.Version), stable, v.Image(), v.Submitted().Format(time.RFC3339))
		}
		table.Render()
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	env := ""
	if len(args) == 1 {
		env = args[0]
	}
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	entries, err := history.List(cmd.Context(), env, historyLimit)
	if err != nil {
		return err
	}

	return writeOutput(os.Stdout, entries, func() {
		if len(entries) == 0 {
			fmt.Println("No deploys recorded")
			return
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Env", "Action", "Status", "Version", "Image", "Started", "Duration")
		for _, e := range entries {
			version := "-"
			if e.JobVersion != nil {
				version = fmt.Sprintf("%d", *e.JobVersion)
			}
			duration := "-"
			if e.FinishedAt != nil {
				duration = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
			}
			table.Append(fmt.Sprintf("%d", e.ID), e.Environment, e.Action, e.Status, version,
				e.Image, e.StartedAt.Local().Format("2006-01-02 15:04"), duration)
		}
		table.Render()
	})
}
