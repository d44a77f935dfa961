package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mailtriage/email-agent/internal/deploy"
)

var (
	// deploy flags
	noWait        bool
	buildFirst    bool
	deployTimeout time.Duration
	pollInterval  time.Duration

	// render flags
	renderImage  string
	renderReveal bool

	// rollback flags
	rollbackVersion uint64

	// stop flags
	purgeJob bool
)

// renderCmd represents the render command
var renderCmd = &cobra.Command{
	Use:   "render <env>",
	Short: "Print the Nomad job for an environment",
	Long: `Render the Nomad job for an environment as it would be submitted.
Secret values are read from the environment and redacted unless --reveal is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

// deployCmd represents the deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy <env>",
	Short: "Deploy the service to an environment",
	Long: `Submit the job for an environment and follow the deployment until it
succeeds, fails or is rolled back by the scheduler.

Example:
  agentctl deploy staging --build
  agentctl deploy production --tag 3f9c2e1 --no-wait`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

// rollbackCmd represents the rollback command
var rollbackCmd = &cobra.Command{
	Use:   "rollback <env>",
	Short: "Revert an environment to an earlier job version",
	Long:  `Revert to --version, or to the newest stable version older than the running one.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop <env>",
	Short: "Stop the job in an environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(stopCmd)

	renderCmd.Flags().StringVar(&imageTag, "tag", "", "image tag (default: short git revision)")
	renderCmd.Flags().StringVar(&renderImage, "image", "", "full image reference, overrides --tag")
	renderCmd.Flags().BoolVar(&renderReveal, "reveal", false, "print secret values instead of redacting them")

	deployCmd.Flags().StringVar(&imageTag, "tag", "", "image tag (default: short git revision)")
	deployCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the job is registered")
	deployCmd.Flags().BoolVar(&buildFirst, "build", false, "build and push the image before deploying")
	deployCmd.Flags().DurationVar(&deployTimeout, "timeout", 0, "how long to follow the deployment (default: progress deadline plus 2m)")
	deployCmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "deployment poll interval")

	rollbackCmd.Flags().Uint64Var(&rollbackVersion, "version", 0, "job version to revert to")

	stopCmd.Flags().BoolVar(&purgeJob, "purge", false, "also remove the job from the scheduler's history")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := cfg.Environment(args[0])
	if err != nil {
		return err
	}
	image := renderImage
	if image == "" {
		ref, err := resolveImage(cmd.Context(), cfg, imageTag)
		if err != nil {
			return err
		}
		image = ref.String()
	}
	secrets, err := deploy.ResolveSecrets(cfg.Secrets, nil)
	if err != nil {
		return err
	}
	job, err := cfg.Render(env, image, secrets)
	if err != nil {
		return err
	}
	if !renderReveal {
		job = deploy.Redact(job, cfg.Secrets)
	}

	format := outputFormat
	if format == "table" || format == "" {
		format = "json"
	}
	data, err := deploy.Marshal(job, format)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

func newPipeline(cfg *deploy.Config, history *deploy.History) *deploy.Pipeline {
	logger := newLogger()
	nomad := deploy.NewNomadClientFromConfig(cfg.Nomad, logger)
	watcher := deploy.NewWatcher(nomad, pollInterval, logger, printProgress)
	return &deploy.Pipeline{
		Config:  cfg,
		Nomad:   nomad,
		Watcher: watcher,
		History: history,
		Logger:  logger,
	}
}

func printProgress(u deploy.Update) {
	healthy, desired := u.Deployment.Healthy()
	line := fmt.Sprintf("%s  deployment %s  v%d  %s  healthy %d/%d",
		time.Now().Format("15:04:05"), shortID(u.Deployment.ID), u.Deployment.JobVersion,
		u.Deployment.Status, healthy, desired)
	if u.Deployment.StatusDescription != "" {
		line += "  " + u.Deployment.StatusDescription
	}
	fmt.Fprintln(os.Stderr, line)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := cfg.Environment(args[0]); err != nil {
		return err
	}
	secrets, err := deploy.ResolveSecrets(cfg.Secrets, nil)
	if err != nil {
		return err
	}
	ref, err := resolveImage(ctx, cfg, imageTag)
	if err != nil {
		return err
	}

	if buildFirst {
		builder := deploy.NewImageBuilder(cfg.Image, newLogger())
		if err := builder.Build(ctx, ref); err != nil {
			return err
		}
		if err := builder.Push(ctx, ref); err != nil {
			return err
		}
	}

	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	timeout := deployTimeout
	if timeout <= 0 {
		timeout = cfg.Update.ProgressDeadline + 2*time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Fprintf(os.Stderr, "Deploying %s to %s\n", ref, args[0])
	res, err := newPipeline(cfg, history).Deploy(ctx, args[0], ref.String(), secrets, !noWait)
	if res == nil {
		return err
	}

	outErr := writeOutput(os.Stdout, res, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Environment", res.Environment)
		table.Append("Job", res.Job)
		table.Append("Image", res.Image)
		table.Append("Evaluation", res.Register.EvalID)
		if res.Watch != nil && res.Watch.Deployment != nil {
			d := res.Watch.Deployment
			table.Append("Deployment", d.ID)
			table.Append("Job Version", fmt.Sprintf("%d", d.JobVersion))
			table.Append("Status", string(d.Status))
			table.Append("Rolled Back", fmt.Sprintf("%t", res.Watch.RolledBack))
		}
		table.Render()
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("deployment still in progress after %s; check with `agentctl status %s`", timeout, args[0])
		}
		return err
	}
	return outErr
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	var version *uint64
	if cmd.Flags().Changed("version") {
		version = &rollbackVersion
	}
	res, err := newPipeline(cfg, history).Rollback(cmd.Context(), args[0], version)
	if err != nil {
		return err
	}

	return writeOutput(os.Stdout, res, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("From Version", fmt.Sprintf("%d", res.FromVersion))
		table.Append("To Version", fmt.Sprintf("%d", res.ToVersion))
		table.Append("Image", res.Image)
		table.Append("Evaluation", res.Register.EvalID)
		table.Render()
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := cfg.Environment(args[0])
	if err != nil {
		return err
	}
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	evalID, err := deploy.NewNomadClientFromConfig(cfg.Nomad, newLogger()).StopJob(ctx, env.Job, purgeJob)
	if err != nil {
		return err
	}
	id, err := history.Record(ctx, deploy.Entry{
		Environment: env.Name,
		Job:         env.Job,
		EvalID:      evalID,
		Action:      deploy.ActionStop,
	})
	if err == nil {
		err = history.Finish(ctx, id, "stopped", nil)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: stop not recorded in history: %v\n", err)
	}

	fmt.Fprintf(os.Stdout, "Stopped %s (evaluation %s)\n", env.Job, evalID)
	return nil
}
