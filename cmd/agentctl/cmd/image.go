package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailtriage/email-agent/internal/deploy"
)

var imageTag string

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the service image",
	Long:  `Build the container image from the configured Dockerfile, tagged with --tag or the short git revision.`,
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

// pushCmd represents the push command
var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push the service image",
	Long:  `Push a previously built image to the configured repository.`,
	Args:  cobra.NoArgs,
	RunE:  runPush,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(pushCmd)

	buildCmd.Flags().StringVar(&imageTag, "tag", "", "image tag (default: short git revision)")
	pushCmd.Flags().StringVar(&imageTag, "tag", "", "image tag (default: short git revision)")
}

// resolveImage returns the image reference for tag, falling back to the
// checkout's revision.
func resolveImage(ctx context.Context, cfg *deploy.Config, tag string) (deploy.ImageRef, error) {
	if tag == "" {
		var err error
		if tag, err = deploy.GitTag(ctx, deploy.ExecRunner{}, cfg.Image.Context); err != nil {
			return deploy.ImageRef{}, err
		}
	}
	return deploy.ImageRef{Repository: cfg.Image.Repository, Tag: tag}, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ref, err := resolveImage(cmd.Context(), cfg, imageTag)
	if err != nil {
		return err
	}
	if err := deploy.NewImageBuilder(cfg.Image, newLogger()).Build(cmd.Context(), ref); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Built %s\n", ref)
	return nil
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ref, err := resolveImage(cmd.Context(), cfg, imageTag)
	if err != nil {
		return err
	}
	if err := deploy.NewImageBuilder(cfg.Image, newLogger()).Push(cmd.Context(), ref); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Pushed %s\n", ref)
	return nil
}
