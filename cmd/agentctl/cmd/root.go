package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mailtriage/email-agent/internal/deploy"
	"github.com/mailtriage/email-agent/pkg/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
	historyPath  string
	verbose      bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Build, deploy and operate the email agent",
	Long: `agentctl builds the email agent image, renders its Nomad job and drives
deployments, rollbacks and health probes against the cluster.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "deploy.yaml", "deploy config file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", "", "deploy history database (default $HOME/.agentctl/history.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")

	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("history", rootCmd.PersistentFlags().Lookup("history"))
}

// initConfig lets AGENTCTL_OUTPUT and AGENTCTL_HISTORY stand in for flags.
func initConfig() {
	viper.SetEnvPrefix("agentctl")
	viper.AutomaticEnv()
	outputFormat = viper.GetString("output")
	historyPath = viper.GetString("history")
}

func loadConfig() (*deploy.Config, error) {
	return deploy.LoadConfig(cfgFile)
}

func newLogger() *logging.Logger {
	level := logging.WARN
	if verbose {
		level = logging.INFO
	}
	logger := logging.NewLogger("agentctl", level, false)
	logger.SetOutput(os.Stderr)
	return logger
}

func openHistory() (*deploy.History, error) {
	path := historyPath
	if path == "" {
		var err error
		if path, err = deploy.DefaultHistoryPath(); err != nil {
			return nil, fmt.Errorf("locate history: %w", err)
		}
	}
	return deploy.OpenHistory(path)
}

// writeOutput prints v as JSON or YAML, or calls table for the default
// format.
func writeOutput(w io.Writer, v interface{}, table func()) error {
	switch outputFormat {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := toYAML(v)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Fprint(w, string(data))
	case "table", "":
		table()
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
	return nil
}

// toYAML keeps the JSON field names.
func toYAML(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}
