// Package main is the entry point for the convertd binary.
// It serves the conversion API and offers one-shot catalog and convert commands.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/sigma-convertd/pkg/config"
	"github.com/polisai/sigma-convertd/pkg/logging"
)

// cli carries state shared by every subcommand once the root pre-run has
// loaded configuration.
type cli struct {
	configPath string
	envFile    string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for convertd.
func newRootCmd() *cobra.Command {
	c := &cli{stdout: os.Stdout}

	rootCmd := &cobra.Command{
		Use:   "convertd",
		Short: "Version-isolated Sigma rule conversion service",
		Long: `convertd converts Sigma detection rules into backend queries using
engine versions provisioned side by side under a common root directory.

Example:
  convertd serve --config convertd.yaml
  convertd convert 1.0.3 rule.yml --target splunk --pipeline sysmon`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&c.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")

	rootCmd.AddCommand(
		newServeCmd(c),
		newVersionsCmd(c),
		newTargetsCmd(c),
		newFormatsCmd(c),
		newPipelinesCmd(c),
		newConvertCmd(c),
	)
	return rootCmd
}

// setup loads the dotenv file, configuration and logger.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load env file %s: %w", c.envFile, err)
		}
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	c.cfg = cfg

	logger, err := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	c.logger = logger
	c.stdout = cmd.OutOrStdout()
	return nil
}
