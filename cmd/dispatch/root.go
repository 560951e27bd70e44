package main

import (
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/abdhe/llm-dispatch/pkg/config"
	"github.com/abdhe/llm-dispatch/pkg/logging"
)

// Global flag values.
var (
	configPath string
	verbose    bool
	quiet      bool
	noColor    bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "llm-dispatch",
	Short: "Batch prompts and scoring requests against an LLM backend",
	Long: `llm-dispatch sends generation and log-probability workloads to a completions
backend. Requests are chunked into batches, batches the backend rejects as too
large are halved until they fit, and transient failures are retried.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "llm-dispatch.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(logprobsCmd)
}

// loadConfig loads and validates the config and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	logging.Setup(logging.Resolve(level, verbose, quiet))
	slog.Debug("config loaded", "path", configPath, "backend", cfg.Backend.Kind, "model", cfg.Backend.Model)
	return cfg, nil
}
