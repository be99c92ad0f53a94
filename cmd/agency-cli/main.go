package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/nidhogg/agency/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
	serverURL  string

	rootCmd = &cobra.Command{
		Use:   "agency-cli",
		Short: "Turn a plain-language request into a generated, tested project",
		Long: `agency-cli runs the agency pipeline (plan, generate, safety check,
test, repair, review, deploy, document) locally, or talks to a running
agency server.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CONFIG_PATH or configs/agency.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress")

	runCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "deploy without asking")
	runCmd.Flags().BoolVar(&jsonOut, "json", false, "print the run result as JSON")
	completeCmd.Flags().StringVar(&completeHint, "hint", "code", "model name or task tag")
	completeCmd.Flags().StringVar(&completeSystem, "system", "", "system prompt")

	remoteCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "agency server URL")
	submitCmd.Flags().BoolVar(&submitDeploy, "deploy", false, "approve the deploy stage for this run")
	eventsCmd.Flags().BoolVarP(&followEvents, "follow", "f", false, "stream events until the run finishes")
	remoteCmd.AddCommand(submitCmd, statusCmd, listCmd, cancelCmd, eventsCmd)

	rootCmd.AddCommand(runCmd, backendsCmd, completeCmd, remoteCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config path the same way the server does. A
// missing file falls back to defaults plus environment variables.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/agency.json"
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && configPath == "" {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
