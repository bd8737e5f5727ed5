package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aman-churiwal/event-gate/internal/config"
	"github.com/aman-churiwal/event-gate/internal/logging"
)

var (
	gateURL    string
	deployment string
	verbose    bool

	logger = zap.NewNop()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ingestctl",
	Short: "Send events to an event gate and inspect deployment quotas",
	Long: `ingestctl talks to an event gate the way an ingestion agent does.

Rejected batches are retried with exponential backoff, honoring the gate's Retry-After.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}

		l, err := logging.New(config.LoggerConfig{Level: level, ServiceName: "ingestctl"}, "development")
		if err != nil {
			return err
		}
		logger = l

		if deployment == "" {
			return fmt.Errorf("--deployment is required")
		}
		return nil
	},
}

func init() {
	// Load env if it exists
	_ = godotenv.Load()

	defaultURL := os.Getenv("INGESTCTL_GATE_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVar(&gateURL, "gate", defaultURL, "base URL of the event gate (env INGESTCTL_GATE_URL)")
	rootCmd.PersistentFlags().StringVarP(&deployment, "deployment", "d", os.Getenv("INGESTCTL_DEPLOYMENT"), "deployment id (env INGESTCTL_DEPLOYMENT)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every retry")
}
