// Package cli provides the command-line interface for casework.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"casework/internal/api"
	"casework/internal/config"
	"casework/internal/status"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string
	authToken string

	// Global config and API client
	cfg        config.Config
	apiClient  *api.Client
	logger     *slog.Logger
	logCleanup func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "casework",
	Short: "Track extraction jobs and clarify uncertain results",
	Long: `Casework submits incident reports and questions to a multi-agent
extraction pipeline and follows each job to a result over polling and push.

When the pipeline is unsure about a field it extracted, casework asks you
about it and resubmits the enriched input, for a bounded number of rounds.
Resolved sessions are kept in a local history database.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip client setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if authToken != "" {
			cfg.Token = authToken
		}

		// Command output owns the terminal; keep the log quiet unless asked.
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger, logCleanup = config.SetupLogger(cfg.LogFile, level)

		apiClient = api.New(cfg.ServerURL, cfg.Token, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			if err := logCleanup(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// trackerConfig builds the status channel settings shared by the commands
// that follow jobs.
func trackerConfig() status.Config {
	return status.Config{
		PollInterval: cfg.PollInterval,
		MaxPolls:     cfg.MaxPolls,
		Log:          logger,
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "pipeline server URL (default from CASEWORK_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token (default from CASEWORK_TOKEN)")

	// Add subcommands
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
}
