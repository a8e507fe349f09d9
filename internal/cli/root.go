package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/brisktest/brisk/internal/logging"
)

var (
	flagServer    string
	flagToken     string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking BRISK_SERVER first.
func defaultServer() string {
	if s := os.Getenv("BRISK_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// defaultToken reads the project token from BRISK_TOKEN.
func defaultToken() string {
	return os.Getenv("BRISK_TOKEN")
}

// NewRootCmd creates the root cobra command for the brisk CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "brisk",
		Short: "Brisk distributed test run scheduler",
		Long:  "Brisk schedules test runs across a worker fleet and manages projects, capacity and timing data.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, flagToken, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Brisk server URL (or BRISK_SERVER env)")
	root.PersistentFlags().StringVar(&flagToken, "token", defaultToken(), "Project token (or BRISK_TOKEN env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newFleetCmd(),
		newProjectsCmd(),
		newRunsCmd(),
		newSplitCmd(),
		newLogsCmd(),
	)

	return root
}
