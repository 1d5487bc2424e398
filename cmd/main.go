package cmd

import (
	"fmt"
	"os"

	"gangsched/internal/config"
	"gangsched/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "gangctl",
	Short: "Control and simulate a gang-scheduled CPU pool",
	Long: "gangctl drives an in-process gang scheduler: it applies pool " +
		"configurations (put), reads them back (get), and simulates the " +
		"per-pCPU dispatch timeline of a configured pool.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loadEnvironment()
		if logLevel != "" {
			if err := logging.SetLogLevel(logLevel); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
		}
		return nil
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gangctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gangctl %s\n", Version)
	},
}

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment file")
		}
	}

	_ = config.FromEnv() // surfaces boot-parameter warnings early
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(getCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
