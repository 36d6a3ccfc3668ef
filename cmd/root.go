package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "gms",
	Short: "Gossip membership service",
	Long: `A cluster membership service: nodes exchange versioned endpoint state
by gossip and judge each other's liveness with a phi accrual failure detector.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func parseLogLevel() (logrus.Level, error) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid --log-level: %w", err)
	}
	return level, nil
}
