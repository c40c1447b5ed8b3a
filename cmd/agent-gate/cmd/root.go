// Package cmd holds the agent-gate command tree.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	permFile string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "agent-gate",
	Short: "Execution gateway between an AI agent and a home automation controller",
	Long: `agent-gate sits between an untrusted AI agent and a home automation
controller. Every tool call is reduced to a signature, checked against a
permissions document, and either executed, rejected, or forwarded to a human
guardian for approval. Every request and its outcome is written to a durable
audit trail.`,
	SilenceUsage: true,
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the gateway configuration")
	rootCmd.PersistentFlags().StringVar(&permFile, "permissions", "permissions.yaml", "path to the permissions document")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
