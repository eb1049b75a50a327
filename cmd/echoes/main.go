package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "echoes",
	Short: "Daily historical echoes: an event, a verse and a post for every platform",
	Long: `echoes picks a historically significant event for a calendar day and turns
it into a shareable card: a scripture verse, posts sized for each group of
social networks and a generated illustration.

Run "echoes serve" for the HTTP and MCP interfaces, or "echoes generate" for a
one-shot card in the terminal.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dayCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(narrateCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the configured level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func versionString() string {
	return fmt.Sprintf("echoes version %s", version)
}
