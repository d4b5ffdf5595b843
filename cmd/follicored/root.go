package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hiplawrussia-stack/FolliCore/internal/config"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "follicored",
		Short:         "Vision feature extraction daemon",
		Long:          "follicored serves vision-transformer feature embeddings over HTTP,\nwith per-model lifecycle management, warmup, and readiness gating.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// newLogger builds the process logger from configuration.
func newLogger(lc config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if lc.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "follicored").Logger()
}
