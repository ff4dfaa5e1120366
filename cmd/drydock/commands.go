// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	jsonOutput bool
	verboseLog bool

	rootCmd = &cobra.Command{
		Use:   "drydock",
		Short: "A cli to rehearse container stacks without touching production",
		Long: `Drydock proves that a compose-declared stack would actually boot on a
fresh host. Every rehearsal runs in a throwaway sandbox: an ephemeral
network, read-only mounts, no production containers touched. The verdict
lands in a hash-chained ledger so confidence is auditable over time.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verboseLog {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
				&slog.HandlerOptions{Level: level})))
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output as JSON for scripting")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false,
		"Enable debug logging on stderr")
}
