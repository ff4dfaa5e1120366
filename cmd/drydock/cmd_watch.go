// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/drydock-io/drydock/services/rehearsal/daemon"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	watchManifestPath string
	watchSchedule     string
	watchCatchUp      bool
	watchStrict       bool
	watchPullPolicy   string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// watchCmd manages the daemon's watch registry.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage stacks the daemon rehearses continuously",
}

var watchAddCmd = &cobra.Command{
	Use:   "add <stack>",
	Short: "Watch a stack: rehearse on manifest change and on schedule",
	Long: `Registers a stack with the daemon. The manifest is rehearsed whenever
it changes on disk; with --schedule it is also rehearsed on a cron
cadence.

Examples:
  drydock watch add shop -f /srv/shop/docker-compose.yml
  drydock watch add shop -f compose.yaml --schedule "0 3 * * *" --catch-up`,
	Args: cobra.ExactArgs(1),
	RunE: runWatchAdd,
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <stack>",
	Short: "Stop watching a stack",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatchRemove,
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched stacks",
	Args:  cobra.NoArgs,
	RunE:  runWatchList,
}

func init() {
	watchAddCmd.Flags().StringVarP(&watchManifestPath, "file", "f", "docker-compose.yml",
		"Path to the compose manifest")
	watchAddCmd.Flags().StringVar(&watchSchedule, "schedule", "",
		"Cron expression for scheduled rehearsals (e.g. \"0 3 * * *\")")
	watchAddCmd.Flags().BoolVar(&watchCatchUp, "catch-up", false,
		"Run a missed scheduled rehearsal at daemon startup")
	watchAddCmd.Flags().BoolVar(&watchStrict, "strict", false,
		"Verify ledger integrity before each rehearsal")
	watchAddCmd.Flags().StringVar(&watchPullPolicy, "pull", "",
		"Image pull policy: always or if-missing")
	watchCmd.AddCommand(watchAddCmd, watchRemoveCmd, watchListCmd)
	rootCmd.AddCommand(watchCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runWatchAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	manifestPath, err := filepath.Abs(watchManifestPath)
	if err != nil {
		return err
	}
	entry := daemon.WatchEntry{
		Stack:           args[0],
		ManifestPath:    manifestPath,
		Schedule:        watchSchedule,
		CatchUp:         watchCatchUp,
		StrictIntegrity: watchStrict,
		PullPolicy:      watchPullPolicy,
	}
	if err := a.registry.Set(entry); err != nil {
		outputError("watch stack", err)
		return err
	}
	fmt.Printf("watching %s (%s)\n", entry.Stack, entry.ManifestPath)
	return nil
}

func runWatchRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	if err := a.registry.Delete(args[0]); err != nil {
		outputError("unwatch stack", err)
		return err
	}
	fmt.Printf("stopped watching %s\n", args[0])
	return nil
}

func runWatchList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	entries, err := a.registry.List()
	if err != nil {
		outputError("list watches", err)
		return err
	}
	if jsonOutput {
		return outputJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println(styles.Muted.Render("no stacks watched"))
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		schedule := entry.Schedule
		if schedule == "" {
			schedule = "-"
		}
		rows = append(rows, []string{
			entry.Stack,
			entry.ManifestPath,
			schedule,
			fmt.Sprintf("%t", entry.CatchUp),
		})
	}
	fmt.Print(table([]string{"STACK", "MANIFEST", "SCHEDULE", "CATCH-UP"}, rows))
	return nil
}
