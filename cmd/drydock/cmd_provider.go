// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drydock-io/drydock/services/rehearsal/provider"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	providerType         string
	providerRepository   string
	providerPasswordEnv  string
	providerPasswordFile string
	providerMaxAgeHours  int
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// providerCmd manages the backup precondition for a stack.
//
// # Description
//
// When a stack declares a backup provider, every rehearsal first proves
// the repository is reachable, holds at least one snapshot, and the
// newest snapshot is fresh enough. A rehearsal against a dead backup
// would certify a stack nobody could actually restore.
var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage the backup repository a stack's rehearsals verify",
}

var providerSetCmd = &cobra.Command{
	Use:   "set <stack>",
	Short: "Declare the stack's backup repository",
	Long: `Declares the backup repository to verify before each rehearsal.

Examples:
  drydock provider set shop --type restic --repo /backups/shop \
      --password-env RESTIC_PASSWORD --max-age-hours 26
  drydock provider set shop --type borg --repo ssh://backup/./shop`,
	Args: cobra.ExactArgs(1),
	RunE: runProviderSet,
}

var providerShowCmd = &cobra.Command{
	Use:   "show <stack>",
	Short: "Show the stack's backup provider declaration",
	Args:  cobra.ExactArgs(1),
	RunE:  runProviderShow,
}

var providerCheckCmd = &cobra.Command{
	Use:   "check <stack>",
	Short: "Verify the backup precondition right now",
	Args:  cobra.ExactArgs(1),
	RunE:  runProviderCheck,
}

var providerClearCmd = &cobra.Command{
	Use:   "clear <stack>",
	Short: "Remove the backup declaration; rehearsals skip the check",
	Args:  cobra.ExactArgs(1),
	RunE:  runProviderClear,
}

func init() {
	providerSetCmd.Flags().StringVar(&providerType, "type", "restic",
		"Backup tool: restic or borg")
	providerSetCmd.Flags().StringVar(&providerRepository, "repo", "",
		"Repository location the tool understands")
	providerSetCmd.Flags().StringVar(&providerPasswordEnv, "password-env", "",
		"Environment variable holding the repository secret")
	providerSetCmd.Flags().StringVar(&providerPasswordFile, "password-file", "",
		"File holding the repository secret")
	providerSetCmd.Flags().IntVar(&providerMaxAgeHours, "max-age-hours", 0,
		"Maximum age of the newest snapshot in hours (0 disables)")
	_ = providerSetCmd.MarkFlagRequired("repo")
	providerCmd.AddCommand(providerSetCmd, providerShowCmd, providerCheckCmd, providerClearCmd)
	rootCmd.AddCommand(providerCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runProviderSet(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	cfg := provider.Config{
		Type:                providerType,
		Repository:          providerRepository,
		PasswordEnv:         providerPasswordEnv,
		PasswordFile:        providerPasswordFile,
		MaxSnapshotAgeHours: providerMaxAgeHours,
	}
	if err := a.providers.Set(args[0], cfg); err != nil {
		outputError("set provider", err)
		return err
	}
	fmt.Printf("provider declared for %s: %s %s\n", args[0], cfg.Type, cfg.Repository)
	return nil
}

func runProviderShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	cfg, err := a.providers.Get(args[0])
	if errors.Is(err, provider.ErrNotConfigured) {
		fmt.Println(styles.Muted.Render("no backup provider declared for " + args[0]))
		return nil
	}
	if err != nil {
		outputError("read provider", err)
		return err
	}
	if jsonOutput {
		return outputJSON(cfg)
	}
	fmt.Printf("type:       %s\n", cfg.Type)
	fmt.Printf("repository: %s\n", cfg.Repository)
	if cfg.MaxSnapshotAgeHours > 0 {
		fmt.Printf("max age:    %dh\n", cfg.MaxSnapshotAgeHours)
	}
	return nil
}

func runProviderCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	cfg, err := a.providers.Get(args[0])
	if errors.Is(err, provider.ErrNotConfigured) {
		fmt.Println(styles.Muted.Render("no backup provider declared for " + args[0]))
		return nil
	}
	if err != nil {
		outputError("read provider", err)
		return err
	}

	verifier, err := provider.NewVerifier(cfg, nil)
	if err != nil {
		outputError("build verifier", err)
		return err
	}
	verification, err := verifier.Verify(cmd.Context())
	if err != nil {
		outputError("verify repository", err)
		return err
	}
	if jsonOutput {
		return outputJSON(verification)
	}
	if err := provider.CheckPrecondition(verification, cfg); err != nil {
		fmt.Println(styles.Critical.Render("precondition failed: " + err.Error()))
		commandExitCode = 1
		return err
	}
	fmt.Println(styles.Pass.Render(fmt.Sprintf(
		"repository ok: %d snapshot(s), newest %s old",
		verification.Snapshots, verification.LatestAge.Round(time.Second))))
	return nil
}

func runProviderClear(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	if err := a.providers.Delete(args[0]); err != nil {
		outputError("clear provider", err)
		return err
	}
	fmt.Printf("provider removed for %s\n", args[0])
	return nil
}
