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
	"time"

	"github.com/spf13/cobra"

	"github.com/drydock-io/drydock/services/rehearsal/engine"
	"github.com/drydock-io/drydock/services/rehearsal/sandbox"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runManifestPath  string // Compose manifest to rehearse
	runPullPolicy    string // "always" or "if-missing"
	runTimeout       time.Duration
	runStrict        bool // Verify ledger chain before rehearsing
	runSkipProvider  bool // Skip backup precondition check
	runServiceWindow time.Duration
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// runCmd rehearses one stack in a throwaway sandbox.
//
// # Description
//
// Resolves the manifest, runs static preflight checks, boots every
// service in dependency order inside an ephemeral network with all bind
// mounts forced read-only, scores the result and appends it to the
// stack's hash-chained ledger. The process exit code is the verdict.
//
// # Examples
//
//	drydock run shop -f /srv/shop/docker-compose.yml
//	drydock run shop -f compose.yaml --strict --pull always
//	drydock run shop -f compose.yaml --json   # machine-readable report
var runCmd = &cobra.Command{
	Use:   "run <stack>",
	Short: "Rehearse a stack in an isolated sandbox and record the verdict",
	Args:  cobra.ExactArgs(1),
	RunE:  runRehearsal,
}

func init() {
	runCmd.Flags().StringVarP(&runManifestPath, "file", "f", "docker-compose.yml",
		"Path to the compose manifest")
	runCmd.Flags().StringVar(&runPullPolicy, "pull", string(sandbox.PullIfMissing),
		"Image pull policy: always or if-missing")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", engine.DefaultRunTimeout,
		"Overall rehearsal deadline")
	runCmd.Flags().DurationVar(&runServiceWindow, "service-timeout", 0,
		"Per-service health window (default 90s)")
	runCmd.Flags().BoolVar(&runStrict, "strict", false,
		"Verify ledger integrity first and fail closed on tampering")
	runCmd.Flags().BoolVar(&runSkipProvider, "skip-provider-check", false,
		"Skip the backup precondition even when a provider is configured")
	rootCmd.AddCommand(runCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runRehearsal(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	rehearser, err := a.rehearser()
	if err != nil {
		outputError("build rehearser", err)
		return err
	}

	manifestPath, err := filepath.Abs(runManifestPath)
	if err != nil {
		return err
	}
	outcome, err := rehearser.Run(cmd.Context(), engine.Request{
		Stack:             args[0],
		ManifestPath:      manifestPath,
		PullPolicy:        sandbox.PullPolicy(runPullPolicy),
		Timeout:           runTimeout,
		StrictIntegrity:   runStrict,
		SkipProviderCheck: runSkipProvider,
		Sandbox:           sandbox.Options{ServiceTimeout: runServiceWindow},
	})
	if err != nil {
		if outcome != nil {
			commandExitCode = outcome.ExitCode
		}
		outputError("rehearsal", err)
		return err
	}
	commandExitCode = outcome.ExitCode

	if jsonOutput {
		return outputJSON(outcome)
	}
	printOutcome(args[0], outcome)
	return nil
}

func printOutcome(stack string, outcome *engine.Outcome) {
	if outcome.Skipped {
		fmt.Println(styles.Muted.Render(
			fmt.Sprintf("skipped: %s", outcome.SkipReason)))
		return
	}
	rec := outcome.Record

	fmt.Println(styles.Title.Render(fmt.Sprintf("Rehearsal: %s", stack)))
	fmt.Println()

	rows := make([][]string, 0, len(rec.Scores))
	for _, s := range rec.Scores {
		rows = append(rows, []string{
			s.Service,
			string(s.State),
			fmt.Sprintf("%d", s.Score),
			fmt.Sprintf("%.1fs", s.Seconds),
		})
	}
	fmt.Print(table([]string{"SERVICE", "STATE", "SCORE", "TIME"}, rows))
	fmt.Println()

	band := riskStyle(rec.Risk)
	fmt.Printf("Confidence: %s  Risk: %s  Readiness: %d/100\n",
		band.Render(fmt.Sprintf("%.1f", rec.Confidence)),
		band.Render(string(rec.Risk)),
		rec.Readiness)

	for _, f := range outcome.Preflight.Findings {
		fmt.Printf("  %s %s: %s\n",
			styles.Moderate.Render("!"), f.Rule, f.Message)
	}
	if outcome.Drift != nil && outcome.Drift.Detected() {
		for _, reason := range outcome.Drift.Reasons {
			fmt.Printf("  %s drift: %s\n", styles.High.Render("!"), reason)
		}
	}
	if outcome.Policy != nil {
		for _, v := range outcome.Policy.Violations {
			fmt.Printf("  %s policy %s: %s\n",
				styles.High.Render("!"), v.Rule, v.Message)
		}
	}

	verdict := verdictWord(rec.ExitCode, rec.Fatal)
	style := styles.Pass
	if rec.ExitCode != 0 || rec.Fatal {
		style = styles.Critical
	}
	fmt.Printf("\nVerdict: %s (exit %d)\n", style.Render(verdict), rec.ExitCode)
}
