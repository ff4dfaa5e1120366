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
	"sort"

	"github.com/spf13/cobra"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	baselineAt             string  // Timestamp prefix selecting the run to promote
	baselineTolConfidence  float64 // Allowed confidence drop
	baselineTolReadiness   float64 // Allowed readiness drop
	baselineTolDurationPct float64 // Allowed duration growth percent
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// baselineCmd manages the pinned restore contract per stack.
//
// # Description
//
// A baseline freezes a known-good rehearsal as the contract future runs
// are compared against. Later rehearsals that lose services, drop
// confidence or readiness beyond tolerance, or slow down past the spike
// allowance are flagged as drift (exit code 5 when policy enforces it).
var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Manage the pinned restore contract for a stack",
}

var baselinePinCmd = &cobra.Command{
	Use:   "pin <stack>",
	Short: "Promote a recorded rehearsal to be the stack's baseline",
	Long: `Promotes the latest recorded rehearsal (or the one selected with --at)
to be the stack's restore contract.

Examples:
  drydock baseline pin shop
  drydock baseline pin shop --at 2026-08-29
  drydock baseline pin shop --tol-confidence 5 --tol-duration-pct 100`,
	Args: cobra.ExactArgs(1),
	RunE: runBaselinePin,
}

var baselineShowCmd = &cobra.Command{
	Use:   "show <stack>",
	Short: "Show the stack's pinned baseline",
	Args:  cobra.ExactArgs(1),
	RunE:  runBaselineShow,
}

var baselineUnpinCmd = &cobra.Command{
	Use:   "unpin <stack>",
	Short: "Remove the stack's baseline; future runs report NO_BASELINE",
	Args:  cobra.ExactArgs(1),
	RunE:  runBaselineUnpin,
}

func init() {
	baselinePinCmd.Flags().StringVar(&baselineAt, "at", "",
		"RFC3339 timestamp prefix selecting the run to promote")
	baselinePinCmd.Flags().Float64Var(&baselineTolConfidence, "tol-confidence", 0,
		"Allowed confidence drop before drift (default 2.0)")
	baselinePinCmd.Flags().Float64Var(&baselineTolReadiness, "tol-readiness", 0,
		"Allowed readiness drop before drift (default 5.0)")
	baselinePinCmd.Flags().Float64Var(&baselineTolDurationPct, "tol-duration-pct", 0,
		"Allowed boot duration growth percent before drift (default 50)")
	baselineCmd.AddCommand(baselinePinCmd, baselineShowCmd, baselineUnpinCmd)
	rootCmd.AddCommand(baselineCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runBaselinePin(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	tol := baseline.Tolerances{
		Confidence:           baselineTolConfidence,
		Readiness:            baselineTolReadiness,
		DurationSpikePercent: baselineTolDurationPct,
	}

	var pinned *baseline.Baseline
	if baselineAt != "" {
		pinned, err = a.baselines.PromoteByTimestamp(args[0], baselineAt, tol)
	} else {
		pinned, err = a.baselines.PromoteLatest(args[0], tol)
	}
	if err != nil {
		outputError("pin baseline", err)
		return err
	}

	if jsonOutput {
		return outputJSON(pinned)
	}
	fmt.Printf("baseline pinned for %s: confidence %.1f, readiness %d, %d service(s)\n",
		pinned.Stack, pinned.ExpectedConfidence, pinned.ExpectedReadiness,
		len(pinned.ExpectedServices))
	return nil
}

func runBaselineShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	pinned, err := a.baselines.Get(args[0])
	if errors.Is(err, baseline.ErrNoBaseline) {
		fmt.Println(styles.Muted.Render("no baseline pinned for " + args[0]))
		return nil
	}
	if err != nil {
		outputError("read baseline", err)
		return err
	}

	if jsonOutput {
		return outputJSON(pinned)
	}

	fmt.Println(styles.Title.Render("Baseline: " + pinned.Stack))
	fmt.Printf("Pinned:     %s\n", pinned.PinnedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Confidence: %.1f (tolerance -%.1f)\n",
		pinned.ExpectedConfidence, pinned.Tolerances.Confidence)
	fmt.Printf("Readiness:  %d (tolerance -%.1f)\n",
		pinned.ExpectedReadiness, pinned.Tolerances.Readiness)
	fmt.Printf("Duration:   %.1fs (spike allowance +%.0f%%)\n",
		pinned.ExpectedDuration, pinned.Tolerances.DurationSpikePercent)

	services := make([]string, 0, len(pinned.ServiceScores))
	for name := range pinned.ServiceScores {
		services = append(services, name)
	}
	sort.Strings(services)
	rows := make([][]string, 0, len(services))
	for _, name := range services {
		rows = append(rows, []string{name, fmt.Sprintf("%d", pinned.ServiceScores[name])})
	}
	fmt.Println()
	fmt.Print(table([]string{"SERVICE", "SCORE"}, rows))
	return nil
}

func runBaselineUnpin(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	if err := a.baselines.Unpin(args[0]); err != nil {
		outputError("unpin baseline", err)
		return err
	}
	fmt.Printf("baseline removed for %s\n", args[0])
	return nil
}
