// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
	"github.com/drydock-io/drydock/services/rehearsal/daemon"
)

// coverageCmd reports how much of the fleet is provably restorable.
//
// # Description
//
// Joins the watch registry, the pinned baselines and the ledger into one
// answer to "which stacks would actually come back, and how sure are
// we": per-stack contract status plus the fleet percentage honouring
// its contract. A stack with history but no baseline is rehearsing
// blind; a watched stack with no history has proven nothing yet.
//
// # Examples
//
//	drydock coverage
//	drydock coverage --json
var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Show fleet restore coverage: contracts pinned and honoured",
	Args:  cobra.NoArgs,
	RunE:  runCoverage,
}

func init() {
	rootCmd.AddCommand(coverageCmd)
}

func runCoverage(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	summary, err := daemon.BuildCoverage(a.registry, a.baselines, a.runs)
	if err != nil {
		outputError("build coverage", err)
		return err
	}
	if jsonOutput {
		return outputJSON(summary)
	}

	fmt.Println(styles.Title.Render("Fleet coverage"))
	if len(summary.Stacks) == 0 {
		fmt.Println(styles.Muted.Render("no stacks watched or rehearsed"))
		return nil
	}

	rows := make([][]string, 0, len(summary.Stacks))
	for _, s := range summary.Stacks {
		confidence := "-"
		if s.Confidence != nil {
			confidence = fmt.Sprintf("%.1f", *s.Confidence)
		}
		readiness := "-"
		if s.Readiness != nil {
			readiness = fmt.Sprintf("%d", *s.Readiness)
		}
		rows = append(rows, []string{
			s.Stack,
			coverageStatusStyle(s.Status).Render(s.Status),
			fmt.Sprintf("%t", s.HasBaseline),
			confidence,
			readiness,
		})
	}
	fmt.Print(table([]string{"STACK", "STATUS", "BASELINE", "CONFIDENCE", "READINESS"}, rows))

	fmt.Printf("\n%d watched, %d with baseline, %d honouring, %d blind, %d never rehearsed\n",
		summary.TotalWatched, summary.WithBaseline, summary.HonouringContract,
		summary.Uncontracted, summary.NeverRehearsed)
	pctStyle := styles.Pass
	if summary.CoveragePct < 70 {
		pctStyle = styles.High
	}
	fmt.Printf("Coverage: %s of watched stacks honour their contract\n",
		pctStyle.Render(fmt.Sprintf("%d%%", summary.CoveragePct)))
	return nil
}

func coverageStatusStyle(status string) lipgloss.Style {
	switch status {
	case string(baseline.VerdictHonoured):
		return styles.Pass
	case string(baseline.VerdictDrift):
		return styles.Critical
	case string(baseline.VerdictNoBaseline), daemon.StatusNoRuns:
		return styles.Moderate
	default:
		return styles.Muted
	}
}
