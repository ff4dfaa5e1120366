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

	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
)

// statusCmd summarizes the latest rehearsal of every known stack.
//
// # Examples
//
//	drydock status
//	drydock status --json
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest rehearsal verdict for every stack",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type stackSummary struct {
	Stack      string    `json:"stack"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Risk       string    `json:"risk"`
	Readiness  int       `json:"readiness"`
	Stability  float64   `json:"stability"`
	Verdict    string    `json:"verdict"`
	ExitCode   int       `json:"exit_code"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	stacks, err := a.runs.Stacks()
	if err != nil {
		outputError("list stacks", err)
		return err
	}

	summaries := make([]stackSummary, 0, len(stacks))
	for _, stack := range stacks {
		latest, err := a.runs.Latest(stack)
		if errors.Is(err, ledger.ErrNoRuns) {
			continue
		}
		if err != nil {
			outputError("read ledger", err)
			return err
		}
		confidences, err := a.runs.RecentConfidences(stack, 5)
		if err != nil {
			outputError("read ledger", err)
			return err
		}
		summaries = append(summaries, stackSummary{
			Stack:      stack,
			Timestamp:  latest.Timestamp,
			Confidence: latest.Confidence,
			Risk:       string(latest.Risk),
			Readiness:  latest.Readiness,
			Stability:  scoring.Stability(confidences),
			Verdict:    verdictWord(latest.ExitCode, latest.Fatal),
			ExitCode:   latest.ExitCode,
		})
	}

	if jsonOutput {
		return outputJSON(summaries)
	}
	if len(summaries) == 0 {
		fmt.Println(styles.Muted.Render("no rehearsals recorded yet"))
		return nil
	}

	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.Stack,
			riskStyle(scoring.Risk(s.Risk)).Render(fmt.Sprintf("%.1f", s.Confidence)),
			s.Risk,
			fmt.Sprintf("%d", s.Readiness),
			fmt.Sprintf("%.1f", s.Stability),
			s.Verdict,
			s.Timestamp.Local().Format("2006-01-02 15:04"),
		})
	}
	fmt.Print(table(
		[]string{"STACK", "CONFIDENCE", "RISK", "READINESS", "STABILITY", "VERDICT", "WHEN"},
		rows))
	return nil
}
