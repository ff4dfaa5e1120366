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

	"github.com/spf13/cobra"

	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var historyLimit int

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// historyCmd lists a stack's recorded rehearsals, newest first.
//
// # Examples
//
//	drydock history shop
//	drydock history shop -n 20
var historyCmd = &cobra.Command{
	Use:   "history <stack>",
	Short: "List recorded rehearsals for a stack, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

// verifyCmd re-walks the hash chain and reports any tampering.
var verifyCmd = &cobra.Command{
	Use:   "verify [stack]",
	Short: "Verify ledger integrity for one stack or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVerify,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10,
		"Maximum number of runs to show")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(verifyCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	records, err := a.runs.Recent(args[0], historyLimit)
	if errors.Is(err, ledger.ErrNoRuns) {
		fmt.Println(styles.Muted.Render("no rehearsals recorded for " + args[0]))
		return nil
	}
	if err != nil {
		outputError("read ledger", err)
		return err
	}

	if jsonOutput {
		return outputJSON(records)
	}

	fmt.Println(styles.Title.Render("History: " + args[0]))
	rows := make([][]string, 0, len(records))
	var prev *ledger.RunRecord
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		trendMark := " "
		if prev != nil {
			trend := scoring.TrendAgainst(rec.Confidence, prev.Confidence)
			switch trend.Direction {
			case scoring.TrendUp:
				trendMark = styles.Pass.Render("+")
			case scoring.TrendDown:
				trendMark = styles.High.Render("-")
			case scoring.TrendSame:
				trendMark = "="
			}
		}
		rows = append([][]string{{
			fmt.Sprintf("%d", rec.Seq),
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			riskStyle(rec.Risk).Render(fmt.Sprintf("%.1f", rec.Confidence)) + trendMark,
			string(rec.Risk),
			fmt.Sprintf("%.1fs", rec.DurationSeconds),
			verdictWord(rec.ExitCode, rec.Fatal),
		}}, rows...)
		prev = rec
	}
	fmt.Print(table(
		[]string{"SEQ", "WHEN", "CONFIDENCE", "RISK", "DURATION", "VERDICT"},
		rows))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		err = a.runs.VerifyChain(args[0])
	} else {
		err = a.runs.VerifyAll()
	}
	if err != nil {
		var chainErr *ledger.ChainError
		if errors.As(err, &chainErr) {
			fmt.Println(styles.Critical.Render(
				fmt.Sprintf("INTEGRITY FAILURE: stack %s seq %d: %s",
					chainErr.Stack, chainErr.Seq, chainErr.Reason)))
			commandExitCode = 1
			return err
		}
		outputError("verify ledger", err)
		return err
	}
	fmt.Println(styles.Pass.Render("ledger verified: every hash chains"))
	return nil
}
