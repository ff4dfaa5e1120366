// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"errors"
	"sort"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
	"github.com/drydock-io/drydock/services/rehearsal/ledger"
)

// Coverage statuses beyond the baseline verdicts.
const (
	StatusNoRuns    = "NO_RUNS"
	StatusUnwatched = "UNWATCHED"
)

// StackCoverage is one stack's position in the fleet coverage report.
type StackCoverage struct {
	Stack   string `json:"stack"`
	Watched bool   `json:"watched"`
	// HasBaseline means a restore contract is pinned.
	HasBaseline bool `json:"has_baseline"`
	// HasHistory means at least one rehearsal has been recorded.
	HasHistory bool `json:"has_history"`
	// Status is CONTRACT_HONOURED, DRIFT_DETECTED, NO_BASELINE,
	// NO_RUNS or UNWATCHED.
	Status string `json:"status"`
	// Confidence and Readiness mirror the latest run; nil without history.
	Confidence *float64 `json:"confidence,omitempty"`
	Readiness  *int     `json:"readiness,omitempty"`
}

// CoverageSummary is the fleet-wide rollup.
type CoverageSummary struct {
	TotalWatched int `json:"total_watched"`
	// WithBaseline counts watched stacks holding a pinned contract.
	WithBaseline int `json:"with_baseline"`
	// HonouringContract counts watched stacks currently inside tolerance.
	HonouringContract int `json:"honouring_contract"`
	// Uncontracted counts watched stacks rehearsing blind: history but
	// no baseline to judge it against.
	Uncontracted int `json:"uncontracted"`
	// NeverRehearsed counts watched stacks with no history at all.
	NeverRehearsed int `json:"never_rehearsed"`
	// CoveragePct is the percentage of watched stacks honouring their
	// contract, 0-100.
	CoveragePct int             `json:"coverage_pct"`
	Stacks      []StackCoverage `json:"stacks"`
}

// BuildCoverage joins the watch registry, the baseline engine and the
// ledger into a fleet coverage report.
//
// # Description
//
//	Every watched stack gets a row; stacks with ledger history that are
//	not watched appear as UNWATCHED but stay out of the percentages.
//	Rows sort honouring first, then drift, then no baseline, then the
//	rest, with stack name breaking ties.
func BuildCoverage(reg *Registry, baselines *baseline.Engine, runs *ledger.Ledger) (*CoverageSummary, error) {
	entries, err := reg.List()
	if err != nil {
		return nil, err
	}

	summary := &CoverageSummary{Stacks: []StackCoverage{}}
	watched := make(map[string]bool, len(entries))
	for _, entry := range entries {
		watched[entry.Stack] = true
		row, err := coverageRow(entry.Stack, true, baselines, runs)
		if err != nil {
			return nil, err
		}
		summary.Stacks = append(summary.Stacks, row)
	}

	historied, err := runs.Stacks()
	if err != nil {
		return nil, err
	}
	for _, stack := range historied {
		if watched[stack] {
			continue
		}
		row, err := coverageRow(stack, false, baselines, runs)
		if err != nil {
			return nil, err
		}
		row.Status = StatusUnwatched
		summary.Stacks = append(summary.Stacks, row)
	}

	for _, row := range summary.Stacks {
		if !row.Watched {
			continue
		}
		summary.TotalWatched++
		if row.HasBaseline {
			summary.WithBaseline++
		}
		switch {
		case row.Status == string(baseline.VerdictHonoured):
			summary.HonouringContract++
		case row.HasHistory && !row.HasBaseline:
			summary.Uncontracted++
		}
		if !row.HasHistory {
			summary.NeverRehearsed++
		}
	}
	if summary.TotalWatched > 0 {
		summary.CoveragePct = summary.HonouringContract * 100 / summary.TotalWatched
	}

	sort.SliceStable(summary.Stacks, func(i, j int) bool {
		a, b := summary.Stacks[i], summary.Stacks[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		return a.Stack < b.Stack
	})
	return summary, nil
}

func coverageRow(stack string, isWatched bool, baselines *baseline.Engine, runs *ledger.Ledger) (StackCoverage, error) {
	row := StackCoverage{Stack: stack, Watched: isWatched}

	if _, err := baselines.Get(stack); err == nil {
		row.HasBaseline = true
	} else if !errors.Is(err, baseline.ErrNoBaseline) {
		return row, err
	}

	latest, err := runs.Latest(stack)
	if errors.Is(err, ledger.ErrNoRuns) {
		row.Status = StatusNoRuns
		return row, nil
	}
	if err != nil {
		return row, err
	}
	row.HasHistory = true
	row.Confidence = &latest.Confidence
	row.Readiness = &latest.Readiness

	drift, err := baselines.Compare(latest)
	if err != nil {
		return row, err
	}
	row.Status = string(drift.Verdict)
	return row, nil
}

func statusRank(status string) int {
	switch status {
	case string(baseline.VerdictHonoured):
		return 0
	case string(baseline.VerdictDrift):
		return 1
	case string(baseline.VerdictNoBaseline):
		return 2
	default:
		return 3
	}
}
