// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy turns a scored rehearsal into an enforceable verdict.
//
// Evaluation is pure: it reads the run record, the drift comparison and
// the trend, and produces violations plus a process exit code. All
// persistence lives in the Store.
package policy

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
)

// Process exit codes, ordered by precedence (highest wins).
const (
	ExitPass           = 0
	ExitFatal          = 1 // infrastructure failure before scoring
	ExitDegraded       = 2 // confidence in the HIGH band
	ExitCriticalConf   = 3 // confidence in the CRITICAL band
	ExitPolicyViolated = 4
	ExitBaselineDrift  = 5
)

// Policy is the operator-declared acceptance contract for rehearsals.
type Policy struct {
	MinConfidence        float64 `json:"min_confidence" validate:"gte=0,lte=100"`
	MinReadiness         int     `json:"min_readiness" validate:"gte=0,lte=100"`
	BlockOnRegression    bool    `json:"block_on_regression"`
	FailOnBaselineDrift  bool    `json:"fail_on_baseline_drift"`
	FailOnDurationSpike  bool    `json:"fail_on_duration_spike"`
	DurationSpikePercent float64 `json:"duration_spike_percent" validate:"gte=0"`
	FailOnServiceFailure bool    `json:"fail_on_service_failure"`
}

// Default returns the permissive policy: band-based exit codes only,
// nothing extra enforced.
func Default() Policy {
	return Policy{DurationSpikePercent: 50}
}

var validate = validator.New()

// Validate checks field ranges before a policy is persisted.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

// Violation is one failed policy clause.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Result is the outcome of policy evaluation.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
	ExitCode   int         `json:"exit_code"`
}

// Passed reports whether the rehearsal cleared the policy and the bands.
func (r *Result) Passed() bool {
	return r.ExitCode == ExitPass
}

// Evaluate applies a policy to a scored run.
//
// # Description
//
//	Collects violations, then picks the exit code by precedence:
//	fatal > critical confidence > baseline drift > policy violation >
//	degraded confidence > pass. The duration-spike clause compares
//	against the immediately preceding run (prevDuration; zero disables
//	it); baseline drift has its own duration comparison against the
//	pinned contract.
//
// # Inputs
//
//	rec - The run under judgement.
//	drift - Baseline comparison; NO_BASELINE never violates.
//	trend - Confidence movement vs the preceding run.
//	prevDuration - Preceding run's duration in seconds, 0 if none.
//	pol - Policy to enforce.
func Evaluate(rec *ledger.RunRecord, drift *baseline.Drift, trend scoring.Trend, prevDuration float64, pol Policy) *Result {
	res := &Result{}

	if pol.MinConfidence > 0 && rec.Confidence < pol.MinConfidence {
		res.Violations = append(res.Violations, Violation{
			Rule:    "min_confidence",
			Message: fmt.Sprintf("confidence %.1f below required %.1f", rec.Confidence, pol.MinConfidence),
		})
	}
	if pol.MinReadiness > 0 && rec.Readiness < pol.MinReadiness {
		res.Violations = append(res.Violations, Violation{
			Rule:    "min_readiness",
			Message: fmt.Sprintf("readiness %d below required %d", rec.Readiness, pol.MinReadiness),
		})
	}
	if pol.BlockOnRegression && trend.Direction == scoring.TrendDown {
		res.Violations = append(res.Violations, Violation{
			Rule:    "block_on_regression",
			Message: fmt.Sprintf("confidence regressed %.1f against the previous run", trend.Delta),
		})
	}
	driftDetected := drift != nil && drift.Detected()
	if pol.FailOnBaselineDrift && driftDetected {
		res.Violations = append(res.Violations, Violation{
			Rule:    "fail_on_baseline_drift",
			Message: "run drifted from the pinned baseline",
		})
	}
	if pol.FailOnDurationSpike && prevDuration > 0 {
		allowed := prevDuration * (1 + pol.DurationSpikePercent/100)
		if rec.DurationSeconds > allowed {
			res.Violations = append(res.Violations, Violation{
				Rule: "fail_on_duration_spike",
				Message: fmt.Sprintf("duration %.1fs exceeds %.1fs (previous %.1fs + %.0f%% allowance)",
					rec.DurationSeconds, allowed, prevDuration, pol.DurationSpikePercent),
			})
		}
	}
	if pol.FailOnServiceFailure {
		for _, s := range rec.Scores {
			if s.Score == 0 {
				res.Violations = append(res.Violations, Violation{
					Rule:    "fail_on_service_failure",
					Message: fmt.Sprintf("service %s failed outright (%s)", s.Service, s.State),
				})
			}
		}
	}

	res.ExitCode = exitCode(rec, driftDetected && pol.FailOnBaselineDrift, len(res.Violations) > 0)
	return res
}

func exitCode(rec *ledger.RunRecord, driftFails, violated bool) int {
	switch {
	case rec.Fatal:
		return ExitFatal
	case rec.Confidence < 40:
		return ExitCriticalConf
	case driftFails:
		return ExitBaselineDrift
	case violated:
		return ExitPolicyViolated
	case rec.Confidence < 70:
		return ExitDegraded
	default:
		return ExitPass
	}
}
