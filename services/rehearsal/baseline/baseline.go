// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package baseline stores the pinned contract of a stack and compares
// rehearsal outcomes against it.
//
// A baseline captures expectations by value at pin time; later runs never
// mutate it. Only the explicit pin and promote operations write here, so
// a drifting stack keeps reporting drift until an operator re-accepts it.
package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/storage/badgerdb"
)

// Verdict is the outcome of comparing a run against the pinned contract.
type Verdict string

const (
	VerdictHonoured   Verdict = "CONTRACT_HONOURED"
	VerdictDrift      Verdict = "DRIFT_DETECTED"
	VerdictNoBaseline Verdict = "NO_BASELINE"
)

// ErrNoBaseline means the stack has no pinned contract.
var ErrNoBaseline = errors.New("no baseline pinned for stack")

// Tolerances bound how far a run may fall below the pinned expectations
// before it counts as drift.
type Tolerances struct {
	Confidence           float64 `json:"confidence"`
	Readiness            float64 `json:"readiness"`
	DurationSpikePercent float64 `json:"duration_spike_percent"`
}

// DefaultTolerances allows small wobble without crying wolf.
func DefaultTolerances() Tolerances {
	return Tolerances{
		Confidence:           2.0,
		Readiness:            5.0,
		DurationSpikePercent: 50.0,
	}
}

// Baseline is the pinned contract of one stack.
type Baseline struct {
	Stack              string         `json:"stack"`
	ExpectedServices   []string       `json:"expected_services"`
	ServiceScores      map[string]int `json:"service_scores"`
	ExpectedConfidence float64        `json:"expected_confidence"`
	ExpectedReadiness  int            `json:"expected_readiness"`
	ExpectedDuration   float64        `json:"expected_duration_seconds"`
	Tolerances         Tolerances     `json:"tolerances"`
	PinnedAt           time.Time      `json:"pinned_at"`
	// PromotedAt is set when the contract came from promoting a recorded
	// run rather than an explicit pin.
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
}

// Drift is the full comparison result.
type Drift struct {
	Verdict              Verdict  `json:"verdict"`
	NewServices          []string `json:"new_services,omitempty"`
	MissingServices      []string `json:"missing_services,omitempty"`
	ConfidenceDelta      float64  `json:"confidence_delta"`
	ReadinessDelta       float64  `json:"readiness_delta"`
	DurationDeltaPercent float64  `json:"duration_delta_percent"`
	Reasons              []string `json:"reasons,omitempty"`
}

// Detected reports whether the verdict is drift.
func (d *Drift) Detected() bool {
	return d.Verdict == VerdictDrift
}

// Engine persists baselines and evaluates drift.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	store  *badgerdb.Store
	runs   *ledger.Ledger
	logger *slog.Logger
}

// NewEngine creates a baseline engine. The ledger is consulted only by
// the promote operations.
func NewEngine(store *badgerdb.Store, runs *ledger.Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, runs: runs, logger: logger}
}

func baselineKey(stack string) []byte {
	return []byte("baseline/" + stack)
}

// Get loads the pinned contract, or ErrNoBaseline.
func (e *Engine) Get(stack string) (*Baseline, error) {
	var b *Baseline
	err := e.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(baselineKey(stack))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoBaseline
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			b = &Baseline{}
			return json.Unmarshal(val, b)
		})
	})
	return b, err
}

// Pin captures a run as the stack's contract.
//
// # Inputs
//
//	rec - The run whose observed behaviour becomes the expectation.
//	tol - Drift tolerances; zero-value fields fall back to defaults.
func (e *Engine) Pin(rec *ledger.RunRecord, tol Tolerances) (*Baseline, error) {
	return e.save(rec, tol, nil)
}

// PromoteLatest pins the newest recorded run.
func (e *Engine) PromoteLatest(stack string, tol Tolerances) (*Baseline, error) {
	rec, err := e.runs.Latest(stack)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return e.save(rec, tol, &now)
}

// PromoteByTimestamp pins the run whose timestamp matches the prefix.
func (e *Engine) PromoteByTimestamp(stack, tsPrefix string, tol Tolerances) (*Baseline, error) {
	rec, err := e.runs.FindByTimestampPrefix(stack, tsPrefix)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return e.save(rec, tol, &now)
}

func (e *Engine) save(rec *ledger.RunRecord, tol Tolerances, promotedAt *time.Time) (*Baseline, error) {
	defaults := DefaultTolerances()
	if tol.Confidence <= 0 {
		tol.Confidence = defaults.Confidence
	}
	if tol.Readiness <= 0 {
		tol.Readiness = defaults.Readiness
	}
	if tol.DurationSpikePercent <= 0 {
		tol.DurationSpikePercent = defaults.DurationSpikePercent
	}

	services := rec.ServiceNames()
	sort.Strings(services)
	scores := make(map[string]int, len(rec.Scores))
	for _, s := range rec.Scores {
		scores[s.Service] = s.Score
	}

	b := &Baseline{
		Stack:              rec.Stack,
		ExpectedServices:   services,
		ServiceScores:      scores,
		ExpectedConfidence: rec.Confidence,
		ExpectedReadiness:  rec.Readiness,
		ExpectedDuration:   rec.DurationSeconds,
		Tolerances:         tol,
		PinnedAt:           time.Now().UTC(),
		PromotedAt:         promotedAt,
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal baseline: %w", err)
	}
	if err := e.store.Update(func(txn *badger.Txn) error {
		return txn.Set(baselineKey(rec.Stack), raw)
	}); err != nil {
		return nil, fmt.Errorf("store baseline: %w", err)
	}

	e.logger.Info("baseline pinned",
		slog.String("stack", rec.Stack),
		slog.Float64("expected_confidence", b.ExpectedConfidence),
		slog.Bool("promoted", promotedAt != nil))
	return b, nil
}

// Unpin removes the contract. Missing baseline is a no-op.
func (e *Engine) Unpin(stack string) error {
	return e.store.Update(func(txn *badger.Txn) error {
		return txn.Delete(baselineKey(stack))
	})
}

// Compare evaluates a run against the pinned contract. Read-only: calling
// it any number of times leaves the baseline untouched.
//
// # Description
//
//	Drift is declared when the service set changed, confidence or
//	readiness fell below expectation by more than its tolerance, or the
//	run duration exceeded the pinned duration by more than the allowed
//	spike. With no pinned contract the verdict is NO_BASELINE.
func (e *Engine) Compare(rec *ledger.RunRecord) (*Drift, error) {
	b, err := e.Get(rec.Stack)
	if errors.Is(err, ErrNoBaseline) {
		return &Drift{Verdict: VerdictNoBaseline}, nil
	}
	if err != nil {
		return nil, err
	}

	drift := &Drift{Verdict: VerdictHonoured}

	current := rec.ServiceNames()
	sort.Strings(current)
	drift.NewServices, drift.MissingServices = diffSets(b.ExpectedServices, current)
	if len(drift.NewServices) > 0 || len(drift.MissingServices) > 0 {
		drift.Reasons = append(drift.Reasons, fmt.Sprintf(
			"service set changed: %d new, %d missing",
			len(drift.NewServices), len(drift.MissingServices)))
	}

	drift.ConfidenceDelta = rec.Confidence - b.ExpectedConfidence
	if rec.Confidence < b.ExpectedConfidence-b.Tolerances.Confidence {
		drift.Reasons = append(drift.Reasons, fmt.Sprintf(
			"confidence %.1f below pinned %.1f (tolerance %.1f)",
			rec.Confidence, b.ExpectedConfidence, b.Tolerances.Confidence))
	}

	drift.ReadinessDelta = float64(rec.Readiness - b.ExpectedReadiness)
	if float64(rec.Readiness) < float64(b.ExpectedReadiness)-b.Tolerances.Readiness {
		drift.Reasons = append(drift.Reasons, fmt.Sprintf(
			"readiness %d below pinned %d (tolerance %.0f)",
			rec.Readiness, b.ExpectedReadiness, b.Tolerances.Readiness))
	}

	if b.ExpectedDuration > 0 {
		drift.DurationDeltaPercent = (rec.DurationSeconds - b.ExpectedDuration) / b.ExpectedDuration * 100
		if drift.DurationDeltaPercent > b.Tolerances.DurationSpikePercent {
			drift.Reasons = append(drift.Reasons, fmt.Sprintf(
				"duration %.1fs is %.0f%% over pinned %.1fs",
				rec.DurationSeconds, drift.DurationDeltaPercent, b.ExpectedDuration))
		}
	}

	if len(drift.Reasons) > 0 {
		drift.Verdict = VerdictDrift
	}
	return drift, nil
}

// diffSets returns elements only in current (new) and only in expected
// (missing). Both inputs must be sorted.
func diffSets(expected, current []string) (newSvcs, missing []string) {
	i, j := 0, 0
	for i < len(expected) && j < len(current) {
		switch {
		case expected[i] == current[j]:
			i++
			j++
		case expected[i] < current[j]:
			missing = append(missing, expected[i])
			i++
		default:
			newSvcs = append(newSvcs, current[j])
			j++
		}
	}
	missing = append(missing, expected[i:]...)
	newSvcs = append(newSvcs, current[j:]...)
	return newSvcs, missing
}
