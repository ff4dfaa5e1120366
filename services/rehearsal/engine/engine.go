// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine runs the full rehearsal pipeline:
//
//	resolve -> preflight -> orchestrate -> score -> record -> compare -> enforce
//
// One Run call produces at most one ledger record. Concurrency is guarded
// per stack; a second trigger while a rehearsal is in flight is reported
// as a skip, never a failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
	"github.com/drydock-io/drydock/services/rehearsal/compose"
	"github.com/drydock-io/drydock/services/rehearsal/guard"
	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/notify"
	"github.com/drydock-io/drydock/services/rehearsal/policy"
	"github.com/drydock-io/drydock/services/rehearsal/preflight"
	"github.com/drydock-io/drydock/services/rehearsal/provider"
	"github.com/drydock-io/drydock/services/rehearsal/sandbox"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
	"github.com/drydock-io/drydock/services/rehearsal/telemetry"
)

var tracer = otel.Tracer("drydock.engine")

// DefaultRunTimeout bounds one whole rehearsal.
const DefaultRunTimeout = 15 * time.Minute

// Request describes one rehearsal trigger.
type Request struct {
	Stack        string
	ManifestPath string
	// ManifestBytes bypasses the file read when set.
	ManifestBytes []byte

	PullPolicy sandbox.PullPolicy
	Timeout    time.Duration
	// StrictIntegrity verifies the stack's ledger chain first and fails
	// closed on any mismatch.
	StrictIntegrity bool
	// SkipProviderCheck bypasses backup verification even when a
	// provider is configured.
	SkipProviderCheck bool

	Sandbox sandbox.Options
}

// Outcome is everything a Run produced.
type Outcome struct {
	Skipped    bool
	SkipReason string

	Record    *ledger.RunRecord
	Preflight *preflight.Report
	Drift     *baseline.Drift
	Policy    *policy.Result
	ExitCode  int
}

// Deps are the collaborators a Rehearser wires together.
type Deps struct {
	Guard     *guard.Keeper
	Resolver  *compose.Resolver
	Preflight *preflight.Analyzer
	Runtime   sandbox.Runtime
	Ledger    *ledger.Ledger
	Baselines *baseline.Engine
	Policies  *policy.Store
	Providers *provider.Store
	Notifier  notify.Dispatcher
	// ProviderRunner overrides the CLI runner for backup verification;
	// nil uses the real binaries.
	ProviderRunner provider.CommandRunner
	Logger         *slog.Logger
}

// Rehearser executes rehearsals.
//
// # Thread Safety
//
// Safe for concurrent use; per-stack serialization comes from the guard.
type Rehearser struct {
	deps Deps
}

// New creates a rehearser. Guard, Resolver, Preflight, Runtime, Ledger,
// Baselines and Policies are required; Providers and Notifier may be nil
// when those features are unused.
func New(deps Deps) *Rehearser {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Rehearser{deps: deps}
}

// Run executes one rehearsal end to end.
//
// # Outputs
//
//	*Outcome - Always non-nil on a nil error, including guarded skips.
//	error - Fatal infrastructure failure: integrity breach, blocked
//	backup precondition, unresolvable manifest, unreachable runtime.
func (r *Rehearser) Run(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "engine.rehearse",
		trace.WithAttributes(attribute.String("stack", req.Stack)))
	defer span.End()

	release, err := r.deps.Guard.TryAcquire(req.Stack)
	if err != nil {
		var busy *guard.BusyError
		if errors.As(err, &busy) {
			telemetry.RehearsalSkipsTotal.WithLabelValues(req.Stack).Inc()
			r.deps.Logger.Info("rehearsal skipped",
				slog.String("stack", req.Stack),
				slog.String("reason", busy.Error()))
			return &Outcome{Skipped: true, SkipReason: busy.Error(), ExitCode: policy.ExitPass}, nil
		}
		return nil, err
	}
	defer release()

	if req.StrictIntegrity {
		if err := r.deps.Ledger.VerifyChain(req.Stack); err != nil {
			return r.fatal(ctx, req.Stack, fmt.Errorf("ledger integrity check failed: %w", err))
		}
	}

	if !req.SkipProviderCheck && r.deps.Providers != nil {
		if err := r.verifyProvider(ctx, req.Stack); err != nil {
			return r.fatal(ctx, req.Stack, err)
		}
	}

	manifest, err := r.resolveManifest(req)
	if err != nil {
		return r.fatal(ctx, req.Stack, fmt.Errorf("resolve manifest: %w", err))
	}

	networks, err := r.deps.Runtime.ListNetworkNames(ctx)
	if err != nil {
		return r.fatal(ctx, req.Stack, err)
	}
	pctx := preflight.NewContext(manifest, filepath.Dir(req.ManifestPath), networks)
	report := r.deps.Preflight.Evaluate(ctx, pctx)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := req.Sandbox
	if req.PullPolicy != "" {
		opts.PullPolicy = req.PullPolicy
	}
	if opts.HostEnv == nil {
		opts.HostEnv = pctx.HostEnv
	}
	orch := sandbox.NewOrchestrator(r.deps.Runtime, r.deps.Logger)
	result, err := orch.Execute(runCtx, manifest, opts)
	if err != nil {
		return r.fatal(ctx, req.Stack, err)
	}

	rec := r.buildRecord(manifest, result, report)
	// The run is recorded even when the overall deadline cut it short;
	// a truncated rehearsal proves nothing and must say so.
	if runCtx.Err() != nil {
		rec.Fatal = true
	}

	previous, err := r.deps.Ledger.Latest(req.Stack)
	if err != nil && !errors.Is(err, ledger.ErrNoRuns) {
		return r.fatal(ctx, req.Stack, err)
	}

	drift, err := r.deps.Baselines.Compare(rec)
	if err != nil {
		return r.fatal(ctx, req.Stack, err)
	}

	pol, err := r.deps.Policies.Get(req.Stack)
	if err != nil {
		return r.fatal(ctx, req.Stack, err)
	}

	var trend scoring.Trend
	var prevDuration float64
	if previous != nil {
		trend = scoring.TrendAgainst(rec.Confidence, previous.Confidence)
		prevDuration = previous.DurationSeconds
	}
	polResult := policy.Evaluate(rec, drift, trend, prevDuration, pol)
	// Verdict and violations are denormalized onto the record before the
	// append so the hash chain covers them.
	rec.Verdict = string(drift.Verdict)
	for _, v := range polResult.Violations {
		rec.Violations = append(rec.Violations, ledger.Violation{Rule: v.Rule, Message: v.Message})
	}
	rec.ExitCode = polResult.ExitCode

	if err := r.deps.Ledger.Append(rec); err != nil {
		return r.fatal(ctx, req.Stack, err)
	}

	r.observe(rec, drift, polResult)
	r.announce(ctx, rec, previous, drift, polResult)

	span.SetAttributes(
		attribute.Float64("confidence", rec.Confidence),
		attribute.String("risk", string(rec.Risk)),
		attribute.Int("exit_code", rec.ExitCode),
	)

	return &Outcome{
		Record:    rec,
		Preflight: report,
		Drift:     drift,
		Policy:    polResult,
		ExitCode:  rec.ExitCode,
	}, nil
}

func (r *Rehearser) resolveManifest(req Request) (*compose.Manifest, error) {
	if len(req.ManifestBytes) > 0 {
		return r.deps.Resolver.Resolve(req.Stack, req.ManifestBytes)
	}
	return r.deps.Resolver.ResolveFile(req.Stack, req.ManifestPath)
}

// verifyProvider enforces the backup precondition. A stack without a
// configured provider passes trivially.
func (r *Rehearser) verifyProvider(ctx context.Context, stack string) error {
	cfg, err := r.deps.Providers.Get(stack)
	if errors.Is(err, provider.ErrNotConfigured) {
		return nil
	}
	if err != nil {
		return err
	}
	verifier, err := provider.NewVerifier(cfg, r.deps.ProviderRunner)
	if err != nil {
		return err
	}
	verification, err := verifier.Verify(ctx)
	if err != nil {
		return fmt.Errorf("backup verification: %w", err)
	}
	if err := provider.CheckPrecondition(verification, cfg); err != nil {
		r.dispatch(ctx, notify.NewEvent(notify.KindProviderFailure, stack, err.Error()))
		return fmt.Errorf("backup precondition: %w", err)
	}
	return nil
}

func (r *Rehearser) buildRecord(m *compose.Manifest, result *sandbox.Result, report *preflight.Report) *ledger.RunRecord {
	scores := make([]scoring.ServiceScore, 0, len(m.BootOrder))
	for _, name := range m.BootOrder {
		obs := result.Observations[name]
		scores = append(scores, scoring.Score(name, obs.State, obs.Elapsed.Seconds()))
	}
	confidence := scoring.Confidence(scores)
	return &ledger.RunRecord{
		Stack:           m.Stack,
		ManifestDigest:  m.Digest,
		Timestamp:       time.Now().UTC(),
		Scores:          scores,
		Confidence:      confidence,
		Risk:            scoring.BandFor(confidence),
		Readiness:       report.Score,
		Findings:        report.Findings,
		DurationSeconds: result.Elapsed.Seconds(),
	}
}

func (r *Rehearser) observe(rec *ledger.RunRecord, drift *baseline.Drift, polResult *policy.Result) {
	result := "pass"
	switch {
	case rec.Fatal:
		result = "fatal"
	case rec.ExitCode != policy.ExitPass:
		result = "fail"
	}
	telemetry.RehearsalsTotal.WithLabelValues(rec.Stack, result).Inc()
	telemetry.RehearsalDuration.WithLabelValues(rec.Stack).Observe(rec.DurationSeconds)
	telemetry.Confidence.WithLabelValues(rec.Stack).Set(rec.Confidence)
	for _, v := range polResult.Violations {
		telemetry.PolicyViolationsTotal.WithLabelValues(rec.Stack, v.Rule).Inc()
	}
	if drift.Detected() {
		telemetry.BaselineDriftTotal.WithLabelValues(rec.Stack).Inc()
	}
}

// announce raises at most a handful of events per run: fatal, drift,
// violations, or the recovery transition. Skips never reach here.
func (r *Rehearser) announce(ctx context.Context, rec *ledger.RunRecord, previous *ledger.RunRecord, drift *baseline.Drift, polResult *policy.Result) {
	switch {
	case rec.Fatal:
		r.dispatch(ctx, notify.NewEvent(notify.KindFatalError, rec.Stack,
			"rehearsal aborted before completion"))
	case drift.Detected():
		r.dispatch(ctx, notify.NewEvent(notify.KindBaselineDrift, rec.Stack,
			fmt.Sprintf("drifted from pinned baseline: %v", drift.Reasons)))
	case len(polResult.Violations) > 0:
		r.dispatch(ctx, notify.NewEvent(notify.KindPolicyViolation, rec.Stack,
			fmt.Sprintf("%d policy violation(s)", len(polResult.Violations))))
	case notify.ShouldNotifyRecovery(previous, rec.Passing()):
		r.dispatch(ctx, notify.NewEvent(notify.KindRecovered, rec.Stack,
			fmt.Sprintf("stack recovered, confidence %.1f", rec.Confidence)))
	}
}

func (r *Rehearser) dispatch(ctx context.Context, event notify.Event) {
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.Dispatch(ctx, event); err != nil {
		r.deps.Logger.Warn("notification dispatch failed",
			slog.String("kind", string(event.Kind)),
			slog.String("error", err.Error()))
	}
}

// fatal raises the fatal event and surfaces the error with exit code 1.
func (r *Rehearser) fatal(ctx context.Context, stack string, err error) (*Outcome, error) {
	telemetry.RehearsalsTotal.WithLabelValues(stack, "fatal").Inc()
	r.dispatch(ctx, notify.NewEvent(notify.KindFatalError, stack, err.Error()))
	r.deps.Logger.Error("rehearsal failed fatally",
		slog.String("stack", stack),
		slog.String("error", err.Error()))
	return &Outcome{ExitCode: policy.ExitFatal}, err
}
