// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify models the events a rehearsal may raise and decides
// when to raise them.
//
// Transports (webhook, email) are external collaborators behind the
// Dispatcher interface; in-tree there is a structured-log dispatcher.
// Guard skips never raise events.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/drydock-io/drydock/services/rehearsal/ledger"
)

// Severity classifies an event for routing.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityRecovery Severity = "RECOVERY"
)

// Kind names what happened.
type Kind string

const (
	// KindFatalError: the rehearsal aborted on infrastructure failure.
	KindFatalError Kind = "rehearsal-fatal-error"
	// KindProviderFailure: the backup repository failed verification.
	KindProviderFailure Kind = "provider-verification-failed"
	// KindPolicyViolation: the run finished but violated policy.
	KindPolicyViolation Kind = "policy-violation"
	// KindBaselineDrift: the run drifted from the pinned contract.
	KindBaselineDrift Kind = "baseline-drift"
	// KindRecovered: the stack passed after a failing run.
	KindRecovered Kind = "rehearsal-recovered"
)

// Event is one notification.
type Event struct {
	Kind     Kind      `json:"kind"`
	Severity Severity  `json:"severity"`
	Stack    string    `json:"stack"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// NewEvent builds an event with the severity its kind implies.
func NewEvent(kind Kind, stack, message string) Event {
	return Event{
		Kind:     kind,
		Severity: severityOf(kind),
		Stack:    stack,
		Message:  message,
		Time:     time.Now().UTC(),
	}
}

func severityOf(kind Kind) Severity {
	switch kind {
	case KindFatalError, KindProviderFailure:
		return SeverityCritical
	case KindRecovered:
		return SeverityRecovery
	default:
		return SeverityWarning
	}
}

// ShouldNotifyRecovery reports whether a passing run is a recovery worth
// announcing: only the transition out of a failing state fires, so a
// healthy stack stays quiet run after run.
func ShouldNotifyRecovery(previous *ledger.RunRecord, currentPassing bool) bool {
	if !currentPassing || previous == nil {
		return false
	}
	return !previous.Passing()
}

// Dispatcher delivers events somewhere.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// LogDispatcher emits events as structured log lines.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates the default dispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.String("stack", event.Stack),
		slog.String("message", event.Message),
	}
	switch event.Severity {
	case SeverityCritical:
		d.logger.Error("rehearsal event", attrs...)
	case SeverityRecovery:
		d.logger.Info("rehearsal event", attrs...)
	default:
		d.logger.Warn("rehearsal event", attrs...)
	}
	return nil
}

// Multi fans one event out to several dispatchers; the first error wins
// but every dispatcher is attempted.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, event Event) error {
	var firstErr error
	for _, d := range m {
		if err := d.Dispatch(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
