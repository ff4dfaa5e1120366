// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drydock-io/drydock/services/rehearsal/ledger"
)

func TestNewEvent_SeverityByKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want Severity
	}{
		{KindFatalError, SeverityCritical},
		{KindProviderFailure, SeverityCritical},
		{KindPolicyViolation, SeverityWarning},
		{KindBaselineDrift, SeverityWarning},
		{KindRecovered, SeverityRecovery},
	}
	for _, tc := range cases {
		evt := NewEvent(tc.kind, "shop", "msg")
		assert.Equal(t, tc.want, evt.Severity, string(tc.kind))
		assert.False(t, evt.Time.IsZero())
	}
}

func TestShouldNotifyRecovery_OnlyOnTransition(t *testing.T) {
	failing := &ledger.RunRecord{ExitCode: 4}
	passing := &ledger.RunRecord{ExitCode: 0}
	fatal := &ledger.RunRecord{Fatal: true}

	assert.True(t, ShouldNotifyRecovery(failing, true))
	assert.True(t, ShouldNotifyRecovery(fatal, true))
	assert.False(t, ShouldNotifyRecovery(passing, true), "pass after pass stays quiet")
	assert.False(t, ShouldNotifyRecovery(failing, false), "still failing is not recovery")
	assert.False(t, ShouldNotifyRecovery(nil, true), "first run ever is not a recovery")
}

type captureDispatcher struct {
	events []Event
	err    error
}

func (c *captureDispatcher) Dispatch(_ context.Context, event Event) error {
	c.events = append(c.events, event)
	return c.err
}

func TestMulti_AttemptsAllReturnsFirstError(t *testing.T) {
	a := &captureDispatcher{err: errors.New("webhook down")}
	b := &captureDispatcher{}
	m := Multi{a, b}

	err := m.Dispatch(context.Background(), NewEvent(KindBaselineDrift, "shop", "drift"))
	assert.EqualError(t, err, "webhook down")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestLogDispatcher_NeverFails(t *testing.T) {
	d := NewLogDispatcher(nil)
	assert.NoError(t, d.Dispatch(context.Background(), NewEvent(KindFatalError, "shop", "boom")))
}
