// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"time"

	"github.com/robfig/cron/v3"
)

// CatchUpLookback bounds how far back a missed scheduled activation may
// be and still trigger a startup catch-up run. A day plus one hour
// covers daily schedules across a DST shift.
const CatchUpLookback = 25 * time.Hour

// Decision says what the scan loop should do for one stack.
type Decision int

const (
	// DecisionWait means the next activation is still in the future.
	DecisionWait Decision = iota
	// DecisionTrigger means a rehearsal is due now.
	DecisionTrigger
	// DecisionSkipStale means an activation was missed but fell outside
	// the catch-up window; the watermark should advance without a run.
	DecisionSkipStale
)

// Decide evaluates one stack's schedule against its watermark.
//
// # Inputs
//
//	sched - Parsed cron schedule.
//	lastRun - Watermark of the last trigger; zero means never.
//	now - Evaluation instant.
//
// # Outputs
//
//	Decision - What the scan loop should do.
//	time.Time - The activation instant being acted on (zero for DecisionWait).
func Decide(sched cron.Schedule, lastRun, now time.Time) (Decision, time.Time) {
	if lastRun.IsZero() {
		// A fresh entry anchors at now; the first run happens at the
		// next activation, not immediately.
		return DecisionWait, time.Time{}
	}
	next := sched.Next(lastRun)
	if next.After(now) {
		return DecisionWait, time.Time{}
	}
	if now.Sub(next) > CatchUpLookback {
		return DecisionSkipStale, next
	}
	return DecisionTrigger, next
}
