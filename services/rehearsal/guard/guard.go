// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package guard serializes rehearsals per stack.
//
// A stack is rehearsed by at most one runner at a time. A second trigger
// while a rehearsal is in flight is a deliberate skip, not a failure:
// callers record it and move on.
package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BusyError reports that a stack is already being rehearsed.
type BusyError struct {
	Stack string
	Since time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("stack %s is already being rehearsed (since %s)",
		e.Stack, e.Since.Format(time.RFC3339))
}

// Keeper hands out per-stack try-locks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Keeper struct {
	mu     sync.Mutex
	held   map[string]time.Time
	logger *slog.Logger
}

// NewKeeper creates an empty keeper.
func NewKeeper(logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{held: make(map[string]time.Time), logger: logger}
}

// TryAcquire claims a stack for one rehearsal.
//
// # Outputs
//
//	release - Returns the stack; call exactly once, idempotence is not
//	provided. Always non-nil on success.
//	error - *BusyError when the stack is already claimed.
func (k *Keeper) TryAcquire(stack string) (release func(), err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if since, busy := k.held[stack]; busy {
		return nil, &BusyError{Stack: stack, Since: since}
	}
	k.held[stack] = time.Now().UTC()
	k.logger.Debug("stack claimed", slog.String("stack", stack))

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, stack)
			k.mu.Unlock()
			k.logger.Debug("stack released", slog.String("stack", stack))
		})
	}, nil
}

// Held reports whether a stack is currently claimed.
func (k *Keeper) Held(stack string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, busy := k.held[stack]
	return busy
}
