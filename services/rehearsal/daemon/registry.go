// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package daemon keeps stacks rehearsed continuously: manifest edits and
// cron schedules trigger runs through a bounded worker pool, and an HTTP
// surface reports per-stack status.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/drydock-io/drydock/services/rehearsal/storage/badgerdb"
)

// ErrNotWatched means the stack has no watch entry.
var ErrNotWatched = errors.New("stack is not being watched")

// WatchEntry declares continuous rehearsal for one stack.
type WatchEntry struct {
	Stack        string `json:"stack" validate:"required"`
	ManifestPath string `json:"manifest_path" validate:"required"`
	// Schedule is a standard 5-field cron expression; empty means
	// file-watch only.
	Schedule string `json:"schedule,omitempty"`
	// CatchUp runs a missed scheduled rehearsal on daemon startup
	// (bounded by the catch-up lookback window).
	CatchUp         bool   `json:"catch_up"`
	StrictIntegrity bool   `json:"strict_integrity"`
	PullPolicy      string `json:"pull_policy,omitempty" validate:"omitempty,oneof=always if-missing"`
}

var validate = validator.New()

// Validate checks the entry, including the cron expression.
func (w WatchEntry) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("invalid watch entry: %w", err)
	}
	if w.Schedule != "" {
		if _, err := cron.ParseStandard(w.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", w.Schedule, err)
		}
	}
	return nil
}

// CronSchedule parses the entry's schedule. Call only after Validate.
func (w WatchEntry) CronSchedule() (cron.Schedule, error) {
	return cron.ParseStandard(w.Schedule)
}

// Registry persists watch entries and scheduler state.
type Registry struct {
	store  *badgerdb.Store
	logger *slog.Logger
}

// NewRegistry creates a registry over an open store.
func NewRegistry(store *badgerdb.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

func watchKey(stack string) []byte {
	return []byte("watch/" + stack)
}

func lastRunKey(stack string) []byte {
	return []byte("sched/" + stack)
}

// Set validates and persists a watch entry.
func (r *Registry) Set(entry WatchEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal watch entry: %w", err)
	}
	if err := r.store.Update(func(txn *badger.Txn) error {
		return txn.Set(watchKey(entry.Stack), raw)
	}); err != nil {
		return fmt.Errorf("store watch entry: %w", err)
	}
	r.logger.Info("stack watched",
		slog.String("stack", entry.Stack),
		slog.String("schedule", entry.Schedule))
	return nil
}

// Get returns one watch entry, or ErrNotWatched.
func (r *Registry) Get(stack string) (WatchEntry, error) {
	var entry WatchEntry
	err := r.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(watchKey(stack))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotWatched
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	return entry, err
}

// List returns every watch entry, sorted by stack.
func (r *Registry) List() ([]WatchEntry, error) {
	var entries []WatchEntry
	err := r.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("watch/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var entry WatchEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Stack < entries[j].Stack })
	return entries, nil
}

// Delete removes a watch entry and its scheduler state.
func (r *Registry) Delete(stack string) error {
	return r.store.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(watchKey(stack)); err != nil {
			return err
		}
		return txn.Delete(lastRunKey(stack))
	})
}

// LastRun returns the recorded last scheduled trigger, zero when none.
func (r *Registry) LastRun(stack string) (time.Time, error) {
	var ts time.Time
	err := r.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastRunKey(stack))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, perr := time.Parse(time.RFC3339, string(val))
			if perr != nil {
				return perr
			}
			ts = parsed
			return nil
		})
	})
	return ts, err
}

// SetLastRun records the scheduler watermark for a stack.
func (r *Registry) SetLastRun(stack string, ts time.Time) error {
	return r.store.Update(func(txn *badger.Txn) error {
		return txn.Set(lastRunKey(stack), []byte(ts.UTC().Format(time.RFC3339)))
	})
}
