// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerdb opens and manages the embedded BadgerDB instances that
// back the run ledger, baselines, policies and daemon state.
//
// One database lives under the drydock home directory; tests use the
// in-memory mode so no disk state leaks between cases.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds open-time options for a store.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string
	// InMemory keeps everything in RAM; used by tests.
	InMemory bool
	// SyncWrites forces fsync on every commit. The ledger's
	// tamper-evidence is only as durable as its writes.
	SyncWrites bool
	// Logger receives BadgerDB's own log lines. Nil silences them.
	Logger *slog.Logger
	// GCInterval is how often value-log garbage collection runs when the
	// store is held open long-term (the daemon). Zero disables it.
	GCInterval time.Duration
}

// DefaultConfig returns production settings: durable writes, periodic GC.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 10 * time.Minute,
	}
}

// InMemoryConfig returns test settings: RAM-only, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter bridges slog to BadgerDB's printf-style Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store wraps a BadgerDB handle with lifecycle management.
//
// # Thread Safety
//
// Safe for concurrent use once opened.
type Store struct {
	db       *badger.DB
	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// Open opens (or creates) a store.
//
// # Outputs
//
//	*Store - Open handle. Caller must Close.
//	error - Missing path for a persistent store, or BadgerDB open failure.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		gcCtx, cancel := context.WithCancel(context.Background())
		s.gcCancel = cancel
		s.gcDone = make(chan struct{})
		go s.gcLoop(gcCtx, cfg.GCInterval, cfg.Logger)
	}
	return s, nil
}

// OpenInMemory opens a throwaway store for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

func (s *Store) gcLoop(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if logger != nil {
					logger.Warn("value log GC failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call once.
func (s *Store) Close() error {
	if s.gcCancel != nil {
		s.gcCancel()
		<-s.gcDone
	}
	return s.db.Close()
}

// Update runs fn in a read-write transaction.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	return s.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// DB exposes the underlying handle for iterator-heavy callers.
func (s *Store) DB() *badger.DB {
	return s.db
}
