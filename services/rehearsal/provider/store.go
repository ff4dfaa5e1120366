// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/drydock-io/drydock/services/rehearsal/storage/badgerdb"
)

// ErrNotConfigured means the stack declares no backup provider.
var ErrNotConfigured = errors.New("no backup provider configured for stack")

// Store persists per-stack provider declarations.
type Store struct {
	store  *badgerdb.Store
	logger *slog.Logger
}

// NewStore creates a provider store over an open database.
func NewStore(store *badgerdb.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, logger: logger}
}

func providerKey(stack string) []byte {
	return []byte("provider/" + stack)
}

// Set validates and persists a stack's provider declaration.
func (s *Store) Set(stack string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}
	if err := s.store.Update(func(txn *badger.Txn) error {
		return txn.Set(providerKey(stack), raw)
	}); err != nil {
		return fmt.Errorf("store provider config: %w", err)
	}
	s.logger.Info("provider configured",
		slog.String("stack", stack), slog.String("type", cfg.Type))
	return nil
}

// Get returns the stack's provider declaration, or ErrNotConfigured.
func (s *Store) Get(stack string) (Config, error) {
	var cfg Config
	err := s.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(providerKey(stack))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotConfigured
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cfg)
		})
	})
	return cfg, err
}

// Delete removes a stack's provider declaration.
func (s *Store) Delete(stack string) error {
	return s.store.Update(func(txn *badger.Txn) error {
		return txn.Delete(providerKey(stack))
	})
}
