// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/drydock-io/drydock/services/rehearsal/storage/badgerdb"
)

// Store persists per-stack policies. A stack without its own policy
// falls back to the permissive default.
type Store struct {
	store  *badgerdb.Store
	logger *slog.Logger
}

// NewStore creates a policy store over an open database.
func NewStore(store *badgerdb.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, logger: logger}
}

func policyKey(stack string) []byte {
	return []byte("policy/" + stack)
}

// Set validates and persists a stack's policy.
func (s *Store) Set(stack string, pol Policy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(pol)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if err := s.store.Update(func(txn *badger.Txn) error {
		return txn.Set(policyKey(stack), raw)
	}); err != nil {
		return fmt.Errorf("store policy: %w", err)
	}
	s.logger.Info("policy updated", slog.String("stack", stack))
	return nil
}

// Get returns the stack's policy, or the default when none is set.
func (s *Store) Get(stack string) (Policy, error) {
	pol := Default()
	err := s.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(policyKey(stack))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &pol)
		})
	})
	if err != nil {
		return Default(), fmt.Errorf("load policy: %w", err)
	}
	return pol, nil
}

// Delete removes a stack's policy; it falls back to the default.
func (s *Store) Delete(stack string) error {
	return s.store.Update(func(txn *badger.Txn) error {
		return txn.Delete(policyKey(stack))
	})
}
