// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/drydock-io/drydock/services/rehearsal/storage/badgerdb"
)

var (
	// ErrNoRuns means the stack has no recorded rehearsals.
	ErrNoRuns = errors.New("no runs recorded for stack")
	// ErrNotFound means no record matched the requested selector.
	ErrNotFound = errors.New("run record not found")
)

// ChainError describes where and how chain verification failed.
type ChainError struct {
	Stack  string
	Seq    uint64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken for stack %s at seq %d: %s", e.Stack, e.Seq, e.Reason)
}

// Ledger is the Badger-backed run history.
//
// # Thread Safety
//
// Safe for concurrent use; appends for the same stack serialize on a
// read-modify-write transaction that retries on conflict.
type Ledger struct {
	store  *badgerdb.Store
	logger *slog.Logger
}

// New creates a ledger over an open store.
func New(store *badgerdb.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

func runPrefix(stack string) []byte {
	return []byte("run/" + stack + "/")
}

func runKey(stack string, seq uint64) []byte {
	key := runPrefix(stack)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// Append links a record to the chain and persists it.
//
// # Description
//
//	Loads the stack's latest record inside the write transaction, sets
//	Seq, PrevHash (GenesisHash when the chain is empty), SchemaVersion
//	and the content hash, then stores the record. Retries once on a
//	Badger write conflict.
//
// # Inputs
//
//	rec - Record to append. Seq, Hash, PrevHash and SchemaVersion are
//	overwritten; everything else must already be final.
func (l *Ledger) Append(rec *RunRecord) error {
	appendOnce := func() error {
		return l.store.Update(func(txn *badger.Txn) error {
			latest, err := latestInTxn(txn, rec.Stack)
			switch {
			case errors.Is(err, ErrNoRuns):
				rec.Seq = 1
				rec.PrevHash = GenesisHash
			case err != nil:
				return err
			default:
				rec.Seq = latest.Seq + 1
				rec.PrevHash = latest.Hash
			}

			rec.SchemaVersion = CurrentSchemaVersion
			hash, err := ComputeHash(rec)
			if err != nil {
				return err
			}
			rec.Hash = hash

			raw, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal run record: %w", err)
			}
			return txn.Set(runKey(rec.Stack, rec.Seq), raw)
		})
	}

	err := appendOnce()
	if errors.Is(err, badger.ErrConflict) {
		err = appendOnce()
	}
	if err != nil {
		return fmt.Errorf("append run record: %w", err)
	}

	l.logger.Info("run recorded",
		slog.String("stack", rec.Stack),
		slog.Uint64("seq", rec.Seq),
		slog.Float64("confidence", rec.Confidence),
		slog.String("risk", string(rec.Risk)))
	return nil
}

func latestInTxn(txn *badger.Txn, stack string) (*RunRecord, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = runPrefix(stack)
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration needs a seek key past the last possible entry.
	seek := append(runPrefix(stack), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(runPrefix(stack)) {
		return nil, ErrNoRuns
	}
	return decodeItem(it.Item())
}

func decodeItem(item *badger.Item) (*RunRecord, error) {
	var rec RunRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return &rec, nil
}

// Latest returns the newest record for a stack, or ErrNoRuns.
func (l *Ledger) Latest(stack string) (*RunRecord, error) {
	var rec *RunRecord
	err := l.store.View(func(txn *badger.Txn) error {
		var err error
		rec, err = latestInTxn(txn, stack)
		return err
	})
	return rec, err
}

// List returns all records of a stack, oldest first.
func (l *Ledger) List(stack string) ([]*RunRecord, error) {
	var records []*RunRecord
	err := l.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runPrefix(stack)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(runPrefix(stack)); it.ValidForPrefix(runPrefix(stack)); it.Next() {
			rec, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Recent returns up to n records, newest first.
func (l *Ledger) Recent(stack string, n int) ([]*RunRecord, error) {
	all, err := l.List(stack)
	if err != nil {
		return nil, err
	}
	var out []*RunRecord
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// FindByTimestampPrefix returns the first record whose RFC3339 timestamp
// starts with prefix, or ErrNotFound. Used by baseline promotion.
func (l *Ledger) FindByTimestampPrefix(stack, prefix string) (*RunRecord, error) {
	all, err := l.List(stack)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if strings.HasPrefix(rec.Timestamp.Format(time.RFC3339), prefix) {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// Stacks returns every stack with at least one record, sorted.
func (l *Ledger) Stacks() ([]string, error) {
	seen := make(map[string]struct{})
	err := l.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("run/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().Key()
			rest := bytes.TrimPrefix(key, []byte("run/"))
			// Keys end in "/" plus an 8-byte big-endian sequence; the raw
			// bytes may themselves contain '/', so strip by length.
			if len(rest) > 9 {
				seen[string(rest[:len(rest)-9])] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stacks := make([]string, 0, len(seen))
	for s := range seen {
		stacks = append(stacks, s)
	}
	sort.Strings(stacks)
	return stacks, nil
}

// VerifyChain recomputes the whole chain of a stack from genesis.
//
// # Description
//
//	Walks records oldest to newest, recomputing each content hash and
//	checking the predecessor link. Fails closed: the first mismatch
//	returns a *ChainError naming the sequence number and reason. An
//	empty chain verifies trivially.
func (l *Ledger) VerifyChain(stack string) error {
	records, err := l.List(stack)
	if err != nil {
		return err
	}

	prevHash := GenesisHash
	var prevSeq uint64
	for _, rec := range records {
		if rec.Seq != prevSeq+1 {
			return &ChainError{Stack: stack, Seq: rec.Seq,
				Reason: fmt.Sprintf("sequence gap after %d", prevSeq)}
		}
		want, err := ComputeHash(rec)
		if err != nil {
			return err
		}
		if rec.Hash != want {
			return &ChainError{Stack: stack, Seq: rec.Seq, Reason: "content hash mismatch"}
		}
		if rec.PrevHash != prevHash {
			return &ChainError{Stack: stack, Seq: rec.Seq, Reason: "predecessor link mismatch"}
		}
		prevHash = rec.Hash
		prevSeq = rec.Seq
	}
	return nil
}

// VerifyAll verifies every stack's chain; the first failure wins.
func (l *Ledger) VerifyAll() error {
	stacks, err := l.Stacks()
	if err != nil {
		return err
	}
	for _, stack := range stacks {
		if err := l.VerifyChain(stack); err != nil {
			return err
		}
	}
	return nil
}

// RecentConfidences returns confidences of up to n latest runs, oldest
// first, feeding the stability window.
func (l *Ledger) RecentConfidences(stack string, n int) ([]float64, error) {
	recent, err := l.Recent(stack, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		out = append(out, recent[i].Confidence)
	}
	return out, nil
}
