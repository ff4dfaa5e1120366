// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ledger persists rehearsal outcomes as an append-only,
// hash-chained history per stack.
//
// Every record carries the content hash of its predecessor. Editing any
// persisted byte breaks either a record's own hash or the link to its
// successor, so VerifyChain catches silent tampering and bit rot alike.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drydock-io/drydock/services/rehearsal/preflight"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
)

// CurrentSchemaVersion is stamped on new records. Records persisted
// before the field existed unmarshal as version 0; the hash excludes the
// field so old chains still verify.
const CurrentSchemaVersion = 1

// GenesisHash is the predecessor link of the first record of a stack.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// RunRecord is one rehearsal outcome. Append-only: records are never
// updated in place.
type RunRecord struct {
	SchemaVersion int    `json:"schema_version"`
	Seq           uint64 `json:"seq"`
	Stack         string `json:"stack"`
	// ManifestDigest ties the outcome to the exact manifest bytes.
	ManifestDigest string    `json:"manifest_digest"`
	Timestamp      time.Time `json:"timestamp"`

	Scores     []scoring.ServiceScore `json:"scores"`
	Confidence float64                `json:"confidence"`
	Risk       scoring.Risk           `json:"risk"`
	Readiness  int                    `json:"readiness"`
	Findings   []preflight.Finding    `json:"findings,omitempty"`

	DurationSeconds float64 `json:"duration_seconds"`
	// Verdict is the baseline comparison outcome (CONTRACT_HONOURED,
	// DRIFT_DETECTED or NO_BASELINE); the exit code alone cannot
	// reconstruct it once a higher-precedence code wins.
	Verdict string `json:"verdict,omitempty"`
	// Violations denormalizes every failed policy clause of the run, so
	// history keeps the full list even when multiple clauses fired.
	Violations []Violation `json:"violations,omitempty"`
	ExitCode   int         `json:"exit_code"`
	// Fatal marks a rehearsal that aborted on infrastructure failure
	// before producing meaningful scores.
	Fatal bool `json:"fatal,omitempty"`

	// Hash is the content hash of this record; PrevHash links to the
	// predecessor's Hash (GenesisHash for the first record).
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`
}

// Violation is one failed policy clause, recorded with the run.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ServiceNames returns the services of this run in recorded order.
func (r *RunRecord) ServiceNames() []string {
	names := make([]string, len(r.Scores))
	for i, s := range r.Scores {
		names[i] = s.Service
	}
	return names
}

// Passing reports whether the run concluded with exit code 0.
func (r *RunRecord) Passing() bool {
	return !r.Fatal && r.ExitCode == 0
}

// ComputeHash returns the content hash of a record.
//
// # Description
//
//	SHA-256 over the record's canonical JSON with Hash, PrevHash and
//	SchemaVersion zeroed. Excluding the chain link keeps the content
//	hash about content; excluding the schema version lets a version bump
//	re-stamp old records without invalidating their hashes.
func ComputeHash(r *RunRecord) (string, error) {
	clone := *r
	clone.Hash = ""
	clone.PrevHash = ""
	clone.SchemaVersion = 0
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal record for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
