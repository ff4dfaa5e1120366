// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package provider verifies that a stack's backup repository is usable
// before a rehearsal claims anything about restorability.
//
// Verification is a precondition, not part of the score: an unreachable
// repository, an empty one, or one whose newest snapshot is too old
// blocks the rehearsal with a distinct failure class. Restic and Borg
// are supported by shelling out to their CLIs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnreachable means the repository could not be opened at all.
	ErrUnreachable = errors.New("backup repository unreachable")
	// ErrNoSnapshots means the repository is reachable but empty.
	ErrNoSnapshots = errors.New("backup repository has no snapshots")
	// ErrStaleSnapshot means the newest snapshot is older than allowed.
	ErrStaleSnapshot = errors.New("latest backup snapshot is too old")
)

// Verification is the observed condition of a backup repository.
type Verification struct {
	Reachable bool          `json:"reachable"`
	Snapshots int           `json:"snapshots"`
	LatestAge time.Duration `json:"latest_age"`
}

// Verifier checks one backup repository.
type Verifier interface {
	Name() string
	Verify(ctx context.Context) (*Verification, error)
}

// Config declares a backup provider for a stack.
type Config struct {
	Type       string `json:"type" validate:"required,oneof=restic borg"`
	Repository string `json:"repository" validate:"required"`
	// PasswordEnv names a host environment variable holding the
	// repository secret; PasswordFile points at a file holding it.
	// At most one is used, env taking precedence.
	PasswordEnv  string `json:"password_env,omitempty"`
	PasswordFile string `json:"password_file,omitempty"`
	// MaxSnapshotAgeHours bounds the age of the newest snapshot.
	// Zero disables the staleness check.
	MaxSnapshotAgeHours int `json:"max_snapshot_age_hours" validate:"gte=0"`
}

var validate = validator.New()

// Validate checks the declaration before it is persisted.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid provider config: %w", err)
	}
	return nil
}

// Password resolves the repository secret per the declared source.
func (c Config) Password() (string, error) {
	if c.PasswordEnv != "" {
		if val, ok := os.LookupEnv(c.PasswordEnv); ok {
			return val, nil
		}
		return "", fmt.Errorf("password environment variable %s is not set", c.PasswordEnv)
	}
	if c.PasswordFile != "" {
		raw, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return "", nil
}

// CommandRunner executes a CLI and returns its stdout. Split out so
// tests can script provider behaviour without the binaries installed.
type CommandRunner func(ctx context.Context, name string, args []string, env []string) ([]byte, error)

// NewVerifier builds the verifier for a config.
func NewVerifier(cfg Config, run CommandRunner) (Verifier, error) {
	if run == nil {
		run = execRunner
	}
	switch cfg.Type {
	case "restic":
		return &resticVerifier{cfg: cfg, run: run}, nil
	case "borg":
		return &borgVerifier{cfg: cfg, run: run}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// CheckPrecondition converts a verification into a go/no-go decision.
func CheckPrecondition(v *Verification, cfg Config) error {
	if !v.Reachable {
		return ErrUnreachable
	}
	if v.Snapshots == 0 {
		return ErrNoSnapshots
	}
	if cfg.MaxSnapshotAgeHours > 0 {
		maxAge := time.Duration(cfg.MaxSnapshotAgeHours) * time.Hour
		if v.LatestAge > maxAge {
			return fmt.Errorf("%w: %s old, limit %s", ErrStaleSnapshot,
				v.LatestAge.Round(time.Minute), maxAge)
		}
	}
	return nil
}
