// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// execRunner is the production CommandRunner.
func execRunner(ctx context.Context, name string, args []string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// resticVerifier lists snapshots via `restic snapshots --json`.
type resticVerifier struct {
	cfg Config
	run CommandRunner
}

func (r *resticVerifier) Name() string { return "restic" }

func (r *resticVerifier) Verify(ctx context.Context) (*Verification, error) {
	password, err := r.cfg.Password()
	if err != nil {
		return &Verification{}, err
	}
	env := []string{
		"RESTIC_REPOSITORY=" + r.cfg.Repository,
		"RESTIC_PASSWORD=" + password,
	}
	out, err := r.run(ctx, "restic", []string{"snapshots", "--json", "--no-lock"}, env)
	if err != nil {
		// The repo could not be opened; that is the finding, not a bug.
		return &Verification{Reachable: false}, nil
	}

	var snapshots []struct {
		Time time.Time `json:"time"`
	}
	if err := json.Unmarshal(out, &snapshots); err != nil {
		return &Verification{Reachable: false}, fmt.Errorf("parse restic snapshot list: %w", err)
	}

	v := &Verification{Reachable: true, Snapshots: len(snapshots)}
	for _, snap := range snapshots {
		if age := time.Since(snap.Time); v.LatestAge == 0 || age < v.LatestAge {
			v.LatestAge = age
		}
	}
	return v, nil
}

// borgVerifier lists archives via `borg list --json`.
type borgVerifier struct {
	cfg Config
	run CommandRunner
}

func (b *borgVerifier) Name() string { return "borg" }

func (b *borgVerifier) Verify(ctx context.Context) (*Verification, error) {
	password, err := b.cfg.Password()
	if err != nil {
		return &Verification{}, err
	}
	env := []string{"BORG_PASSPHRASE=" + password}
	out, err := b.run(ctx, "borg", []string{"list", "--json", b.cfg.Repository}, env)
	if err != nil {
		return &Verification{Reachable: false}, nil
	}

	var listing struct {
		Archives []struct {
			Time string `json:"time"`
		} `json:"archives"`
	}
	if err := json.Unmarshal(out, &listing); err != nil {
		return &Verification{Reachable: false}, fmt.Errorf("parse borg archive list: %w", err)
	}

	v := &Verification{Reachable: true, Snapshots: len(listing.Archives)}
	for _, archive := range listing.Archives {
		// Borg renders local time without a zone suffix.
		ts, err := time.ParseInLocation("2006-01-02T15:04:05.000000", archive.Time, time.Local)
		if err != nil {
			continue
		}
		if age := time.Since(ts); v.LatestAge == 0 || age < v.LatestAge {
			v.LatestAge = age
		}
	}
	return v, nil
}
