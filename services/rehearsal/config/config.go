// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config locates the drydock home directory and loads runtime
// settings.
//
// Concurrency resolves in three tiers: the DRYDOCK_MAX_CONCURRENT
// environment variable wins over the config file, which wins over the
// default of one rehearsal at a time.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
)

const (
	// EnvHome overrides the home directory (default ~/.drydock).
	EnvHome = "DRYDOCK_HOME"
	// EnvMaxConcurrent overrides the rehearsal pool size.
	EnvMaxConcurrent = "DRYDOCK_MAX_CONCURRENT"

	configFileName = "config.json"
	// DefaultMaxConcurrent keeps rehearsals serial unless asked otherwise.
	DefaultMaxConcurrent = 1
)

// Config is the persisted daemon/CLI configuration.
type Config struct {
	// MaxConcurrent bounds simultaneous rehearsals across stacks.
	MaxConcurrent int `json:"max_concurrent,omitempty" validate:"gte=0,lte=64"`
	// ListenAddr is the daemon HTTP address.
	ListenAddr string `json:"listen_addr,omitempty"`
	// TraceExporter selects tracing: "none" or "stdout".
	TraceExporter string `json:"trace_exporter,omitempty" validate:"omitempty,oneof=none stdout"`
}

var validate = validator.New()

// Home returns the drydock home directory, creating it if needed.
func Home() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return ensureDir(dir)
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return ensureDir(filepath.Join(base, ".drydock"))
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create drydock home %s: %w", dir, err)
	}
	return dir, nil
}

// StorePath returns the embedded database directory under home.
func StorePath(home string) string {
	return filepath.Join(home, "store")
}

// Load reads the config file under home. A missing file yields the
// zero config; defaults apply at resolution time.
func Load(home string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(filepath.Join(home, configFileName))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the config file under home.
func Save(home string, cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(home, configFileName), raw, 0o640)
}

// ResolveMaxConcurrent applies the three-tier resolution.
func ResolveMaxConcurrent(cfg Config) int {
	if raw := os.Getenv(EnvMaxConcurrent); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	if cfg.MaxConcurrent > 0 {
		return cfg.MaxConcurrent
	}
	return DefaultMaxConcurrent
}
