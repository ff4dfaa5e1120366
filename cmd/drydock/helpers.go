// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log/slog"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
	"github.com/drydock-io/drydock/services/rehearsal/compose"
	"github.com/drydock-io/drydock/services/rehearsal/config"
	"github.com/drydock-io/drydock/services/rehearsal/daemon"
	"github.com/drydock-io/drydock/services/rehearsal/engine"
	"github.com/drydock-io/drydock/services/rehearsal/guard"
	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/notify"
	"github.com/drydock-io/drydock/services/rehearsal/policy"
	"github.com/drydock-io/drydock/services/rehearsal/preflight"
	"github.com/drydock-io/drydock/services/rehearsal/provider"
	"github.com/drydock-io/drydock/services/rehearsal/sandbox"
	"github.com/drydock-io/drydock/services/rehearsal/storage/badgerdb"
)

// app bundles everything a command needs against the local store.
type app struct {
	home      string
	cfg       config.Config
	store     *badgerdb.Store
	logger    *slog.Logger
	runs      *ledger.Ledger
	baselines *baseline.Engine
	policies  *policy.Store
	providers *provider.Store
	registry  *daemon.Registry
}

// openApp resolves the drydock home and opens the embedded store.
// Callers must Close.
func openApp() (*app, error) {
	home, err := config.Home()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	store, err := badgerdb.Open(badgerdb.DefaultConfig(config.StorePath(home)))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger := slog.Default()
	runs := ledger.New(store, logger)
	return &app{
		home:      home,
		cfg:       cfg,
		store:     store,
		logger:    logger,
		runs:      runs,
		baselines: baseline.NewEngine(store, runs, logger),
		policies:  policy.NewStore(store, logger),
		providers: provider.NewStore(store, logger),
		registry:  daemon.NewRegistry(store, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
}

// rehearser wires the full pipeline against the live container runtime.
func (a *app) rehearser() (*engine.Rehearser, error) {
	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		return nil, fmt.Errorf("connect container runtime: %w", err)
	}
	return engine.New(engine.Deps{
		Guard:     guard.NewKeeper(a.logger),
		Resolver:  compose.NewResolver(a.logger),
		Preflight: preflight.NewAnalyzer(a.logger),
		Runtime:   runtime,
		Ledger:    a.runs,
		Baselines: a.baselines,
		Policies:  a.policies,
		Providers: a.providers,
		Notifier:  notify.NewLogDispatcher(a.logger),
		Logger:    a.logger,
	}), nil
}
