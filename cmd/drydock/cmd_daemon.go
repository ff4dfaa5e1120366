// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drydock-io/drydock/services/rehearsal/config"
	"github.com/drydock-io/drydock/services/rehearsal/daemon"
	"github.com/drydock-io/drydock/services/rehearsal/telemetry"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var daemonListenAddr string

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// daemonCmd runs the continuous rehearsal loop in the foreground.
//
// # Description
//
// Watches every registered manifest for changes, fires cron-scheduled
// rehearsals, and serves /healthz, /status and /metrics over HTTP.
// Rehearsals across stacks share a worker pool bounded by the resolved
// concurrency limit. Runs until SIGINT or SIGTERM.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the continuous rehearsal daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonListenAddr, "listen", "",
		"HTTP listen address (overrides config, default :9400)")
	rootCmd.AddCommand(daemonCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		TraceExporter: a.cfg.TraceExporter,
	})
	if err != nil {
		outputError("init telemetry", err)
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	rehearser, err := a.rehearser()
	if err != nil {
		outputError("build rehearser", err)
		return err
	}

	listenAddr := daemonListenAddr
	if listenAddr == "" {
		listenAddr = a.cfg.ListenAddr
	}
	d := daemon.NewDaemon(a.registry, rehearser, a.runs, a.baselines, daemon.Options{
		ListenAddr:    listenAddr,
		MaxConcurrent: config.ResolveMaxConcurrent(a.cfg),
	}, a.logger)

	if err := d.Run(ctx); err != nil {
		outputError("daemon", err)
		return err
	}
	return nil
}
