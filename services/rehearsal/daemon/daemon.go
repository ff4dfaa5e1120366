// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
	"github.com/drydock-io/drydock/services/rehearsal/engine"
	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/sandbox"
	"github.com/drydock-io/drydock/services/rehearsal/telemetry"
)

// Runner executes one rehearsal; satisfied by *engine.Rehearser.
type Runner interface {
	Run(ctx context.Context, req engine.Request) (*engine.Outcome, error)
}

// Options tune the daemon loops.
type Options struct {
	ListenAddr        string
	ScanInterval      time.Duration
	HeartbeatInterval time.Duration
	// MaxConcurrent bounds simultaneous rehearsals across all stacks.
	MaxConcurrent int
	// FileDebounce collapses bursts of filesystem events on one manifest
	// into a single trigger.
	FileDebounce time.Duration
}

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = ":9400"
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 60 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.FileDebounce <= 0 {
		o.FileDebounce = 2 * time.Second
	}
	return o
}

// Daemon drives continuous rehearsals for every watched stack.
//
// # Thread Safety
//
// Run owns all loops; the HTTP handlers only read through the registry
// and ledger, which are safe for concurrent use.
type Daemon struct {
	registry  *Registry
	runner    Runner
	runs      *ledger.Ledger
	baselines *baseline.Engine
	opts      Options
	logger    *slog.Logger

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	started time.Time

	mu          sync.Mutex
	lastFileHit map[string]time.Time
	// inflight holds stacks queued or rehearsing right now. A trigger
	// for a stack already here is a skip, not a second queue entry, so
	// coincident cron and file events cannot serialize into two runs.
	inflight map[string]bool
}

// NewDaemon wires the daemon. All arguments are required except logger.
func NewDaemon(registry *Registry, runner Runner, runs *ledger.Ledger, baselines *baseline.Engine, opts Options, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Daemon{
		registry:    registry,
		runner:      runner,
		runs:        runs,
		baselines:   baselines,
		opts:        opts,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		lastFileHit: make(map[string]time.Time),
		inflight:    make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled, then drains in-flight rehearsals.
func (d *Daemon) Run(ctx context.Context) error {
	d.started = time.Now()

	if err := d.anchorWatermarks(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer watcher.Close()
	watched := make(map[string]bool)
	if err := d.refreshWatches(watcher, watched); err != nil {
		return err
	}

	srv := &http.Server{Addr: d.opts.ListenAddr, Handler: d.router()}
	httpErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	d.logger.Info("daemon started",
		slog.String("listen_addr", d.opts.ListenAddr),
		slog.Int("max_concurrent", d.opts.MaxConcurrent))

	scan := time.NewTicker(d.opts.ScanInterval)
	defer scan.Stop()
	heartbeat := time.NewTicker(d.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	// First scan runs immediately so catch-up entries fire at startup.
	d.scan(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			d.wg.Wait()
			d.logger.Info("daemon stopped")
			return nil
		case err := <-httpErr:
			return fmt.Errorf("daemon http server: %w", err)
		case now := <-scan.C:
			d.scan(ctx, now)
			if err := d.refreshWatches(watcher, watched); err != nil {
				d.logger.Warn("manifest watch refresh failed", slog.String("error", err.Error()))
			}
		case <-heartbeat.C:
			d.beat()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("manifest watcher closed")
			}
			d.onFileEvent(ctx, event)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("manifest watcher closed")
			}
			d.logger.Warn("manifest watcher error", slog.String("error", werr.Error()))
		}
	}
}

// anchorWatermarks sets scheduler state so startup behaves per entry:
// entries without catch-up never replay missed activations, and fresh
// entries wait for their next activation.
func (d *Daemon) anchorWatermarks() error {
	entries, err := d.registry.List()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.Schedule == "" {
			continue
		}
		lastRun, err := d.registry.LastRun(entry.Stack)
		if err != nil {
			return err
		}
		if lastRun.IsZero() || !entry.CatchUp {
			if err := d.registry.SetLastRun(entry.Stack, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshWatches keeps the fsnotify watch set covering the parent
// directory of every watched manifest. Directories are watched, not the
// files themselves, so editors that replace the file still trigger.
func (d *Daemon) refreshWatches(watcher *fsnotify.Watcher, watched map[string]bool) error {
	entries, err := d.registry.List()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		dir := filepath.Dir(entry.ManifestPath)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			d.logger.Warn("cannot watch manifest directory",
				slog.String("stack", entry.Stack),
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			continue
		}
		watched[dir] = true
	}
	return nil
}

func (d *Daemon) scan(ctx context.Context, now time.Time) {
	entries, err := d.registry.List()
	if err != nil {
		d.logger.Warn("registry scan failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if entry.Schedule == "" {
			continue
		}
		sched, err := entry.CronSchedule()
		if err != nil {
			d.logger.Warn("unparseable schedule",
				slog.String("stack", entry.Stack),
				slog.String("schedule", entry.Schedule))
			continue
		}
		lastRun, err := d.registry.LastRun(entry.Stack)
		if err != nil {
			d.logger.Warn("watermark read failed",
				slog.String("stack", entry.Stack),
				slog.String("error", err.Error()))
			continue
		}
		if lastRun.IsZero() {
			_ = d.registry.SetLastRun(entry.Stack, now)
			continue
		}
		decision, activation := Decide(sched, lastRun, now)
		switch decision {
		case DecisionTrigger:
			if err := d.registry.SetLastRun(entry.Stack, now); err != nil {
				d.logger.Warn("watermark advance failed",
					slog.String("stack", entry.Stack),
					slog.String("error", err.Error()))
				continue
			}
			d.trigger(ctx, entry, fmt.Sprintf("schedule activation at %s", activation.Format(time.RFC3339)))
		case DecisionSkipStale:
			_ = d.registry.SetLastRun(entry.Stack, now)
			d.logger.Info("missed activation outside catch-up window",
				slog.String("stack", entry.Stack),
				slog.Time("activation", activation))
		}
	}
}

func (d *Daemon) onFileEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}
	entries, err := d.registry.List()
	if err != nil {
		return
	}
	changed := filepath.Clean(event.Name)
	for _, entry := range entries {
		if filepath.Clean(entry.ManifestPath) != changed {
			continue
		}
		if !d.debounce(entry.Stack) {
			return
		}
		d.trigger(ctx, entry, "manifest changed")
		return
	}
}

// debounce reports whether a file trigger for the stack may fire now.
func (d *Daemon) debounce(stack string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.lastFileHit[stack]; ok && now.Sub(last) < d.opts.FileDebounce {
		return false
	}
	d.lastFileHit[stack] = now
	return true
}

// trigger runs one rehearsal asynchronously through the pool.
//
// # Description
//
//	Duplicate triggers for a stack already queued or rehearsing are
//	skipped here, before the pool. Queuing them instead would merely
//	serialize them behind the semaphore and the engine's guard would
//	see two sequential, equally valid rehearsals for one logical
//	trigger instant. The semaphore only arbitrates distinct stacks.
func (d *Daemon) trigger(ctx context.Context, entry WatchEntry, reason string) {
	d.mu.Lock()
	if d.inflight[entry.Stack] {
		d.mu.Unlock()
		telemetry.RehearsalSkipsTotal.WithLabelValues(entry.Stack).Inc()
		d.logger.Info("rehearsal skipped",
			slog.String("stack", entry.Stack),
			slog.String("reason", "rehearsal already queued or running"),
			slog.String("trigger", reason))
		return
	}
	d.inflight[entry.Stack] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, entry.Stack)
			d.mu.Unlock()
		}()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		d.logger.Info("rehearsal triggered",
			slog.String("stack", entry.Stack),
			slog.String("reason", reason))
		outcome, err := d.runner.Run(ctx, requestFor(entry))
		if err != nil {
			d.logger.Error("rehearsal failed",
				slog.String("stack", entry.Stack),
				slog.String("error", err.Error()))
			return
		}
		if outcome.Skipped {
			return
		}
		d.logger.Info("rehearsal finished",
			slog.String("stack", entry.Stack),
			slog.Int("exit_code", outcome.ExitCode),
			slog.Float64("confidence", outcome.Record.Confidence))
	}()
}

func requestFor(entry WatchEntry) engine.Request {
	return engine.Request{
		Stack:           entry.Stack,
		ManifestPath:    entry.ManifestPath,
		StrictIntegrity: entry.StrictIntegrity,
		PullPolicy:      sandbox.PullPolicy(entry.PullPolicy),
	}
}

func (d *Daemon) beat() {
	entries, err := d.registry.List()
	if err != nil {
		return
	}
	d.logger.Info("daemon heartbeat",
		slog.Int("watched_stacks", len(entries)),
		slog.Duration("uptime", time.Since(d.started).Round(time.Second)))
}
