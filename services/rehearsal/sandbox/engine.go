// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drydock-io/drydock/services/rehearsal/compose"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
)

var tracer = otel.Tracer("drydock.sandbox")

// PullPolicy controls image pulling before container creation.
type PullPolicy string

const (
	// PullAlways refreshes every image, proving the registry still
	// serves what the manifest names.
	PullAlways PullPolicy = "always"
	// PullIfMissing pulls only images absent from the local cache.
	PullIfMissing PullPolicy = "if-missing"
)

// Options tune one orchestration run.
type Options struct {
	PullPolicy PullPolicy
	// ServiceTimeout bounds how long one service may take to reach a
	// terminal state.
	ServiceTimeout time.Duration
	// PollInterval is the inspect cadence while waiting.
	PollInterval time.Duration
	// SettleDelay is how long a container without a healthcheck must
	// stay up before it counts as running.
	SettleDelay time.Duration
	// HostEnv resolves pass-through environment entries. Nil means the
	// entries resolve to empty, exactly as a fresh host would.
	HostEnv map[string]string
}

func (o Options) withDefaults() Options {
	if o.PullPolicy == "" {
		o.PullPolicy = PullIfMissing
	}
	if o.ServiceTimeout <= 0 {
		o.ServiceTimeout = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 3 * time.Second
	}
	return o
}

// Result is the full orchestration outcome.
type Result struct {
	RunID string
	// Observations holds one terminal observation per declared service.
	Observations map[string]Observation
	NetworkName  string
	Elapsed      time.Duration
}

// Orchestrator boots stacks in dependency order inside a sandbox.
//
// # Thread Safety
//
// Safe for concurrent use across distinct runs; each Execute call keeps
// its own state.
type Orchestrator struct {
	runtime Runtime
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator over a runtime.
func NewOrchestrator(rt Runtime, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{runtime: rt, logger: logger}
}

// Execute boots every service of the manifest and observes its terminal
// state.
//
// # Description
//
//	Creates one ephemeral bridge network, then walks the boot order.
//	Each service waits for its dependencies' recorded observations to
//	satisfy the declared condition, gets pulled per policy, started, and
//	polled until terminal. A service that cannot be pulled or started is
//	observed as failed and the walk continues; only an unreachable
//	runtime or a failed network create aborts the run. Teardown removes
//	every created container and the network on all exit paths,
//	cancellation included.
//
// # Outputs
//
//	*Result - One observation per service, in any outcome short of a
//	fatal error.
//	error - Fatal infrastructure failure only.
func (o *Orchestrator) Execute(ctx context.Context, m *compose.Manifest, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	started := time.Now()

	ctx, span := tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("stack", m.Stack),
		attribute.Int("services", len(m.BootOrder)),
	))
	defer span.End()

	if err := o.runtime.Ping(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	runID := uuid.NewString()[:8]
	netName := "drydock-" + runID
	labels := map[string]string{RunLabel: runID, "drydock.stack": m.Stack}

	netID, err := o.runtime.CreateNetwork(ctx, netName, labels)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	o.logger.Info("sandbox ready",
		slog.String("stack", m.Stack),
		slog.String("run_id", runID),
		slog.String("network", netName))

	var createdIDs []string
	defer func() {
		o.teardown(createdIDs, netID, netName)
	}()

	result := &Result{
		RunID:        runID,
		Observations: make(map[string]Observation, len(m.BootOrder)),
		NetworkName:  netName,
	}

	for _, name := range m.BootOrder {
		svc := m.Service(name)

		if reason, ok := o.dependenciesSatisfied(svc, result.Observations); !ok {
			result.Observations[name] = Observation{
				Service: name,
				State:   scoring.StateExited,
				Reason:  reason,
			}
			o.logger.Warn("service skipped", slog.String("service", name), slog.String("reason", reason))
			continue
		}

		id, obs := o.provision(ctx, svc, runID, netID, netName, labels, opts)
		if id != "" {
			createdIDs = append(createdIDs, id)
			obs = o.waitForService(ctx, id, svc, opts)
		}
		result.Observations[name] = obs

		o.logger.Info("service observed",
			slog.String("service", name),
			slog.String("state", string(obs.State)),
			slog.Duration("elapsed", obs.Elapsed))
	}

	result.Elapsed = time.Since(started)
	span.SetAttributes(attribute.Float64("elapsed_seconds", result.Elapsed.Seconds()))
	return result, nil
}

// dependenciesSatisfied checks a service's gates against the recorded
// observations of its dependencies.
func (o *Orchestrator) dependenciesSatisfied(svc *compose.ServiceSpec, obs map[string]Observation) (string, bool) {
	for _, dep := range svc.DependsOn {
		got, ok := obs[dep.Service]
		if !ok {
			return fmt.Sprintf("dependency %s never started", dep.Service), false
		}
		switch dep.Condition {
		case compose.ConditionHealthy:
			if got.State != scoring.StateHealthy {
				return fmt.Sprintf("dependency %s is %s, needed healthy", dep.Service, got.State), false
			}
		case compose.ConditionCompleted:
			if got.State != scoring.StateCompleted {
				return fmt.Sprintf("dependency %s is %s, needed completed", dep.Service, got.State), false
			}
		default: // service_started
			if got.State == scoring.StateExited {
				return fmt.Sprintf("dependency %s failed to start", dep.Service), false
			}
		}
	}
	return "", true
}

// provision pulls, creates and starts one service. A failure yields a
// terminal failed observation with the container never created, or
// created-but-dead; either way the rehearsal continues.
func (o *Orchestrator) provision(ctx context.Context, svc *compose.ServiceSpec, runID, netID, netName string, labels map[string]string, opts Options) (string, Observation) {
	failed := func(reason string) (string, Observation) {
		return "", Observation{Service: svc.Name, State: scoring.StateExited, Reason: reason}
	}

	if svc.Image == "" {
		return failed("service declares no image")
	}

	pull := opts.PullPolicy == PullAlways
	if !pull {
		have, err := o.runtime.HasImage(ctx, svc.Image)
		if err != nil {
			return failed(fmt.Sprintf("image lookup failed: %v", err))
		}
		pull = !have
	}
	if pull {
		if err := o.runtime.PullImage(ctx, svc.Image); err != nil {
			return failed(fmt.Sprintf("image pull failed: %v", err))
		}
	}

	spec := ContainerSpec{
		Name:        fmt.Sprintf("drydock-%s-%s", runID, svc.Name),
		Image:       svc.Image,
		Command:     svc.Command,
		Env:         resolveEnv(svc, opts.HostEnv),
		Labels:      mergeLabels(labels, svc.Labels),
		Binds:       readOnlyBinds(svc),
		NetworkID:   netID,
		NetworkName: netName,
		Healthcheck: svc.Healthcheck,
	}

	id, err := o.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return failed(fmt.Sprintf("container create failed: %v", err))
	}
	if err := o.runtime.StartContainer(ctx, id); err != nil {
		// Created but never started; teardown still owns it.
		return id, Observation{Service: svc.Name, State: scoring.StateExited,
			Reason: fmt.Sprintf("container start failed: %v", err)}
	}
	return id, Observation{Service: svc.Name}
}

// waitForService polls until the service reaches a terminal state or the
// per-service timeout expires. A timeout records the worst state
// actually observed; it never drops the service from the result.
func (o *Orchestrator) waitForService(ctx context.Context, id string, svc *compose.ServiceSpec, opts Options) Observation {
	start := time.Now()
	deadline := start.Add(opts.ServiceTimeout)
	var runningSince time.Time

	terminal := func(state scoring.State, reason string) Observation {
		return Observation{Service: svc.Name, State: state, Elapsed: time.Since(start), Reason: reason}
	}

	for {
		status, err := o.runtime.InspectContainer(ctx, id)
		if err != nil {
			return terminal(scoring.StateExited, fmt.Sprintf("inspect failed: %v", err))
		}

		switch {
		case !status.Running:
			if svc.Oneshot && status.ExitCode == 0 {
				return terminal(scoring.StateCompleted, "")
			}
			return terminal(scoring.StateExited, fmt.Sprintf("exited with code %d", status.ExitCode))

		case status.HasHealthcheck:
			switch status.Health {
			case "healthy":
				return terminal(scoring.StateHealthy, "")
			case "unhealthy":
				return terminal(scoring.StateUnhealthy, "")
			}
			// still starting; keep polling

		default:
			if runningSince.IsZero() {
				runningSince = time.Now()
			}
			if time.Since(runningSince) >= opts.SettleDelay {
				return terminal(scoring.StateRunning, "")
			}
		}

		now := time.Now()
		if now.After(deadline) {
			if status.HasHealthcheck {
				return terminal(scoring.StateUnhealthy, "healthcheck never passed before timeout")
			}
			if status.Running {
				return terminal(scoring.StateRunning, "timed out while running")
			}
			return terminal(scoring.StateExited, "timed out before start")
		}

		select {
		case <-ctx.Done():
			return terminal(scoring.StateExited, "rehearsal cancelled")
		case <-time.After(opts.PollInterval):
		}
	}
}

// teardown force-removes containers newest first, then the network. It
// runs detached from the caller's context so cancellation cannot leak
// sandbox resources.
func (o *Orchestrator) teardown(containerIDs []string, netID, netName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for i := len(containerIDs) - 1; i >= 0; i-- {
		if err := o.runtime.RemoveContainer(ctx, containerIDs[i]); err != nil {
			o.logger.Error("container removal failed; manual sweep needed",
				slog.String("container", containerIDs[i]),
				slog.String("error", err.Error()))
		}
	}
	if err := o.runtime.RemoveNetwork(ctx, netID); err != nil {
		o.logger.Error("network removal failed; manual sweep needed",
			slog.String("network", netName),
			slog.String("error", err.Error()))
	}
}

// resolveEnv renders environment entries. Pass-through entries take the
// host's value; on a host missing the variable they resolve empty, which
// is exactly the condition preflight flags.
func resolveEnv(svc *compose.ServiceSpec, hostEnv map[string]string) []string {
	env := make([]string, 0, len(svc.Environment))
	for _, e := range svc.Environment {
		if e.HasValue {
			env = append(env, e.Name+"="+e.Value)
		} else {
			env = append(env, e.Name+"="+hostEnv[e.Name])
		}
	}
	return env
}

// readOnlyBinds renders bind mounts read-only. The rehearsal must never
// write through a bind into real host data. Named volumes are skipped
// entirely; the sandbox does not create persistent volumes.
func readOnlyBinds(svc *compose.ServiceSpec) []string {
	var binds []string
	for _, vol := range svc.Volumes {
		if !vol.Bind || vol.Source == "" {
			continue
		}
		binds = append(binds, fmt.Sprintf("%s:%s:ro", vol.Source, vol.Target))
	}
	return binds
}

func mergeLabels(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range base {
		merged[k] = v
	}
	return merged
}
