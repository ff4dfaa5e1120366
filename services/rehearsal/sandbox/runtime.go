// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sandbox boots a stack inside an isolated, throwaway network and
// observes what each service does.
//
// The rehearsal is non-destructive by construction: everything the
// sandbox creates carries the run label, lives on an ephemeral bridge
// network, and is force-removed on every exit path.
package sandbox

import (
	"context"
	"time"

	"github.com/drydock-io/drydock/services/rehearsal/compose"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
)

// RunLabel marks every resource the sandbox creates so leaked resources
// are attributable and sweepable.
const RunLabel = "drydock.run"

// ContainerStatus is the point-in-time view of one container.
type ContainerStatus struct {
	Running  bool
	ExitCode int
	// Health is the runtime's health status: "starting", "healthy",
	// "unhealthy", or empty when the container defines no healthcheck.
	Health         string
	HasHealthcheck bool
}

// ContainerSpec is everything the runtime needs to create a container.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         []string
	Labels      map[string]string
	Binds       []string
	NetworkID   string
	NetworkName string
	Healthcheck *compose.Healthcheck
}

// Runtime abstracts the container engine. The production implementation
// wraps the Docker API; tests substitute a fake.
type Runtime interface {
	// Ping verifies the runtime is reachable.
	Ping(ctx context.Context) error
	// CreateNetwork creates an isolated bridge network, returning its ID.
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, id string) error
	// ListNetworkNames snapshots existing network names for preflight.
	ListNetworkNames(ctx context.Context) ([]string, error)

	HasImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerStatus, error)
	// RemoveContainer force-removes; it must succeed on running containers.
	RemoveContainer(ctx context.Context, id string) error
}

// Observation is the terminal condition one service reached. States are
// expressed in scoring terms; the scoring package prices them.
type Observation struct {
	Service string
	State   scoring.State
	Elapsed time.Duration
	// Reason is a short human note for states reached without the
	// container running (pull failure, dependency failure, timeout).
	Reason string
}
