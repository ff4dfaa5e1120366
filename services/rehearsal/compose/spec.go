// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package compose resolves compose-style manifests into immutable service
// specifications and a dependency graph.
//
// Parsing is deliberately tolerant: the manifest is first decoded into a
// generic tree, then typed accessors pull out the fields the rehearsal
// cares about. One field in an unexpected shape degrades that one field;
// it never fails the whole manifest. Only invalid YAML, an empty service
// set, an unknown dependency target, or a dependency cycle are fatal.
package compose

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Condition is what a dependent service waits for before starting.
type Condition string

const (
	// ConditionStarted gates only on the dependency's container starting.
	ConditionStarted Condition = "service_started"
	// ConditionHealthy gates on the dependency reporting a healthy check.
	ConditionHealthy Condition = "service_healthy"
	// ConditionCompleted gates on the dependency exiting with code 0.
	ConditionCompleted Condition = "service_completed_successfully"
)

// Dependency is one depends_on entry of a service.
type Dependency struct {
	Service   string
	Condition Condition
}

// VolumeMount is one volume entry of a service.
//
// Bind is true for host-path mounts (the only kind preflight inspects).
// Required marks a bind mount whose absence should fail readiness hard;
// it is set via the long volume form's "required: true" extension.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
	Bind     bool
	Required bool
}

// EnvVar is one environment entry. A bare "KEY" (or map key with null
// value) has HasValue false and is expected to come from the host.
type EnvVar struct {
	Name     string
	Value    string
	HasValue bool
}

// Healthcheck mirrors the subset of compose healthcheck fields the
// orchestrator honours when the image itself does not define one.
type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// ServiceSpec is the resolved, immutable description of one service.
type ServiceSpec struct {
	Name        string
	Image       string
	Command     []string
	DependsOn   []Dependency
	Volumes     []VolumeMount
	Environment []EnvVar
	Networks    []string
	Labels      map[string]string

	// HasHealthcheck is true when either the manifest declares a check or
	// the manifest explicitly relies on the image's own check. A disabled
	// check (disable: true, or test [NONE]) clears it.
	HasHealthcheck bool
	Healthcheck    *Healthcheck

	// Oneshot services are expected to exit; exit code 0 counts as full
	// success rather than a failure. Set via the drydock.oneshot label or
	// a "no" restart policy.
	Oneshot bool
}

// NetworkSpec describes one top-level network declaration.
type NetworkSpec struct {
	Name     string
	External bool
	// ExternalName is the pre-existing network the stack expects when
	// External is true; defaults to the declaration key.
	ExternalName string
}

// Manifest is the fully resolved form of one compose file.
type Manifest struct {
	Stack    string
	Digest   string
	Services map[string]*ServiceSpec
	Networks map[string]NetworkSpec
	// BootOrder lists services so every entry appears after all of its
	// dependencies, ties broken lexically.
	BootOrder []string
}

// Service returns the spec for name, or nil.
func (m *Manifest) Service(name string) *ServiceSpec {
	return m.Services[name]
}

// ServiceNames returns the declared services in boot order.
func (m *Manifest) ServiceNames() []string {
	out := make([]string, len(m.BootOrder))
	copy(out, m.BootOrder)
	return out
}

// DigestBytes computes the manifest digest over the raw file bytes.
// Any byte-level edit to the manifest yields a new digest.
func DigestBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
