// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-io/drydock/services/rehearsal/compose"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
)

// fakeRuntime scripts per-service container behaviour.
type fakeRuntime struct {
	mu sync.Mutex

	pingErr    error
	networkErr error

	localImages map[string]bool
	pullErrs    map[string]error
	pulled      []string

	startErrs map[string]error
	// statuses scripts successive InspectContainer results per service;
	// the last entry repeats.
	statuses map[string][]ContainerStatus
	inspects map[string]int

	created           []string
	removedContainers []string
	removedNetworks   []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		localImages: make(map[string]bool),
		pullErrs:    make(map[string]error),
		startErrs:   make(map[string]error),
		statuses:    make(map[string][]ContainerStatus),
		inspects:    make(map[string]int),
	}
}

// service extracts the service name from a container name or ID of the
// form drydock-<runid>-<service>.
func serviceOf(name string) string {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return name
}

func (f *fakeRuntime) Ping(context.Context) error { return f.pingErr }

func (f *fakeRuntime) CreateNetwork(_ context.Context, name string, _ map[string]string) (string, error) {
	if f.networkErr != nil {
		return "", f.networkErr
	}
	return "net-" + name, nil
}

func (f *fakeRuntime) RemoveNetwork(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedNetworks = append(f.removedNetworks, id)
	return nil
}

func (f *fakeRuntime) ListNetworkNames(context.Context) ([]string, error) {
	return []string{"bridge"}, nil
}

func (f *fakeRuntime) HasImage(_ context.Context, ref string) (bool, error) {
	return f.localImages[ref], nil
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pullErrs[ref]; err != nil {
		return err
	}
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec.Name)
	return spec.Name, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	return f.startErrs[serviceOf(id)]
}

func (f *fakeRuntime) InspectContainer(_ context.Context, id string) (ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc := serviceOf(id)
	seq := f.statuses[svc]
	if len(seq) == 0 {
		return ContainerStatus{Running: true}, nil
	}
	i := f.inspects[svc]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.inspects[svc]++
	return seq[i], nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedContainers = append(f.removedContainers, id)
	return nil
}

func fastOpts() Options {
	return Options{
		PullPolicy:     PullIfMissing,
		ServiceTimeout: 250 * time.Millisecond,
		PollInterval:   time.Millisecond,
		SettleDelay:    time.Millisecond,
	}
}

func resolveManifest(t *testing.T, yaml string) *compose.Manifest {
	t.Helper()
	m, err := compose.NewResolver(nil).Resolve("test", []byte(yaml))
	require.NoError(t, err)
	return m
}

const threeServiceManifest = `
services:
  api:
    image: app/api:1.0
    healthcheck:
      test: ["CMD", "curl", "-f", "http://localhost/health"]
  worker:
    image: app/worker:1.0
  migrate:
    image: app/migrate:1.0
    restart: "no"
`

func TestExecute_ScoresThreeServiceStack(t *testing.T) {
	rt := newFakeRuntime()
	rt.statuses["api"] = []ContainerStatus{
		{Running: true, HasHealthcheck: true, Health: "starting"},
		{Running: true, HasHealthcheck: true, Health: "healthy"},
	}
	rt.statuses["worker"] = []ContainerStatus{{Running: true}}
	rt.statuses["migrate"] = []ContainerStatus{{Running: false, ExitCode: 0}}

	m := resolveManifest(t, threeServiceManifest)
	res, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, fastOpts())
	require.NoError(t, err)

	require.Len(t, res.Observations, 3)
	assert.Equal(t, scoring.StateHealthy, res.Observations["api"].State)
	assert.Equal(t, scoring.StateRunning, res.Observations["worker"].State)
	assert.Equal(t, scoring.StateCompleted, res.Observations["migrate"].State)

	// Scoring the scenario end to end: {100, 85, 100} -> 95 -> LOW.
	var scores []scoring.ServiceScore
	for _, name := range m.BootOrder {
		obs := res.Observations[name]
		scores = append(scores, scoring.Score(name, obs.State, obs.Elapsed.Seconds()))
	}
	conf := scoring.Confidence(scores)
	assert.InDelta(t, 95.0, conf, 1e-9)
	assert.Equal(t, scoring.RiskLow, scoring.BandFor(conf))
}

func TestExecute_TeardownRemovesEverything(t *testing.T) {
	rt := newFakeRuntime()
	rt.statuses["api"] = []ContainerStatus{{Running: true, HasHealthcheck: true, Health: "healthy"}}
	rt.statuses["worker"] = []ContainerStatus{{Running: true}}
	rt.statuses["migrate"] = []ContainerStatus{{Running: false, ExitCode: 0}}

	m := resolveManifest(t, threeServiceManifest)
	_, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, fastOpts())
	require.NoError(t, err)

	assert.Len(t, rt.removedContainers, len(rt.created))
	assert.Len(t, rt.removedNetworks, 1)
}

func TestExecute_DependencyGateHealthy(t *testing.T) {
	manifest := `
services:
  web:
    image: app/web:1
    depends_on:
      db:
        condition: service_healthy
  db:
    image: app/db:1
    healthcheck:
      test: ["CMD", "check"]
`
	rt := newFakeRuntime()
	rt.statuses["db"] = []ContainerStatus{{Running: true, HasHealthcheck: true, Health: "unhealthy"}}

	m := resolveManifest(t, manifest)
	res, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, fastOpts())
	require.NoError(t, err)

	assert.Equal(t, scoring.StateUnhealthy, res.Observations["db"].State)
	web := res.Observations["web"]
	assert.Equal(t, scoring.StateExited, web.State)
	assert.Contains(t, web.Reason, "db")
	// web's container was never created.
	for _, name := range rt.created {
		assert.NotContains(t, name, "web")
	}
}

func TestExecute_PullPolicies(t *testing.T) {
	manifest := `
services:
  cached:
    image: app/cached:1
  fresh:
    image: app/fresh:1
`
	t.Run("if-missing pulls only absent images", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.localImages["app/cached:1"] = true
		m := resolveManifest(t, manifest)
		opts := fastOpts()
		_, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, opts)
		require.NoError(t, err)
		assert.Equal(t, []string{"app/fresh:1"}, rt.pulled)
	})

	t.Run("always pulls everything", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.localImages["app/cached:1"] = true
		m := resolveManifest(t, manifest)
		opts := fastOpts()
		opts.PullPolicy = PullAlways
		_, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, opts)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"app/cached:1", "app/fresh:1"}, rt.pulled)
	})
}

func TestExecute_PullFailureIsNotFatal(t *testing.T) {
	manifest := `
services:
  broken:
    image: gone/image:1
  fine:
    image: app/fine:1
`
	rt := newFakeRuntime()
	rt.pullErrs["gone/image:1"] = errors.New("manifest unknown")

	m := resolveManifest(t, manifest)
	res, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, fastOpts())
	require.NoError(t, err)

	assert.Equal(t, scoring.StateExited, res.Observations["broken"].State)
	assert.Contains(t, res.Observations["broken"].Reason, "pull")
	assert.Equal(t, scoring.StateRunning, res.Observations["fine"].State)
}

func TestExecute_StartFailureStillTornDown(t *testing.T) {
	manifest := `
services:
  stuck:
    image: app/stuck:1
`
	rt := newFakeRuntime()
	rt.startErrs["stuck"] = errors.New("oci runtime error")

	m := resolveManifest(t, manifest)
	res, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, fastOpts())
	require.NoError(t, err)

	assert.Equal(t, scoring.StateExited, res.Observations["stuck"].State)
	// Created but never started; teardown still removes it.
	assert.Len(t, rt.removedContainers, 1)
}

func TestExecute_RuntimeUnreachableIsFatal(t *testing.T) {
	rt := newFakeRuntime()
	rt.pingErr = errors.New("cannot connect to socket")
	m := resolveManifest(t, threeServiceManifest)
	_, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, fastOpts())
	require.Error(t, err)
}

func TestExecute_NetworkCreateIsFatal(t *testing.T) {
	rt := newFakeRuntime()
	rt.networkErr = errors.New("address pool exhausted")
	m := resolveManifest(t, threeServiceManifest)
	_, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, fastOpts())
	require.Error(t, err)
}

func TestExecute_HealthcheckTimeoutRecordsWorstObserved(t *testing.T) {
	manifest := `
services:
  slow:
    image: app/slow:1
    healthcheck:
      test: ["CMD", "probe"]
`
	rt := newFakeRuntime()
	rt.statuses["slow"] = []ContainerStatus{{Running: true, HasHealthcheck: true, Health: "starting"}}

	m := resolveManifest(t, manifest)
	opts := fastOpts()
	opts.ServiceTimeout = 20 * time.Millisecond
	res, err := NewOrchestrator(rt, nil).Execute(context.Background(), m, opts)
	require.NoError(t, err)

	obs := res.Observations["slow"]
	assert.Equal(t, scoring.StateUnhealthy, obs.State)
	assert.Contains(t, obs.Reason, "timeout")
}

func TestExecute_CancellationStillTearsDown(t *testing.T) {
	manifest := `
services:
  forever:
    image: app/forever:1
    healthcheck:
      test: ["CMD", "probe"]
`
	rt := newFakeRuntime()
	rt.statuses["forever"] = []ContainerStatus{{Running: true, HasHealthcheck: true, Health: "starting"}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	m := resolveManifest(t, manifest)
	opts := fastOpts()
	opts.ServiceTimeout = 10 * time.Second
	opts.PollInterval = 5 * time.Millisecond
	res, err := NewOrchestrator(rt, nil).Execute(ctx, m, opts)
	require.NoError(t, err)

	assert.Equal(t, scoring.StateExited, res.Observations["forever"].State)
	assert.Len(t, rt.removedContainers, 1)
	assert.Len(t, rt.removedNetworks, 1)
}

func TestReadOnlyBinds(t *testing.T) {
	svc := &compose.ServiceSpec{
		Volumes: []compose.VolumeMount{
			{Source: "/srv/data", Target: "/data", Bind: true},
			{Source: "named", Target: "/cache"},
		},
	}
	assert.Equal(t, []string{"/srv/data:/data:ro"}, readOnlyBinds(svc))
}

func TestResolveEnv(t *testing.T) {
	svc := &compose.ServiceSpec{
		Environment: []compose.EnvVar{
			{Name: "MODE", Value: "prod", HasValue: true},
			{Name: "TOKEN"},
		},
	}
	env := resolveEnv(svc, map[string]string{"TOKEN": "s3cret"})
	assert.Equal(t, []string{"MODE=prod", "TOKEN=s3cret"}, env)

	empty := resolveEnv(svc, nil)
	assert.Equal(t, []string{"MODE=prod", "TOKEN="}, empty)
}
