// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
	"github.com/drydock-io/drydock/services/rehearsal/compose"
	"github.com/drydock-io/drydock/services/rehearsal/guard"
	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/notify"
	"github.com/drydock-io/drydock/services/rehearsal/policy"
	"github.com/drydock-io/drydock/services/rehearsal/preflight"
	"github.com/drydock-io/drydock/services/rehearsal/provider"
	"github.com/drydock-io/drydock/services/rehearsal/sandbox"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
	"github.com/drydock-io/drydock/services/rehearsal/storage/badgerdb"
)

// stubRuntime scripts container behaviour per service name.
type stubRuntime struct {
	mu       sync.Mutex
	statuses map[string]sandbox.ContainerStatus
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{statuses: make(map[string]sandbox.ContainerStatus)}
}

func svcOf(id string) string {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return id
}

func (s *stubRuntime) Ping(context.Context) error { return nil }
func (s *stubRuntime) CreateNetwork(_ context.Context, name string, _ map[string]string) (string, error) {
	return "net-" + name, nil
}
func (s *stubRuntime) RemoveNetwork(context.Context, string) error { return nil }
func (s *stubRuntime) ListNetworkNames(context.Context) ([]string, error) {
	return []string{"bridge"}, nil
}
func (s *stubRuntime) HasImage(context.Context, string) (bool, error) { return true, nil }
func (s *stubRuntime) PullImage(context.Context, string) error       { return nil }
func (s *stubRuntime) CreateContainer(_ context.Context, spec sandbox.ContainerSpec) (string, error) {
	return spec.Name, nil
}
func (s *stubRuntime) StartContainer(context.Context, string) error { return nil }
func (s *stubRuntime) InspectContainer(_ context.Context, id string) (sandbox.ContainerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.statuses[svcOf(id)]; ok {
		return status, nil
	}
	return sandbox.ContainerStatus{Running: true}, nil
}
func (s *stubRuntime) RemoveContainer(context.Context, string) error { return nil }

type captureDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureDispatcher) Dispatch(_ context.Context, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureDispatcher) kinds() []notify.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Kind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	rehearser *Rehearser
	runtime   *stubRuntime
	keeper    *guard.Keeper
	store     *badgerdb.Store
	ledger    *ledger.Ledger
	baselines *baseline.Engine
	policies  *policy.Store
	providers *provider.Store
	events    *captureDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		runtime:   newStubRuntime(),
		keeper:    guard.NewKeeper(nil),
		store:     store,
		ledger:    ledger.New(store, nil),
		policies:  policy.NewStore(store, nil),
		providers: provider.NewStore(store, nil),
		events:    &captureDispatcher{},
	}
	f.baselines = baseline.NewEngine(store, f.ledger, nil)
	f.rehearser = New(Deps{
		Guard:     f.keeper,
		Resolver:  compose.NewResolver(nil),
		Preflight: preflight.NewAnalyzer(nil),
		Runtime:   f.runtime,
		Ledger:    f.ledger,
		Baselines: f.baselines,
		Policies:  f.policies,
		Providers: f.providers,
		Notifier:  f.events,
	})
	return f
}

const stackManifest = `
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

func request(stack string) Request {
	return Request{
		Stack:         stack,
		ManifestBytes: []byte(stackManifest),
		Timeout:       5 * time.Second,
		Sandbox: sandbox.Options{
			ServiceTimeout: 200 * time.Millisecond,
			PollInterval:   time.Millisecond,
			SettleDelay:    time.Millisecond,
		},
	}
}

// scriptHealthy makes the stack score {100, 85, 100} -> confidence 95.
func (f *fixture) scriptHealthy() {
	f.runtime.statuses["api"] = sandbox.ContainerStatus{Running: true, HasHealthcheck: true, Health: "healthy"}
	f.runtime.statuses["worker"] = sandbox.ContainerStatus{Running: true}
	f.runtime.statuses["migrate"] = sandbox.ContainerStatus{Running: false, ExitCode: 0}
}

// scriptDegraded makes the stack score {40, 40, 100} -> confidence 60.
func (f *fixture) scriptDegraded() {
	f.runtime.statuses["api"] = sandbox.ContainerStatus{Running: true, HasHealthcheck: true, Health: "unhealthy"}
	f.runtime.statuses["worker"] = sandbox.ContainerStatus{Running: true, HasHealthcheck: true, Health: "unhealthy"}
	f.runtime.statuses["migrate"] = sandbox.ContainerStatus{Running: false, ExitCode: 0}
}

func TestRun_HealthyStackPasses(t *testing.T) {
	f := newFixture(t)
	f.scriptHealthy()

	outcome, err := f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)
	require.False(t, outcome.Skipped)

	assert.Equal(t, policy.ExitPass, outcome.ExitCode)
	require.NotNil(t, outcome.Record)
	assert.InDelta(t, 95.0, outcome.Record.Confidence, 1e-9)
	assert.Equal(t, scoring.RiskLow, outcome.Record.Risk)
	assert.Equal(t, 100, outcome.Record.Readiness)
	assert.Equal(t, baseline.VerdictNoBaseline, outcome.Drift.Verdict)

	// Recorded and chained.
	latest, err := f.ledger.Latest("shop")
	require.NoError(t, err)
	assert.Equal(t, outcome.Record.Hash, latest.Hash)
	require.NoError(t, f.ledger.VerifyChain("shop"))
}

func TestRun_NoBaselineIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.scriptHealthy()

	for i := 0; i < 2; i++ {
		outcome, err := f.rehearser.Run(context.Background(), request("shop"))
		require.NoError(t, err)
		assert.Equal(t, baseline.VerdictNoBaseline, outcome.Drift.Verdict)
	}
	_, err := f.baselines.Get("shop")
	assert.ErrorIs(t, err, baseline.ErrNoBaseline)
}

func TestRun_BaselineDriftExitsFive(t *testing.T) {
	f := newFixture(t)

	// Establish the contract at confidence 95.
	f.scriptHealthy()
	outcome, err := f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)
	_, err = f.baselines.Pin(outcome.Record, baseline.Tolerances{})
	require.NoError(t, err)

	pol := policy.Default()
	pol.FailOnBaselineDrift = true
	require.NoError(t, f.policies.Set("shop", pol))

	// Degrade to confidence 60 and rehearse again.
	f.scriptDegraded()
	outcome, err = f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)

	assert.InDelta(t, 60.0, outcome.Record.Confidence, 1e-9)
	assert.Equal(t, baseline.VerdictDrift, outcome.Drift.Verdict)
	assert.Equal(t, policy.ExitBaselineDrift, outcome.ExitCode)
	assert.Contains(t, f.events.kinds(), notify.KindBaselineDrift)
}

func TestRun_RecordsVerdictAndViolations(t *testing.T) {
	f := newFixture(t)

	f.scriptHealthy()
	outcome, err := f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)
	_, err = f.baselines.Pin(outcome.Record, baseline.Tolerances{})
	require.NoError(t, err)

	pol := policy.Default()
	pol.MinConfidence = 90
	pol.FailOnBaselineDrift = true
	require.NoError(t, f.policies.Set("shop", pol))

	f.scriptDegraded()
	outcome, err = f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)

	// Drift outranks the violation in the exit code, so history must keep
	// both on the record itself.
	assert.Equal(t, policy.ExitBaselineDrift, outcome.ExitCode)
	latest, err := f.ledger.Latest("shop")
	require.NoError(t, err)
	assert.Equal(t, string(baseline.VerdictDrift), latest.Verdict)

	rules := make([]string, len(latest.Violations))
	for i, v := range latest.Violations {
		rules[i] = v.Rule
	}
	assert.Contains(t, rules, "min_confidence")
	assert.Contains(t, rules, "fail_on_baseline_drift")

	// The chain hash covers the new fields.
	require.NoError(t, f.ledger.VerifyChain("shop"))
}

func TestRun_GuardedSkip(t *testing.T) {
	f := newFixture(t)
	f.scriptHealthy()

	release, err := f.keeper.TryAcquire("shop")
	require.NoError(t, err)
	defer release()

	outcome, err := f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Contains(t, outcome.SkipReason, "already being rehearsed")
	assert.Nil(t, outcome.Record)

	// Skips are silent: no events, no records.
	assert.Empty(t, f.events.kinds())
	_, err = f.ledger.Latest("shop")
	assert.ErrorIs(t, err, ledger.ErrNoRuns)
}

func TestRun_StrictIntegrityFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.scriptHealthy()

	outcome, err := f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)
	require.NotNil(t, outcome.Record)

	// Corrupt the stored record in place.
	var key []byte
	key = append(key, []byte("run/shop/")...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], outcome.Record.Seq)
	key = append(key, seq[:]...)
	require.NoError(t, f.store.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(`{"stack":"shop","confidence":100,"seq":1,"hash":"bogus","prev_hash":"`+ledger.GenesisHash+`"}`))
	}))

	req := request("shop")
	req.StrictIntegrity = true
	outcome, err = f.rehearser.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, policy.ExitFatal, outcome.ExitCode)
	assert.Contains(t, f.events.kinds(), notify.KindFatalError)
}

func TestRun_RecoveryNotificationOnTransition(t *testing.T) {
	f := newFixture(t)

	pol := policy.Default()
	pol.MinConfidence = 90
	require.NoError(t, f.policies.Set("shop", pol))

	// First run fails policy (confidence 60 < 90).
	f.scriptDegraded()
	outcome, err := f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)
	assert.Equal(t, policy.ExitPolicyViolated, outcome.ExitCode)
	assert.Contains(t, f.events.kinds(), notify.KindPolicyViolation)

	// Second run passes: recovery announced exactly once.
	f.scriptHealthy()
	outcome, err = f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)
	assert.Equal(t, policy.ExitPass, outcome.ExitCode)
	assert.Contains(t, f.events.kinds(), notify.KindRecovered)

	// Third passing run stays quiet.
	before := len(f.events.kinds())
	_, err = f.rehearser.Run(context.Background(), request("shop"))
	require.NoError(t, err)
	assert.Len(t, f.events.kinds(), before)
}

func TestRun_ProviderPreconditionBlocks(t *testing.T) {
	f := newFixture(t)
	f.scriptHealthy()
	require.NoError(t, f.providers.Set("shop", provider.Config{
		Type: "restic", Repository: "/backups",
	}))

	// Script the verifier: repository unreachable.
	f.rehearser = New(Deps{
		Guard:     f.keeper,
		Resolver:  compose.NewResolver(nil),
		Preflight: preflight.NewAnalyzer(nil),
		Runtime:   f.runtime,
		Ledger:    f.ledger,
		Baselines: f.baselines,
		Policies:  f.policies,
		Providers: f.providers,
		Notifier:  f.events,
		ProviderRunner: func(context.Context, string, []string, []string) ([]byte, error) {
			return nil, assert.AnError
		},
	})

	outcome, err := f.rehearser.Run(context.Background(), request("shop"))
	require.ErrorIs(t, err, provider.ErrUnreachable)
	assert.Equal(t, policy.ExitFatal, outcome.ExitCode)
	assert.Contains(t, f.events.kinds(), notify.KindProviderFailure)

	// Nothing was rehearsed, nothing recorded.
	_, lerr := f.ledger.Latest("shop")
	assert.ErrorIs(t, lerr, ledger.ErrNoRuns)
}

func TestRun_UnresolvableManifestIsFatal(t *testing.T) {
	f := newFixture(t)
	req := request("shop")
	req.ManifestBytes = []byte("services: {}\n")

	outcome, err := f.rehearser.Run(context.Background(), req)
	require.ErrorIs(t, err, compose.ErrNoServices)
	assert.Equal(t, policy.ExitFatal, outcome.ExitCode)
}
