// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-io/drydock/services/rehearsal/baseline"
	"github.com/drydock-io/drydock/services/rehearsal/engine"
	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/scoring"
	"github.com/drydock-io/drydock/services/rehearsal/storage/badgerdb"
)

func openStore(t *testing.T) *badgerdb.Store {
	t.Helper()
	store, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []engine.Request
}

func (f *fakeRunner) Run(_ context.Context, req engine.Request) (*engine.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &engine.Outcome{Record: &ledger.RunRecord{Stack: req.Stack, Confidence: 100}}, nil
}

func (f *fakeRunner) calls() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.requests...)
}

// blockingRunner holds every rehearsal open until release is closed, so a
// test can fire further triggers while the first is still in flight.
type blockingRunner struct {
	mu      sync.Mutex
	started int
	release chan struct{}
}

func (b *blockingRunner) Run(_ context.Context, req engine.Request) (*engine.Outcome, error) {
	b.mu.Lock()
	b.started++
	b.mu.Unlock()
	<-b.release
	return &engine.Outcome{Record: &ledger.RunRecord{Stack: req.Stack, Confidence: 100}}, nil
}

func (b *blockingRunner) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func TestRegistry_CRUD(t *testing.T) {
	reg := NewRegistry(openStore(t), nil)

	_, err := reg.Get("shop")
	assert.ErrorIs(t, err, ErrNotWatched)

	entry := WatchEntry{
		Stack:        "shop",
		ManifestPath: "/srv/shop/docker-compose.yml",
		Schedule:     "0 3 * * *",
		CatchUp:      true,
	}
	require.NoError(t, reg.Set(entry))
	require.NoError(t, reg.Set(WatchEntry{Stack: "blog", ManifestPath: "/srv/blog/compose.yaml"}))

	got, err := reg.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	entries, err := reg.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "blog", entries[0].Stack, "list is sorted by stack")
	assert.Equal(t, "shop", entries[1].Stack)

	require.NoError(t, reg.Delete("shop"))
	_, err = reg.Get("shop")
	assert.ErrorIs(t, err, ErrNotWatched)
}

func TestWatchEntry_Validation(t *testing.T) {
	cases := map[string]WatchEntry{
		"missing stack":    {ManifestPath: "/srv/x/compose.yaml"},
		"missing manifest": {Stack: "x"},
		"bad cron":         {Stack: "x", ManifestPath: "/srv/x/compose.yaml", Schedule: "not a cron"},
		"six fields":       {Stack: "x", ManifestPath: "/srv/x/compose.yaml", Schedule: "* * * * * *"},
		"bad pull policy":  {Stack: "x", ManifestPath: "/srv/x/compose.yaml", PullPolicy: "sometimes"},
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, entry.Validate())
		})
	}

	assert.NoError(t, WatchEntry{
		Stack:        "x",
		ManifestPath: "/srv/x/compose.yaml",
		Schedule:     "@hourly",
		PullPolicy:   "if-missing",
	}.Validate())
}

func TestRegistry_LastRunWatermark(t *testing.T) {
	reg := NewRegistry(openStore(t), nil)

	ts, err := reg.LastRun("shop")
	require.NoError(t, err)
	assert.True(t, ts.IsZero(), "never-run stack has a zero watermark")

	mark := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)
	require.NoError(t, reg.SetLastRun("shop", mark))
	ts, err = reg.LastRun("shop")
	require.NoError(t, err)
	assert.True(t, mark.Equal(ts))
}

func TestDecide(t *testing.T) {
	sched, err := cron.ParseStandard("0 3 * * *")
	require.NoError(t, err)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("fresh entry waits for next activation", func(t *testing.T) {
		decision, _ := Decide(sched, time.Time{}, now)
		assert.Equal(t, DecisionWait, decision)
	})

	t.Run("next activation in the future", func(t *testing.T) {
		decision, _ := Decide(sched, now.Add(-time.Hour), now)
		assert.Equal(t, DecisionWait, decision)
	})

	t.Run("due within the catch-up window", func(t *testing.T) {
		decision, activation := Decide(sched, now.Add(-10*time.Hour), now)
		assert.Equal(t, DecisionTrigger, decision)
		assert.Equal(t, time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC), activation)
	})

	t.Run("missed activation older than the window", func(t *testing.T) {
		decision, activation := Decide(sched, now.Add(-72*time.Hour), now)
		assert.Equal(t, DecisionSkipStale, decision)
		assert.True(t, now.Sub(activation) > CatchUpLookback)
	})
}

func TestScan_TriggersAndAdvancesWatermark(t *testing.T) {
	store := openStore(t)
	reg := NewRegistry(store, nil)
	runner := &fakeRunner{}
	d := NewDaemon(reg, runner, ledger.New(store, nil), nil, Options{}, nil)

	require.NoError(t, reg.Set(WatchEntry{
		Stack:           "shop",
		ManifestPath:    "/srv/shop/compose.yaml",
		Schedule:        "@hourly",
		StrictIntegrity: true,
		PullPolicy:      "if-missing",
	}))
	require.NoError(t, reg.SetLastRun("shop", time.Now().Add(-2*time.Hour)))

	d.scan(context.Background(), time.Now())
	d.wg.Wait()

	calls := runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "shop", calls[0].Stack)
	assert.Equal(t, "/srv/shop/compose.yaml", calls[0].ManifestPath)
	assert.True(t, calls[0].StrictIntegrity)
	assert.EqualValues(t, "if-missing", calls[0].PullPolicy)

	// The watermark advanced, so an immediate rescan does nothing.
	d.scan(context.Background(), time.Now())
	d.wg.Wait()
	assert.Len(t, runner.calls(), 1)
}

func TestScan_StaleActivationSkipped(t *testing.T) {
	store := openStore(t)
	reg := NewRegistry(store, nil)
	runner := &fakeRunner{}
	d := NewDaemon(reg, runner, ledger.New(store, nil), nil, Options{}, nil)

	require.NoError(t, reg.Set(WatchEntry{
		Stack:        "shop",
		ManifestPath: "/srv/shop/compose.yaml",
		Schedule:     "@hourly",
		CatchUp:      true,
	}))
	require.NoError(t, reg.SetLastRun("shop", time.Now().Add(-96*time.Hour)))

	d.scan(context.Background(), time.Now())
	d.wg.Wait()

	assert.Empty(t, runner.calls())
	mark, err := reg.LastRun("shop")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), mark, time.Minute)
}

func TestTrigger_CoincidentTriggersCollapse(t *testing.T) {
	store := openStore(t)
	runner := &blockingRunner{release: make(chan struct{})}
	d := NewDaemon(NewRegistry(store, nil), runner, ledger.New(store, nil), nil, Options{}, nil)

	entry := WatchEntry{Stack: "shop", ManifestPath: "/srv/shop/compose.yaml"}

	// A cron activation and a manifest change landing in the same instant
	// must yield one rehearsal and one skip, not two serialized runs.
	d.trigger(context.Background(), entry, "schedule activation")
	d.trigger(context.Background(), entry, "manifest changed")

	close(runner.release)
	d.wg.Wait()

	assert.Equal(t, 1, runner.count(), "exactly one rehearsal should execute")
}

func TestTrigger_DistinctStacksBothRun(t *testing.T) {
	store := openStore(t)
	runner := &blockingRunner{release: make(chan struct{})}
	d := NewDaemon(NewRegistry(store, nil), runner, ledger.New(store, nil), nil, Options{}, nil)

	d.trigger(context.Background(), WatchEntry{Stack: "shop", ManifestPath: "/srv/shop/compose.yaml"}, "schedule activation")
	d.trigger(context.Background(), WatchEntry{Stack: "blog", ManifestPath: "/srv/blog/compose.yaml"}, "schedule activation")

	close(runner.release)
	d.wg.Wait()

	assert.Equal(t, 2, runner.count(), "the pool only arbitrates distinct stacks")
}

func TestDebounce(t *testing.T) {
	d := NewDaemon(NewRegistry(openStore(t), nil), &fakeRunner{}, nil, nil, Options{FileDebounce: time.Hour}, nil)
	assert.True(t, d.debounce("shop"))
	assert.False(t, d.debounce("shop"), "second hit inside the window is suppressed")
	assert.True(t, d.debounce("blog"), "stacks debounce independently")
}

func TestHTTP_Healthz(t *testing.T) {
	store := openStore(t)
	d := NewDaemon(NewRegistry(store, nil), &fakeRunner{}, ledger.New(store, nil), nil, Options{}, nil)
	d.started = time.Now()

	rec := httptest.NewRecorder()
	d.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHTTP_Status(t *testing.T) {
	store := openStore(t)
	reg := NewRegistry(store, nil)
	led := ledger.New(store, nil)
	d := NewDaemon(reg, &fakeRunner{}, led, nil, Options{}, nil)

	require.NoError(t, reg.Set(WatchEntry{
		Stack:        "shop",
		ManifestPath: "/srv/shop/compose.yaml",
		Schedule:     "@daily",
	}))
	require.NoError(t, led.Append(&ledger.RunRecord{
		Stack:          "legacy",
		ManifestDigest: "abc",
		Timestamp:      time.Now().UTC(),
		Confidence:     85,
		Risk:           scoring.RiskModerate,
		Readiness:      95,
	}))

	rec := httptest.NewRecorder()
	d.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stacks []StackStatus `json:"stacks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Stacks, 2)

	byStack := make(map[string]StackStatus, len(body.Stacks))
	for _, s := range body.Stacks {
		byStack[s.Stack] = s
	}
	shop := byStack["shop"]
	assert.True(t, shop.Watched)
	assert.Equal(t, "@daily", shop.Schedule)
	assert.Nil(t, shop.LastRun, "watched but never rehearsed")

	legacy := byStack["legacy"]
	assert.False(t, legacy.Watched)
	require.NotNil(t, legacy.LastRun)
	assert.InDelta(t, 85.0, legacy.LastRun.Confidence, 1e-9)
	assert.Equal(t, string(scoring.RiskModerate), legacy.LastRun.Risk)
}

func appendRun(t *testing.T, led *ledger.Ledger, stack string, confidence float64, readiness int) {
	t.Helper()
	require.NoError(t, led.Append(&ledger.RunRecord{
		Stack:          stack,
		ManifestDigest: "abc",
		Timestamp:      time.Now().UTC(),
		Confidence:     confidence,
		Risk:           scoring.RiskLow,
		Readiness:      readiness,
	}))
}

func TestBuildCoverage(t *testing.T) {
	store := openStore(t)
	reg := NewRegistry(store, nil)
	led := ledger.New(store, nil)
	baselines := baseline.NewEngine(store, led, nil)

	for _, stack := range []string{"alpha", "bravo", "charlie", "delta"} {
		require.NoError(t, reg.Set(WatchEntry{
			Stack:        stack,
			ManifestPath: "/srv/" + stack + "/compose.yaml",
		}))
	}

	// alpha: pinned contract, latest run inside tolerance.
	appendRun(t, led, "alpha", 95, 100)
	_, err := baselines.PromoteLatest("alpha", baseline.DefaultTolerances())
	require.NoError(t, err)

	// bravo: rehearsing blind, history but no contract.
	appendRun(t, led, "bravo", 90, 100)

	// charlie: watched but never rehearsed.

	// delta: pinned contract, then a collapse.
	appendRun(t, led, "delta", 95, 100)
	_, err = baselines.PromoteLatest("delta", baseline.DefaultTolerances())
	require.NoError(t, err)
	appendRun(t, led, "delta", 10, 20)

	// legacy: history but not watched.
	appendRun(t, led, "legacy", 85, 95)

	summary, err := BuildCoverage(reg, baselines, led)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.TotalWatched)
	assert.Equal(t, 2, summary.WithBaseline)
	assert.Equal(t, 1, summary.HonouringContract)
	assert.Equal(t, 1, summary.Uncontracted)
	assert.Equal(t, 1, summary.NeverRehearsed)
	assert.Equal(t, 25, summary.CoveragePct)

	require.Len(t, summary.Stacks, 5)
	assert.Equal(t, "alpha", summary.Stacks[0].Stack)
	assert.Equal(t, string(baseline.VerdictHonoured), summary.Stacks[0].Status)
	assert.Equal(t, "delta", summary.Stacks[1].Stack)
	assert.Equal(t, string(baseline.VerdictDrift), summary.Stacks[1].Status)
	assert.Equal(t, "bravo", summary.Stacks[2].Stack)
	assert.Equal(t, string(baseline.VerdictNoBaseline), summary.Stacks[2].Status)

	byStack := make(map[string]StackCoverage, len(summary.Stacks))
	for _, row := range summary.Stacks {
		byStack[row.Stack] = row
	}
	charlie := byStack["charlie"]
	assert.Equal(t, StatusNoRuns, charlie.Status)
	assert.Nil(t, charlie.Confidence)

	legacy := byStack["legacy"]
	assert.Equal(t, StatusUnwatched, legacy.Status)
	assert.False(t, legacy.Watched)
}

func TestHTTP_Coverage(t *testing.T) {
	store := openStore(t)
	reg := NewRegistry(store, nil)
	led := ledger.New(store, nil)
	baselines := baseline.NewEngine(store, led, nil)
	d := NewDaemon(reg, &fakeRunner{}, led, baselines, Options{}, nil)

	require.NoError(t, reg.Set(WatchEntry{
		Stack:        "shop",
		ManifestPath: "/srv/shop/compose.yaml",
	}))

	rec := httptest.NewRecorder()
	d.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/coverage", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary CoverageSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.TotalWatched)
	assert.Equal(t, 1, summary.NeverRehearsed)
	require.Len(t, summary.Stacks, 1)
	assert.Equal(t, StatusNoRuns, summary.Stacks[0].Status)
}
