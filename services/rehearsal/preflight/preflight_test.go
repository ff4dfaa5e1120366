// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package preflight

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-io/drydock/services/rehearsal/compose"
)

func resolve(t *testing.T, manifest string) *compose.Manifest {
	t.Helper()
	m, err := compose.NewResolver(nil).Resolve("test", []byte(manifest))
	require.NoError(t, err)
	return m
}

func testContext(m *compose.Manifest) *Context {
	return &Context{
		Manifest:     m,
		HostEnv:      map[string]string{},
		HostNetworks: map[string]struct{}{},
		PathExists:   func(string) bool { return false },
	}
}

func TestEvaluate_CleanManifestScoresFull(t *testing.T) {
	m := resolve(t, `
services:
  web:
    image: nginx:1.27
`)
	report := NewAnalyzer(nil).Evaluate(context.Background(), testContext(m))
	assert.Equal(t, 100, report.Score)
	assert.Empty(t, report.Findings)
}

func TestEvaluate_MissingExternalNetworkIsCritical(t *testing.T) {
	m := resolve(t, `
services:
  web:
    image: nginx:1.27
networks:
  shared:
    external: true
`)
	report := NewAnalyzer(nil).Evaluate(context.Background(), testContext(m))
	assert.Equal(t, 75, report.Score)
	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Equal(t, PenaltyMissingNetwork, f.Penalty)
	assert.Contains(t, f.Message, "shared")
}

func TestEvaluate_PresentExternalNetworkIsInfo(t *testing.T) {
	m := resolve(t, `
services:
  web:
    image: nginx:1.27
networks:
  shared:
    external: true
`)
	pctx := testContext(m)
	pctx.HostNetworks["shared"] = struct{}{}
	report := NewAnalyzer(nil).Evaluate(context.Background(), pctx)
	assert.Equal(t, 100, report.Score)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityInfo, report.Findings[0].Severity)
}

func TestEvaluate_UnsetEnvVarIsCritical(t *testing.T) {
	m := resolve(t, `
services:
  web:
    image: nginx:1.27
    environment:
      - SECRET_TOKEN
      - PRESENT_ONE
`)
	pctx := testContext(m)
	pctx.HostEnv["PRESENT_ONE"] = "yes"
	report := NewAnalyzer(nil).Evaluate(context.Background(), pctx)

	assert.Equal(t, 80, report.Score)
	require.Len(t, report.Findings, 2)
	bySeverity := map[Severity]int{}
	for _, f := range report.Findings {
		bySeverity[f.Severity]++
	}
	assert.Equal(t, 1, bySeverity[SeverityCritical])
	assert.Equal(t, 1, bySeverity[SeverityInfo])
}

func TestEvaluate_UnpinnedImages(t *testing.T) {
	m := resolve(t, `
services:
  a:
    image: nginx:latest
  b:
    image: redis
  c:
    image: postgres:16
  d:
    image: ghcr.io/org/app@sha256:abcdef0123456789
`)
	report := NewAnalyzer(nil).Evaluate(context.Background(), testContext(m))

	var flagged []string
	for _, f := range report.Findings {
		assert.Equal(t, SeverityWarning, f.Severity)
		assert.Equal(t, PenaltyUnpinnedImage, f.Penalty)
		flagged = append(flagged, f.Service)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, flagged)
	assert.Equal(t, 90, report.Score)
}

func TestEvaluate_RequiredBindMount(t *testing.T) {
	m := resolve(t, `
services:
  db:
    image: postgres:16
    volumes:
      - type: bind
        source: /srv/pg
        target: /var/lib/postgresql/data
        required: true
      - /srv/logs:/logs
`)
	report := NewAnalyzer(nil).Evaluate(context.Background(), testContext(m))

	require.Len(t, report.Findings, 2)
	var critical, info int
	for _, f := range report.Findings {
		switch f.Severity {
		case SeverityCritical:
			critical++
			assert.Equal(t, PenaltyMissingBind, f.Penalty)
		case SeverityInfo:
			info++
			assert.Zero(t, f.Penalty)
		}
	}
	assert.Equal(t, 1, critical)
	assert.Equal(t, 1, info)
	assert.Equal(t, 75, report.Score)
}

func TestEvaluate_ScoreFloorsAtZero(t *testing.T) {
	m := resolve(t, `
services:
  web:
    image: app:1
    environment:
      - A
      - B
      - C
      - D
      - E
      - F
`)
	report := NewAnalyzer(nil).Evaluate(context.Background(), testContext(m))
	assert.Equal(t, 0, report.Score)
}

func TestReport_Criticals(t *testing.T) {
	r := &Report{Findings: []Finding{
		{Severity: SeverityInfo},
		{Severity: SeverityCritical},
		{Severity: SeverityWarning},
		{Severity: SeverityCritical},
	}}
	assert.Len(t, r.Criticals(), 2)
}
