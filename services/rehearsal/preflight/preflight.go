// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package preflight analyzes a resolved manifest against a snapshot of the
// host and predicts restore readiness before any container starts.
//
// Rules are static: they read the manifest and the snapshots in Context
// and never talk to a container runtime. Preflight advises; it cannot fail
// a rehearsal on its own.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drydock-io/drydock/services/rehearsal/compose"
)

// Severity classifies a finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Penalties subtracted from the readiness score per finding class.
const (
	PenaltyMissingBind    = 25
	PenaltyUnpinnedImage  = 5
	PenaltyUnsetEnv       = 20
	PenaltyMissingNetwork = 25
)

// Finding is one rule observation. Findings are recomputed fresh on every
// rehearsal and never persisted as host state.
type Finding struct {
	Rule     string   `json:"rule"`
	Service  string   `json:"service,omitempty"`
	Severity Severity `json:"severity"`
	Penalty  int      `json:"penalty"`
	Message  string   `json:"message"`
}

// Context carries everything rules may consult: the resolved manifest and
// point-in-time snapshots of the host.
type Context struct {
	Manifest *compose.Manifest
	// BaseDir anchors relative bind-mount sources (the manifest's dir).
	BaseDir string
	// HostEnv is a snapshot of the host environment.
	HostEnv map[string]string
	// HostNetworks is a snapshot of runtime network names, taken once
	// before evaluation. Rules never query the runtime themselves.
	HostNetworks map[string]struct{}
	// PathExists reports whether a host path exists. Defaults to an
	// os.Stat probe; tests substitute a fake.
	PathExists func(path string) bool
}

// NewContext builds a Context with host defaults filled in.
func NewContext(manifest *compose.Manifest, baseDir string, networks []string) *Context {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, val, found := strings.Cut(kv, "="); found {
			env[key] = val
		}
	}
	nets := make(map[string]struct{}, len(networks))
	for _, n := range networks {
		nets[n] = struct{}{}
	}
	return &Context{
		Manifest:     manifest,
		BaseDir:      baseDir,
		HostEnv:      env,
		HostNetworks: nets,
		PathExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Rule is one readiness check.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, pctx *Context) []Finding
}

// Report is the outcome of a full preflight pass.
type Report struct {
	Findings []Finding `json:"findings"`
	Score    int       `json:"score"`
}

// Criticals returns the critical findings.
func (r *Report) Criticals() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			out = append(out, f)
		}
	}
	return out
}

// Analyzer runs a fixed rule set over a manifest.
//
// # Thread Safety
//
// Safe for concurrent use; rules hold no state.
type Analyzer struct {
	rules  []Rule
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer with the standard rule set.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		rules: []Rule{
			BindMountRule{},
			ImagePullRule{},
			EnvVarRule{},
			ExternalNetworkRule{},
		},
		logger: logger,
	}
}

// Evaluate runs every rule and computes the readiness score.
//
// # Description
//
//	Score starts at 100 and loses each finding's penalty, floored at 0.
//	Services are visited in boot order so finding order is deterministic.
//
// # Outputs
//
//	*Report - All findings plus the aggregate score. Never an error:
//	preflight degrades the score, it does not abort.
func (a *Analyzer) Evaluate(ctx context.Context, pctx *Context) *Report {
	report := &Report{Score: 100}
	for _, rule := range a.rules {
		findings := rule.Evaluate(ctx, pctx)
		for _, f := range findings {
			report.Score -= f.Penalty
		}
		report.Findings = append(report.Findings, findings...)
	}
	if report.Score < 0 {
		report.Score = 0
	}

	a.logger.Info("preflight complete",
		slog.String("stack", pctx.Manifest.Stack),
		slog.Int("score", report.Score),
		slog.Int("findings", len(report.Findings)),
		slog.Int("critical", len(report.Criticals())))
	return report
}

// BindMountRule checks that bind-mount sources exist on the host.
//
// A missing source is informational (the runtime would create it empty);
// it becomes critical only when the manifest marks the mount required.
type BindMountRule struct{}

func (BindMountRule) Name() string { return "bind-mount" }

func (BindMountRule) Evaluate(_ context.Context, pctx *Context) []Finding {
	var findings []Finding
	for _, name := range pctx.Manifest.BootOrder {
		svc := pctx.Manifest.Service(name)
		for _, vol := range svc.Volumes {
			if !vol.Bind || vol.Source == "" {
				continue
			}
			src := vol.Source
			if !filepath.IsAbs(src) && pctx.BaseDir != "" {
				src = filepath.Join(pctx.BaseDir, src)
			}
			if pctx.PathExists(src) {
				continue
			}
			f := Finding{
				Rule:     "bind-mount",
				Service:  name,
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("bind source %s does not exist; runtime would create it empty", vol.Source),
			}
			if vol.Required {
				f.Severity = SeverityCritical
				f.Penalty = PenaltyMissingBind
				f.Message = fmt.Sprintf("required bind source %s does not exist on host", vol.Source)
			}
			findings = append(findings, f)
		}
	}
	return findings
}

// ImagePullRule flags unpinned image references. A floating tag means the
// rehearsal may boot a different image than the one a restore would need.
type ImagePullRule struct{}

func (ImagePullRule) Name() string { return "image-pin" }

func (ImagePullRule) Evaluate(_ context.Context, pctx *Context) []Finding {
	var findings []Finding
	for _, name := range pctx.Manifest.BootOrder {
		svc := pctx.Manifest.Service(name)
		if svc.Image == "" {
			continue
		}
		if unpinned(svc.Image) {
			findings = append(findings, Finding{
				Rule:     "image-pin",
				Service:  name,
				Severity: SeverityWarning,
				Penalty:  PenaltyUnpinnedImage,
				Message:  fmt.Sprintf("image %s is not pinned to a version tag", svc.Image),
			})
		}
	}
	return findings
}

// unpinned reports a reference with no tag, a :latest tag, and no digest.
func unpinned(image string) bool {
	if strings.Contains(image, "@sha256:") {
		return false
	}
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon <= slash {
		return true // no tag at all
	}
	return image[colon+1:] == "latest"
}

// EnvVarRule checks that pass-through environment entries resolve on the
// host. A bare "KEY" with no host value boots the service with an empty
// secret on a fresh machine.
type EnvVarRule struct{}

func (EnvVarRule) Name() string { return "env-var" }

func (EnvVarRule) Evaluate(_ context.Context, pctx *Context) []Finding {
	var findings []Finding
	for _, name := range pctx.Manifest.BootOrder {
		svc := pctx.Manifest.Service(name)
		for _, env := range svc.Environment {
			if env.HasValue {
				continue
			}
			if _, ok := pctx.HostEnv[env.Name]; ok {
				findings = append(findings, Finding{
					Rule:     "env-var",
					Service:  name,
					Severity: SeverityInfo,
					Message:  fmt.Sprintf("environment variable %s resolves from host", env.Name),
				})
				continue
			}
			findings = append(findings, Finding{
				Rule:     "env-var",
				Service:  name,
				Severity: SeverityCritical,
				Penalty:  PenaltyUnsetEnv,
				Message:  fmt.Sprintf("environment variable %s is not set on host", env.Name),
			})
		}
	}
	return findings
}

// ExternalNetworkRule checks that networks the stack expects to pre-exist
// actually do. The sandbox never creates external networks, so an absent
// one is exactly what a fresh-host restore would trip over.
type ExternalNetworkRule struct{}

func (ExternalNetworkRule) Name() string { return "external-network" }

func (ExternalNetworkRule) Evaluate(_ context.Context, pctx *Context) []Finding {
	var findings []Finding
	names := make([]string, 0, len(pctx.Manifest.Networks))
	for name := range pctx.Manifest.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		net := pctx.Manifest.Networks[name]
		if !net.External {
			continue
		}
		if _, ok := pctx.HostNetworks[net.ExternalName]; ok {
			findings = append(findings, Finding{
				Rule:     "external-network",
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("external network %s exists", net.ExternalName),
			})
			continue
		}
		findings = append(findings, Finding{
			Rule:     "external-network",
			Severity: SeverityCritical,
			Penalty:  PenaltyMissingNetwork,
			Message:  fmt.Sprintf("external network %s does not exist on host", net.ExternalName),
		})
	}
	return findings
}
