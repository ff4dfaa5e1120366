// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compose

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drydock-io/drydock/services/rehearsal/graph"
)

// OneshotLabel marks a service that is expected to exit successfully
// rather than stay running.
const OneshotLabel = "drydock.oneshot"

// RequiredVolumeKey is the long-form volume extension that promotes a
// missing bind source from informational to critical in preflight.
const RequiredVolumeKey = "required"

var (
	// ErrNoServices means the manifest parsed but declares no services.
	ErrNoServices = errors.New("manifest declares no services")
)

// Resolver turns manifest bytes into a Manifest.
//
// # Thread Safety
//
// Safe for concurrent use; the resolver holds no mutable state beyond
// its logger.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil logger falls back to slog.Default.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// ResolveFile reads and resolves a manifest from disk.
func (r *Resolver) ResolveFile(stack, path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return r.Resolve(stack, raw)
}

// Resolve parses manifest bytes into an immutable Manifest.
//
// # Description
//
//	Decodes the YAML into a generic tree (anchors and merge keys are
//	resolved by the decoder), then extracts services, networks and the
//	dependency graph with tolerant typed accessors. Computes the boot
//	order via topological sort.
//
// # Outputs
//
//	*Manifest - Resolved manifest with deterministic boot order.
//	error - Invalid YAML, empty service set, a depends_on target that is
//	not a declared service, or a *graph.CycleError.
func (r *Resolver) Resolve(stack string, raw []byte) (*Manifest, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if stack == "" {
		stack = asString(tree["name"])
	}
	if stack == "" {
		stack = "stack"
	}

	servicesNode := asMap(tree["services"])
	if len(servicesNode) == 0 {
		return nil, ErrNoServices
	}

	m := &Manifest{
		Stack:    stack,
		Digest:   DigestBytes(raw),
		Services: make(map[string]*ServiceSpec, len(servicesNode)),
		Networks: resolveNetworks(asMap(tree["networks"])),
	}

	declared := make(map[string]struct{}, len(servicesNode))
	for name := range servicesNode {
		declared[name] = struct{}{}
	}

	g := graph.New()
	for name, node := range servicesNode {
		spec := r.resolveService(name, asMap(node))
		m.Services[name] = spec
		g.AddNode(name)
		for _, dep := range spec.DependsOn {
			g.AddEdge(name, dep.Service)
		}
	}

	if missing := g.MissingDependencies(declared); len(missing) > 0 {
		return nil, fmt.Errorf("depends_on references undeclared services: %s", strings.Join(missing, ", "))
	}

	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	m.BootOrder = order

	r.logger.Debug("manifest resolved",
		slog.String("stack", stack),
		slog.Int("services", len(m.Services)),
		slog.String("digest", m.Digest[:12]))
	return m, nil
}

func (r *Resolver) resolveService(name string, node map[string]any) *ServiceSpec {
	spec := &ServiceSpec{
		Name:        name,
		Image:       asString(node["image"]),
		Command:     resolveCommand(node["command"]),
		DependsOn:   resolveDependsOn(node["depends_on"]),
		Volumes:     resolveVolumes(node["volumes"]),
		Environment: resolveEnvironment(node["environment"]),
		Networks:    resolveServiceNetworks(node["networks"]),
		Labels:      resolveLabels(node["labels"]),
	}

	spec.Healthcheck, spec.HasHealthcheck = resolveHealthcheck(asMap(node["healthcheck"]))

	restart := asString(node["restart"])
	if isTruthy(spec.Labels[OneshotLabel]) || restart == "no" || restart == "none" {
		spec.Oneshot = true
	}

	if spec.Image == "" {
		r.logger.Warn("service has no image", slog.String("service", name))
	}
	return spec
}

// resolveCommand accepts the exec list form or a shell string.
func resolveCommand(node any) []string {
	switch v := node.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{"/bin/sh", "-c", v}
	case []any:
		return asStringSlice(v)
	default:
		return nil
	}
}

// resolveDependsOn accepts both the list form and the map form with an
// optional condition per dependency.
func resolveDependsOn(node any) []Dependency {
	var deps []Dependency
	switch v := node.(type) {
	case []any:
		for _, entry := range v {
			if svc := asString(entry); svc != "" {
				deps = append(deps, Dependency{Service: svc, Condition: ConditionStarted})
			}
		}
	case map[string]any:
		for svc, detail := range v {
			dep := Dependency{Service: svc, Condition: ConditionStarted}
			if cond := asString(asMap(detail)["condition"]); cond != "" {
				switch Condition(cond) {
				case ConditionHealthy, ConditionCompleted, ConditionStarted:
					dep.Condition = Condition(cond)
				}
			}
			deps = append(deps, dep)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Service < deps[j].Service })
	return deps
}

func resolveVolumes(node any) []VolumeMount {
	entries, ok := node.([]any)
	if !ok {
		return nil
	}
	var mounts []VolumeMount
	for _, entry := range entries {
		switch v := entry.(type) {
		case string:
			if mnt, ok := parseShortVolume(v); ok {
				mounts = append(mounts, mnt)
			}
		case map[string]any:
			mnt := VolumeMount{
				Source:   asString(v["source"]),
				Target:   asString(v["target"]),
				ReadOnly: asBool(v["read_only"]),
				Required: asBool(v[RequiredVolumeKey]),
			}
			typ := asString(v["type"])
			mnt.Bind = typ == "bind" || (typ == "" && isHostPath(mnt.Source))
			if mnt.Target != "" {
				mounts = append(mounts, mnt)
			}
		}
	}
	return mounts
}

// parseShortVolume parses "source:target[:mode]" and the anonymous
// "/container/path" form.
func parseShortVolume(s string) (VolumeMount, bool) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return VolumeMount{}, false
		}
		return VolumeMount{Target: parts[0]}, true
	case 2, 3:
		mnt := VolumeMount{
			Source: parts[0],
			Target: parts[1],
			Bind:   isHostPath(parts[0]),
		}
		if len(parts) == 3 && strings.Contains(parts[2], "ro") {
			mnt.ReadOnly = true
		}
		return mnt, mnt.Target != ""
	default:
		return VolumeMount{}, false
	}
}

// isHostPath distinguishes bind sources from named volumes.
func isHostPath(source string) bool {
	return strings.HasPrefix(source, "/") ||
		strings.HasPrefix(source, "./") ||
		strings.HasPrefix(source, "../") ||
		strings.HasPrefix(source, "~")
}

func resolveEnvironment(node any) []EnvVar {
	var vars []EnvVar
	switch v := node.(type) {
	case []any:
		for _, entry := range v {
			s := asString(entry)
			if s == "" {
				continue
			}
			if key, val, found := strings.Cut(s, "="); found {
				vars = append(vars, EnvVar{Name: key, Value: val, HasValue: true})
			} else {
				vars = append(vars, EnvVar{Name: s})
			}
		}
	case map[string]any:
		for key, val := range v {
			if val == nil {
				vars = append(vars, EnvVar{Name: key})
			} else {
				vars = append(vars, EnvVar{Name: key, Value: asScalarString(val), HasValue: true})
			}
		}
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}

func resolveServiceNetworks(node any) []string {
	switch v := node.(type) {
	case []any:
		nets := asStringSlice(v)
		sort.Strings(nets)
		return nets
	case map[string]any:
		nets := make([]string, 0, len(v))
		for name := range v {
			nets = append(nets, name)
		}
		sort.Strings(nets)
		return nets
	default:
		return nil
	}
}

func resolveLabels(node any) map[string]string {
	labels := make(map[string]string)
	switch v := node.(type) {
	case []any:
		for _, entry := range v {
			if key, val, found := strings.Cut(asString(entry), "="); found {
				labels[key] = val
			}
		}
	case map[string]any:
		for key, val := range v {
			labels[key] = asScalarString(val)
		}
	}
	return labels
}

func resolveHealthcheck(node map[string]any) (*Healthcheck, bool) {
	if len(node) == 0 {
		return nil, false
	}
	if asBool(node["disable"]) {
		return nil, false
	}

	hc := &Healthcheck{
		Interval:    asDuration(node["interval"]),
		Timeout:     asDuration(node["timeout"]),
		Retries:     asInt(node["retries"]),
		StartPeriod: asDuration(node["start_period"]),
	}
	switch test := node["test"].(type) {
	case string:
		hc.Test = []string{"CMD-SHELL", test}
	case []any:
		hc.Test = asStringSlice(test)
	}
	if len(hc.Test) > 0 && hc.Test[0] == "NONE" {
		return nil, false
	}
	return hc, true
}

func resolveNetworks(node map[string]any) map[string]NetworkSpec {
	nets := make(map[string]NetworkSpec, len(node))
	for name, detail := range node {
		spec := NetworkSpec{Name: name, ExternalName: name}
		d := asMap(detail)
		switch ext := d["external"].(type) {
		case bool:
			spec.External = ext
		case map[string]any:
			// Legacy "external: {name: ...}" form.
			spec.External = true
			if n := asString(ext["name"]); n != "" {
				spec.ExternalName = n
			}
		}
		if n := asString(d["name"]); n != "" && spec.ExternalName == name {
			spec.ExternalName = n
		}
		nets[name] = spec
	}
	return nets
}

// Tolerant accessors. Anything in an unexpected shape yields the zero
// value for that one field.

func asMap(node any) map[string]any {
	m, _ := node.(map[string]any)
	return m
}

func asString(node any) string {
	s, _ := node.(string)
	return s
}

// asScalarString renders YAML scalars (string, int, bool, float) as the
// string compose semantics expect for env and label values.
func asScalarString(node any) string {
	switch v := node.(type) {
	case string:
		return v
	case bool, int, int64, uint64, float64:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

func asStringSlice(node []any) []string {
	out := make([]string, 0, len(node))
	for _, entry := range node {
		if s := asScalarString(entry); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asBool(node any) bool {
	b, _ := node.(bool)
	return b
}

func asInt(node any) int {
	switch v := node.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func asDuration(node any) time.Duration {
	s := asString(node)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
