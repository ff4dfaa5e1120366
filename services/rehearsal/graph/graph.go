// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph models the service dependency graph of a stack.
//
// Nodes are service names. An edge A -> B means "B must reach its required
// state before A may start". The graph must be acyclic; a cycle is a fatal
// manifest defect detected before any container runtime work begins.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle. Participants holds the service
// names involved, in a deterministic order.
type CycleError struct {
	Participants []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between services: %s", strings.Join(e.Participants, " -> "))
}

// Graph is a directed dependency graph over service names.
//
// # Thread Safety
//
// Not safe for concurrent mutation. Build the graph fully, then share it
// read-only; TopoOrder and Dependencies do not mutate state.
type Graph struct {
	nodes map[string]struct{}
	// edges[a] holds the services a depends on (a -> dep).
	edges map[string]map[string]struct{}
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]struct{}),
		edges: make(map[string]map[string]struct{}),
	}
}

// AddNode registers a service. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	g.nodes[name] = struct{}{}
}

// AddEdge records that from depends on to. Both endpoints are registered
// as nodes if they were not already present.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	deps, ok := g.edges[from]
	if !ok {
		deps = make(map[string]struct{})
		g.edges[from] = deps
	}
	deps[to] = struct{}{}
}

// HasNode reports whether a service is registered.
func (g *Graph) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Len returns the number of registered services.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Dependencies returns the direct dependencies of a service, sorted.
func (g *Graph) Dependencies(name string) []string {
	deps := make([]string, 0, len(g.edges[name]))
	for dep := range g.edges[name] {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// TopoOrder computes a boot order in which every service appears after all
// of its dependencies.
//
// # Description
//
//	Kahn's algorithm with a sorted ready set: among services whose
//	dependencies are all satisfied, the lexically smallest starts first.
//	The order is therefore fully deterministic for a given manifest.
//
// # Outputs
//
//	[]string - Boot order covering every node exactly once.
//	error - *CycleError if the graph contains a cycle.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for name := range g.nodes {
		indegree[name] = 0
	}
	for from, deps := range g.edges {
		for dep := range deps {
			indegree[from]++
			dependents[dep] = append(dependents[dep], from)
		}
	}

	ready := make([]string, 0, len(g.nodes))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		released := make([]string, 0, len(dependents[next]))
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &CycleError{Participants: g.cycleParticipants(indegree)}
	}
	return order, nil
}

// cycleParticipants narrows the nodes Kahn's algorithm could not order
// down to the services actually on a cycle.
//
// # Description
//
//	The unordered remainder contains the cycle members plus everything
//	merely downstream of them. Within that remainder, a node no other
//	remainder node depends on cannot be on a cycle; peeling such nodes
//	repeatedly leaves exactly the cycle members.
func (g *Graph) cycleParticipants(indegree map[string]int) []string {
	residual := make(map[string]struct{})
	for name, deg := range indegree {
		if deg > 0 {
			residual[name] = struct{}{}
		}
	}
	for changed := true; changed; {
		changed = false
		for name := range residual {
			// A self-edge counts: the node depends on itself.
			depended := false
			for from := range residual {
				if _, ok := g.edges[from][name]; ok {
					depended = true
					break
				}
			}
			if !depended {
				delete(residual, name)
				changed = true
			}
		}
	}
	participants := make([]string, 0, len(residual))
	for name := range residual {
		participants = append(participants, name)
	}
	sort.Strings(participants)
	return participants
}

// MissingDependencies returns edges whose target is not a declared service,
// sorted by dependent then dependency. The resolver treats these as fatal.
func (g *Graph) MissingDependencies(declared map[string]struct{}) []string {
	var missing []string
	for from, deps := range g.edges {
		for dep := range deps {
			if _, ok := declared[dep]; !ok {
				missing = append(missing, fmt.Sprintf("%s -> %s", from, dep))
			}
		}
	}
	sort.Strings(missing)
	return missing
}
