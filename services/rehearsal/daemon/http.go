// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drydock-io/drydock/services/rehearsal/ledger"
	"github.com/drydock-io/drydock/services/rehearsal/telemetry"
)

// StackStatus is one row of the /status response.
type StackStatus struct {
	Stack    string      `json:"stack"`
	Watched  bool        `json:"watched"`
	Schedule string      `json:"schedule,omitempty"`
	LastRun  *RunSummary `json:"last_run,omitempty"`
}

// RunSummary condenses the latest ledger record for the HTTP surface.
type RunSummary struct {
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Risk       string    `json:"risk"`
	Readiness  int       `json:"readiness"`
	ExitCode   int       `json:"exit_code"`
	Fatal      bool      `json:"fatal"`
}

func (d *Daemon) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", d.handleHealthz)
	r.GET("/status", d.handleStatus)
	r.GET("/coverage", d.handleCoverage)
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	return r
}

// handleCoverage reports fleet coverage: which stacks hold a contract
// and honour it.
func (d *Daemon) handleCoverage(c *gin.Context) {
	summary, err := BuildCoverage(d.registry, d.baselines, d.runs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (d *Daemon) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(d.started).Round(time.Second).String(),
	})
}

// handleStatus reports every known stack: watched ones plus any stack
// with ledger history.
func (d *Daemon) handleStatus(c *gin.Context) {
	entries, err := d.registry.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stacks, err := d.runs.Stacks()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	byStack := make(map[string]*StackStatus)
	order := make([]string, 0, len(entries)+len(stacks))
	for _, entry := range entries {
		byStack[entry.Stack] = &StackStatus{
			Stack:    entry.Stack,
			Watched:  true,
			Schedule: entry.Schedule,
		}
		order = append(order, entry.Stack)
	}
	for _, stack := range stacks {
		if _, ok := byStack[stack]; !ok {
			byStack[stack] = &StackStatus{Stack: stack}
			order = append(order, stack)
		}
	}

	statuses := make([]StackStatus, 0, len(order))
	for _, stack := range order {
		status := byStack[stack]
		latest, err := d.runs.Latest(stack)
		if err != nil && !errors.Is(err, ledger.ErrNoRuns) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if latest != nil {
			status.LastRun = &RunSummary{
				Timestamp:  latest.Timestamp,
				Confidence: latest.Confidence,
				Risk:       string(latest.Risk),
				Readiness:  latest.Readiness,
				ExitCode:   latest.ExitCode,
				Fatal:      latest.Fatal,
			}
		}
		statuses = append(statuses, *status)
	}
	c.JSON(http.StatusOK, gin.H{"stacks": statuses})
}
