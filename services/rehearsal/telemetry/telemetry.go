// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry wires tracing and metrics for the rehearsal engine.
//
// Prometheus metrics register at package load; the daemon serves them on
// /metrics. Tracing is opt-in via Init, which installs the global otel
// tracer provider and hands back a shutdown hook.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Rehearsal metrics. Labels stay low-cardinality: stack names and small
// enums only.
var (
	RehearsalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drydock_rehearsals_total",
		Help: "Completed rehearsals by stack and result (pass, fail, fatal).",
	}, []string{"stack", "result"})

	RehearsalSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drydock_rehearsal_skips_total",
		Help: "Triggers skipped because the stack was already being rehearsed.",
	}, []string{"stack"})

	PolicyViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drydock_policy_violations_total",
		Help: "Policy clauses violated by completed rehearsals.",
	}, []string{"stack", "rule"})

	BaselineDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drydock_baseline_drift_total",
		Help: "Rehearsals that drifted from the pinned baseline.",
	}, []string{"stack"})

	RehearsalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drydock_rehearsal_duration_seconds",
		Help:    "Wall-clock rehearsal duration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"stack"})

	Confidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drydock_confidence",
		Help: "Confidence of the most recent rehearsal per stack.",
	}, []string{"stack"})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Config selects the trace exporter.
type Config struct {
	// TraceExporter is "stdout" or "none".
	TraceExporter string
}

// Init installs the global tracer provider.
//
// # Outputs
//
//	shutdown - Flushes and stops the provider; always safe to call.
//	error - Unknown exporter or exporter construction failure.
func Init(_ context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.TraceExporter {
	case "", "none":
		return noop, nil
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return noop, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(provider)
		return provider.Shutdown, nil
	default:
		return noop, fmt.Errorf("unknown trace exporter %q", cfg.TraceExporter)
	}
}
