// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scoring converts terminal runtime observations into per-service
// scores, an aggregate confidence, and a risk band.
//
// The score table is the contract the rest of the system reasons about:
//
//	healthy                     100
//	running (no healthcheck)     85
//	unhealthy                    40
//	exited (failure)              0
//	exited (oneshot, code 0)    100
package scoring

import "fmt"

// State is the terminal condition a service reached during a rehearsal.
type State string

const (
	// StateHealthy: running with a passing healthcheck.
	StateHealthy State = "healthy"
	// StateRunning: running but the container defines no healthcheck, so
	// liveness is presumed rather than proven.
	StateRunning State = "running-no-healthcheck"
	// StateUnhealthy: running with a failing healthcheck.
	StateUnhealthy State = "unhealthy"
	// StateExited: stopped with a non-zero code, or a long-running
	// service that stopped at all.
	StateExited State = "exited-failed"
	// StateCompleted: a oneshot service that exited with code 0.
	StateCompleted State = "exited-oneshot"
)

// Risk bands over the aggregate confidence.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskModerate Risk = "MODERATE"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// TrendDirection compares a run's confidence to the immediately
// preceding run.
type TrendDirection string

const (
	TrendUp   TrendDirection = "UP"
	TrendDown TrendDirection = "DOWN"
	TrendSame TrendDirection = "SAME"
)

// ServiceScore is the scored outcome for one service.
type ServiceScore struct {
	Service string  `json:"service"`
	State   State   `json:"state"`
	Score   int     `json:"score"`
	Seconds float64 `json:"seconds"`
}

// Trend is the confidence movement between two consecutive runs.
type Trend struct {
	Direction TrendDirection `json:"direction"`
	Delta     float64        `json:"delta"`
}

// ScoreFor maps a terminal state to its score.
func ScoreFor(state State) int {
	switch state {
	case StateHealthy, StateCompleted:
		return 100
	case StateRunning:
		return 85
	case StateUnhealthy:
		return 40
	default:
		return 0
	}
}

// Score builds a ServiceScore from an observation.
func Score(service string, state State, seconds float64) ServiceScore {
	return ServiceScore{
		Service: service,
		State:   state,
		Score:   ScoreFor(state),
		Seconds: seconds,
	}
}

// Confidence is the arithmetic mean of the per-service scores, kept in
// floating point. The band boundaries are exact: 89.999 is MODERATE.
func Confidence(scores []ServiceScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += float64(s.Score)
	}
	return sum / float64(len(scores))
}

// BandFor maps confidence to its risk band.
//
//	[90, 100] LOW
//	[70, 90)  MODERATE
//	[40, 70)  HIGH
//	[0, 40)   CRITICAL
func BandFor(confidence float64) Risk {
	switch {
	case confidence >= 90:
		return RiskLow
	case confidence >= 70:
		return RiskModerate
	case confidence >= 40:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Stability is the mean confidence over the most recent runs, newest
// last, capped at the five latest. With no history the stack is given the
// benefit of the doubt.
func Stability(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 100
	}
	window := confidences
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	var sum float64
	for _, c := range window {
		sum += c
	}
	return sum / float64(len(window))
}

// TrendAgainst compares current confidence with the preceding run's.
func TrendAgainst(current, previous float64) Trend {
	delta := current - previous
	switch {
	case delta > 0:
		return Trend{Direction: TrendUp, Delta: delta}
	case delta < 0:
		return Trend{Direction: TrendDown, Delta: delta}
	default:
		return Trend{Direction: TrendSame}
	}
}

// Summary renders a one-line human description of a scored run.
func Summary(scores []ServiceScore) string {
	conf := Confidence(scores)
	return fmt.Sprintf("%d services, confidence %.1f, risk %s", len(scores), conf, BandFor(conf))
}
