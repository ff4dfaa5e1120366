// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/drydock-io/drydock/services/rehearsal/scoring"
)

// Drydock color palette - harbor greys and signal colors.
var (
	colorFoam   = lipgloss.Color("#9FD8E8") // headings
	colorHull   = lipgloss.Color("#4A6670") // muted text, borders
	colorPass   = lipgloss.Color("#3FBF7F") // green for passing verdicts
	colorAmber  = lipgloss.Color("#F4D03F") // moderate risk
	colorCoral  = lipgloss.Color("#E8793F") // high risk
	colorSignal = lipgloss.Color("#E74C3C") // critical, fatal
)

var styles = struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Muted    lipgloss.Style
	Pass     lipgloss.Style
	Moderate lipgloss.Style
	High     lipgloss.Style
	Critical lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(colorFoam),
	Header:   lipgloss.NewStyle().Bold(true).Foreground(colorHull),
	Muted:    lipgloss.NewStyle().Foreground(colorHull),
	Pass:     lipgloss.NewStyle().Foreground(colorPass),
	Moderate: lipgloss.NewStyle().Foreground(colorAmber),
	High:     lipgloss.NewStyle().Foreground(colorCoral),
	Critical: lipgloss.NewStyle().Bold(true).Foreground(colorSignal),
}

// riskStyle maps a risk band to its display style.
func riskStyle(risk scoring.Risk) lipgloss.Style {
	switch risk {
	case scoring.RiskLow:
		return styles.Pass
	case scoring.RiskModerate:
		return styles.Moderate
	case scoring.RiskHigh:
		return styles.High
	default:
		return styles.Critical
	}
}

// verdictWord renders an exit code as a short human verdict.
func verdictWord(exitCode int, fatal bool) string {
	if fatal {
		return "FATAL"
	}
	switch exitCode {
	case 0:
		return "PASS"
	case 2:
		return "DEGRADED"
	case 3:
		return "CRITICAL"
	case 4:
		return "POLICY"
	case 5:
		return "DRIFT"
	default:
		return "FATAL"
	}
}

// outputJSON writes structured data to stdout for scripting.
func outputJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// outputError prints a command failure in the active output mode.
func outputError(msg string, err error) {
	if jsonOutput {
		_ = outputJSON(map[string]string{"error": fmt.Sprintf("%s: %v", msg, err)})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
}

// table renders rows under a styled header using elastic tabs.
func table(header []string, rows [][]string) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, styles.Header.Render(strings.Join(header, "\t")))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
	return sb.String()
}
