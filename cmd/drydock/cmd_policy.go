// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drydock-io/drydock/services/rehearsal/policy"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	policyMinConfidence    float64
	policyMinReadiness     int
	policyBlockRegression  bool
	policyFailDrift        bool
	policyFailSpike        bool
	policySpikePercent     float64
	policyFailServiceError bool
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// policyCmd manages the per-stack acceptance contract.
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the acceptance policy rehearsals are judged against",
}

var policySetCmd = &cobra.Command{
	Use:   "set <stack>",
	Short: "Declare the stack's acceptance policy",
	Long: `Declares what a rehearsal must achieve to pass.

Examples:
  drydock policy set shop --min-confidence 90 --fail-on-drift
  drydock policy set shop --min-readiness 80 --block-on-regression
  drydock policy set shop --fail-on-duration-spike --spike-percent 75`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicySet,
}

var policyShowCmd = &cobra.Command{
	Use:   "show <stack>",
	Short: "Show the stack's effective policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyShow,
}

var policyClearCmd = &cobra.Command{
	Use:   "clear <stack>",
	Short: "Reset the stack to the permissive default policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyClear,
}

func init() {
	policySetCmd.Flags().Float64Var(&policyMinConfidence, "min-confidence", 0,
		"Minimum confidence score (0 disables)")
	policySetCmd.Flags().IntVar(&policyMinReadiness, "min-readiness", 0,
		"Minimum preflight readiness score (0 disables)")
	policySetCmd.Flags().BoolVar(&policyBlockRegression, "block-on-regression", false,
		"Fail when confidence drops against the preceding run")
	policySetCmd.Flags().BoolVar(&policyFailDrift, "fail-on-drift", false,
		"Fail when the run drifts from the pinned baseline")
	policySetCmd.Flags().BoolVar(&policyFailSpike, "fail-on-duration-spike", false,
		"Fail when boot duration spikes against the preceding run")
	policySetCmd.Flags().Float64Var(&policySpikePercent, "spike-percent", 50,
		"Duration growth percent that counts as a spike")
	policySetCmd.Flags().BoolVar(&policyFailServiceError, "fail-on-service-failure", false,
		"Fail when any service scores zero")
	policyCmd.AddCommand(policySetCmd, policyShowCmd, policyClearCmd)
	rootCmd.AddCommand(policyCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runPolicySet(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	pol := policy.Policy{
		MinConfidence:        policyMinConfidence,
		MinReadiness:         policyMinReadiness,
		BlockOnRegression:    policyBlockRegression,
		FailOnBaselineDrift:  policyFailDrift,
		FailOnDurationSpike:  policyFailSpike,
		DurationSpikePercent: policySpikePercent,
		FailOnServiceFailure: policyFailServiceError,
	}
	if err := a.policies.Set(args[0], pol); err != nil {
		outputError("set policy", err)
		return err
	}
	fmt.Printf("policy set for %s\n", args[0])
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	pol, err := a.policies.Get(args[0])
	if err != nil {
		outputError("read policy", err)
		return err
	}
	if jsonOutput {
		return outputJSON(pol)
	}

	fmt.Println(styles.Title.Render("Policy: " + args[0]))
	fmt.Printf("min confidence:          %.1f\n", pol.MinConfidence)
	fmt.Printf("min readiness:           %d\n", pol.MinReadiness)
	fmt.Printf("block on regression:     %t\n", pol.BlockOnRegression)
	fmt.Printf("fail on baseline drift:  %t\n", pol.FailOnBaselineDrift)
	fmt.Printf("fail on duration spike:  %t (+%.0f%%)\n",
		pol.FailOnDurationSpike, pol.DurationSpikePercent)
	fmt.Printf("fail on service failure: %t\n", pol.FailOnServiceFailure)
	return nil
}

func runPolicyClear(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		outputError("open drydock home", err)
		return err
	}
	defer a.Close()

	if err := a.policies.Delete(args[0]); err != nil {
		outputError("clear policy", err)
		return err
	}
	fmt.Printf("policy cleared for %s; the default applies\n", args[0])
	return nil
}
