// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/drydock-io/drydock/services/rehearsal/policy"
)

// commandExitCode carries the rehearsal verdict to the process exit so
// CI gates can branch on it (0 pass, 1 fatal, 2 degraded, 3 critical,
// 4 policy violation, 5 baseline drift).
var commandExitCode int

func main() {
	if err := rootCmd.Execute(); err != nil {
		if commandExitCode == 0 {
			commandExitCode = policy.ExitFatal
		}
	}
	os.Exit(commandExitCode)
}
