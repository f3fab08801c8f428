// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/commands"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like bench) return an
		// ExitError with the desired exit code. Don't print a redundant
		// "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) == 2 && os.Args[1] == "--version" {
		return commands.Root(os.Stdout).Execute([]string{"version"})
	}
	return commands.Root(os.Stdout).Execute(os.Args[1:])
}
