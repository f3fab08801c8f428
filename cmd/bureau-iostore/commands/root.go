// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/version"
)

// Root builds the bureau-iostore command tree. Command output goes to
// stdout; logs and help go to stderr.
func Root(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name: "bureau-iostore",
		Description: `bureau-iostore: chunk container reads.

Pack files into chunk containers, then read them back through the
I/O dispatcher: list, extract, benchmark, or serve every chunk as a
file through FUSE. Dispatcher settings, keys and standing mounts come
from the file named by --config or $BUREAU_IOSTORE_CONFIG.`,
		Subcommands: []*cli.Command{
			packCommand(stdout),
			lsCommand(stdout),
			catCommand(stdout),
			benchCommand(stdout),
			mountCommand(stdout),
			inspectCommand(stdout),
			keygenCommand(stdout),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					_, err := fmt.Fprintf(stdout, "bureau-iostore %s\n", version.Full())
					return err
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Pack, list and read back a container",
				Command:     "bureau-iostore pack -o assets.iotoc assets/* && bureau-iostore ls assets.iotoc",
			},
		},
	}
}
