// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/container"
)

type lsParams struct {
	globalParams
	mountParams
	cli.JSONOutput
	All bool `flag:"all,a" desc:"include the container header chunk"`
}

type lsEntry struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Size uint64 `json:"size"`
	File string `json:"file,omitempty"`
}

func lsCommand(stdout io.Writer) *cli.Command {
	var params lsParams
	return &cli.Command{
		Name:    "ls",
		Summary: "List the chunks of a container",
		Description: `Mount a container and list its chunks with their sizes.

Sizes are those seen through the dispatcher: when a configured mount
of higher order holds the same chunk id, its size is shown.`,
		Usage: "bureau-iostore ls [flags] <toc>",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("ls", &params)
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one table of contents, got %d arguments", len(args))
			}
			entries, err := listChunks(&params, args[0])
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(stdout, entries); done {
				return err
			}
			writer := tabwriter.NewWriter(stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "CHUNK\tTYPE\tSIZE\tFILE\n")
			for _, entry := range entries {
				fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", entry.ID, entry.Type, entry.Size, entry.File)
			}
			return writer.Flush()
		},
	}
}

func listChunks(params *lsParams, tocPath string) ([]lsEntry, error) {
	s, err := openSession(&params.globalParams, &params.mountParams, "ls", []string{tocPath})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	header := s.headers[tocPath]
	ids := slices.Clone(header.Chunks)
	if params.All {
		ids = append(ids, container.HeaderChunkID(header.ContainerID))
	}

	var entries []lsEntry
	for _, id := range ids {
		size, err := s.dispatcher.SizeForChunk(id)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", id, err)
		}
		entries = append(entries, lsEntry{
			ID:   id.String(),
			Type: id.Type().String(),
			Size: size,
			File: header.Labels[fileLabelPrefix+id.String()],
		})
	}
	slices.SortFunc(entries, func(a, b lsEntry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return entries, nil
}
