// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/codec"
	"github.com/bureau-foundation/iostore/lib/container"
)

type inspectParams struct {
	cli.JSONOutput
	Diag bool `flag:"diag" desc:"print the table of contents in CBOR diagnostic notation"`
}

// tocSummary is the inspect output.
type tocSummary struct {
	Name                 string   `json:"name"`
	ContainerID          string   `json:"container_id"`
	Version              uint8    `json:"version"`
	Flags                string   `json:"flags"`
	EncryptionKeyID      string   `json:"encryption_key_id,omitempty"`
	CompressionBlockSize uint32   `json:"compression_block_size"`
	CompressionMethods   []string `json:"compression_methods"`
	Partitions           uint32   `json:"partitions"`
	PartitionSize        uint64   `json:"partition_size"`
	Chunks               int      `json:"chunks"`
	ChunksWithoutHash    int      `json:"chunks_without_perfect_hash"`
	Blocks               int      `json:"blocks"`
	CompressedBytes      uint64   `json:"compressed_bytes"`
	UncompressedBytes    uint64   `json:"uncompressed_bytes"`
}

func inspectCommand(stdout io.Writer) *cli.Command {
	var params inspectParams
	return &cli.Command{
		Name:    "inspect",
		Summary: "Describe a table of contents",
		Description: `Read a table of contents without mounting it and print its
container-level properties and sizes.

With --diag the CBOR payload after the magic is printed in RFC 8949
diagnostic notation, which shows the integer field keys and byte
string chunk ids exactly as stored.`,
		Usage: "bureau-iostore inspect [flags] <toc>",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("inspect", &params)
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one table of contents, got %d arguments", len(args))
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading table of contents: %w", err)
			}
			toc, err := container.ParseTOC(data)
			if err != nil {
				return err
			}

			if params.Diag {
				notation, err := codec.Diagnose(data[container.TOCMagicSize:])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(stdout, notation)
				return err
			}

			summary := summarizeTOC(toc)
			if done, err := params.EmitJSON(stdout, summary); done {
				return err
			}
			printTOCSummary(stdout, summary)
			return nil
		},
	}
}

func summarizeTOC(toc *container.TOC) *tocSummary {
	summary := &tocSummary{
		Name:                 toc.Name,
		ContainerID:          fmt.Sprintf("%016x", toc.ContainerID),
		Version:              toc.Version,
		Flags:                toc.Flags.String(),
		EncryptionKeyID:      toc.EncryptionKeyID,
		CompressionBlockSize: toc.CompressionBlockSize,
		Partitions:           toc.PartitionCount,
		PartitionSize:        toc.PartitionSize,
		Chunks:               len(toc.ChunkIDs),
		ChunksWithoutHash:    len(toc.ChunksWithoutPerfectHash),
		Blocks:               len(toc.Blocks),
	}
	for _, method := range toc.CompressionMethods {
		summary.CompressionMethods = append(summary.CompressionMethods, string(method))
	}
	for _, block := range toc.Blocks {
		summary.CompressedBytes += uint64(block.CompressedSize)
		summary.UncompressedBytes += uint64(block.UncompressedSize)
	}
	return summary
}

func printTOCSummary(w io.Writer, summary *tocSummary) {
	fmt.Fprintf(w, "name:          %s\n", summary.Name)
	fmt.Fprintf(w, "container:     %s\n", summary.ContainerID)
	fmt.Fprintf(w, "version:       %d\n", summary.Version)
	fmt.Fprintf(w, "flags:         %s\n", summary.Flags)
	if summary.EncryptionKeyID != "" {
		fmt.Fprintf(w, "key id:        %s\n", summary.EncryptionKeyID)
	}
	fmt.Fprintf(w, "compression:   %s\n", strings.Join(summary.CompressionMethods, ", "))
	fmt.Fprintf(w, "block size:    %d\n", summary.CompressionBlockSize)
	fmt.Fprintf(w, "partitions:    %d of at most %d bytes\n", summary.Partitions, summary.PartitionSize)
	fmt.Fprintf(w, "chunks:        %d (%d outside the perfect hash)\n", summary.Chunks, summary.ChunksWithoutHash)
	fmt.Fprintf(w, "blocks:        %d\n", summary.Blocks)
	ratio := 1.0
	if summary.UncompressedBytes > 0 {
		ratio = float64(summary.CompressedBytes) / float64(summary.UncompressedBytes)
	}
	fmt.Fprintf(w, "size:          %d bytes stored, %d bytes of chunk data (%.1f%%)\n",
		summary.CompressedBytes, summary.UncompressedBytes, ratio*100)
}
