// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/iostore"
)

type catParams struct {
	globalParams
	mountParams
	Offset          uint64 `flag:"offset" desc:"first byte of the chunk to read"`
	Size            uint64 `flag:"size" desc:"bytes to read (default: to the end of the chunk)"`
	Priority        int32  `flag:"priority" desc:"read priority"`
	Force           bool   `flag:"force,f" desc:"write binary data even when stdout is a terminal"`
	IgnoreSignature bool   `flag:"ignore-signature" desc:"write the data of blocks whose signature does not match"`
}

func catCommand(stdout io.Writer) *cli.Command {
	var params catParams
	return &cli.Command{
		Name:    "cat",
		Summary: "Write a chunk to stdout",
		Description: `Mount a container and write one chunk, or a range of it, to stdout.

The chunk is read through the dispatcher, so configured mounts of
higher order shadow the named container. A chunk whose blocks fail
signature verification is an error unless --ignore-signature is
given, in which case the unverified data is written and a warning
is logged.`,
		Usage: "bureau-iostore cat [flags] <toc> <chunk-id>",
		Examples: []cli.Example{
			{
				Description: "Extract a chunk to a file",
				Command:     "bureau-iostore cat textures.iotoc 2a4f19c07e3b0d51000001 > albedo.ktx",
			},
			{
				Description: "Dump the first 64 bytes of a chunk",
				Command:     "bureau-iostore cat --size 64 -f textures.iotoc 2a4f19c07e3b0d51000001 | xxd",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("cat", &params)
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <toc> <chunk-id>, got %d arguments", len(args))
			}
			id, err := container.ParseChunkID(args[1])
			if err != nil {
				return err
			}
			if file, ok := stdout.(*os.File); ok && cli.IsTerminal(file) && !params.Force {
				return fmt.Errorf("refusing to write chunk data to a terminal (use --force or redirect stdout)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return catChunk(ctx, &params, args[0], id, stdout)
		},
	}
}

func catChunk(ctx context.Context, params *catParams, tocPath string, id container.ChunkID, stdout io.Writer) error {
	s, err := openSession(&params.globalParams, &params.mountParams, "cat", []string{tocPath})
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := s.dispatcher.ReadAndWait(ctx, iostore.ReadRequest{
		ChunkID:  id,
		Offset:   params.Offset,
		Size:     params.Size,
		Priority: params.Priority,
	})
	if err != nil {
		if !errors.Is(err, iostore.ErrSignatureMismatch) || !params.IgnoreSignature {
			return fmt.Errorf("reading chunk %s: %w", id, err)
		}
		s.logger.Warn("writing unverified data", "chunk", id, "error", err)
	}
	_, err = stdout.Write(data)
	return err
}
