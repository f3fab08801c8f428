// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/iostore/fuse"
)

type fuseParams struct {
	globalParams
	mountParams
	Priority    int32  `flag:"priority" desc:"priority of reads made for the kernel"`
	AllowOther  bool   `flag:"allow-other" desc:"let other users read the mount (needs user_allow_other in /etc/fuse.conf)"`
	MetricsAddr string `flag:"metrics-addr" desc:"serve /metrics on this address (default: metrics.address)"`
}

func mountCommand(stdout io.Writer) *cli.Command {
	var params fuseParams
	return &cli.Command{
		Name:    "mount",
		Summary: "Serve chunks as files through FUSE",
		Description: `Mount the configured containers, plus any TOC arguments, and serve
every visible chunk as a read-only file named by its hex chunk id.

The filesystem stays mounted until SIGINT or SIGTERM. SIGHUP reopens
every partition file, so containers replaced on disk by a rename are
picked up without remounting.`,
		Usage: "bureau-iostore mount [flags] <mountpoint> [toc...]",
		Examples: []cli.Example{
			{
				Description: "Serve a patch on top of the containers in the configuration",
				Command:     "bureau-iostore mount --config assets.yaml --order 10 /mnt/assets patch.iotoc",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("mount", &params)
		},
		Run: func(args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("a mountpoint is required")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveMount(ctx, &params, args[0], args[1:], stdout)
		},
	}
}

func serveMount(ctx context.Context, params *fuseParams, mountpoint string, tocPaths []string, stdout io.Writer) error {
	s, err := openSession(&params.globalParams, &params.mountParams, "mount", tocPaths)
	if err != nil {
		return err
	}
	defer s.Close()

	metricsAddr := params.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = s.config.Metrics.Address
	}
	if metricsAddr != "" {
		server, err := serveMetrics(metricsAddr, s.registry, s.logger)
		if err != nil {
			return err
		}
		defer server.Shutdown()
	}

	server, err := fuse.Mount(fuse.Options{
		Mountpoint: mountpoint,
		Dispatcher: s.dispatcher,
		Priority:   params.Priority,
		AllowOther: params.AllowOther,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "serving %d chunks at %s\n", len(s.dispatcher.ChunkIDs()), mountpoint)

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-hangup:
			if err := s.dispatcher.ReopenFileHandles(); err != nil {
				s.logger.Error("reopening partition files failed", "error", err)
			} else {
				s.logger.Info("reopened partition files")
			}
		case <-ctx.Done():
			s.logger.Info("unmounting", "mountpoint", mountpoint)
			if err := server.Unmount(); err != nil {
				return fmt.Errorf("unmounting %s: %w", mountpoint, err)
			}
			return nil
		}
	}
}
