// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/iostore"
)

type benchParams struct {
	globalParams
	mountParams
	cli.JSONOutput
	Concurrency int    `flag:"concurrency,c" desc:"concurrent readers" default:"8"`
	Passes      int    `flag:"passes" desc:"times every chunk is read" default:"1"`
	Shuffle     bool   `flag:"shuffle" desc:"read chunks in random order"`
	Seed        uint64 `flag:"seed" desc:"shuffle seed" default:"1"`
	MetricsAddr string `flag:"metrics-addr" desc:"serve /metrics on this address during the run (default: metrics.address)"`
	DumpMetrics bool   `flag:"dump-metrics" desc:"write the Prometheus text exposition after the run"`
}

// benchResult summarizes a benchmark run.
type benchResult struct {
	Reads          int64         `json:"reads"`
	Failures       int64         `json:"failures"`
	Bytes          int64         `json:"bytes"`
	Elapsed        time.Duration `json:"elapsed_ns"`
	BytesPerSecond float64       `json:"bytes_per_second"`
	Stats          iostore.Stats `json:"stats"`
}

func benchCommand(stdout io.Writer) *cli.Command {
	var params benchParams
	return &cli.Command{
		Name:    "bench",
		Summary: "Read every chunk and report throughput",
		Description: `Mount a container and read each of its chunks with a pool of
concurrent readers, then print throughput and the dispatcher's
counters. The exit status is 1 if any read failed.

The dispatcher settings come from the configuration file and
BUREAU_IOSTORE_* variables, so bench is the tool for comparing
queue orderings, cache sizes and worker counts.`,
		Usage: "bureau-iostore bench [flags] <toc>",
		Examples: []cli.Example{
			{
				Description: "Compare offset-ordered reads against priority order",
				Command:     "BUREAU_IOSTORE_SORT_REQUESTS_BY_OFFSET=true bureau-iostore bench --shuffle textures.iotoc",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("bench", &params)
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one table of contents, got %d arguments", len(args))
			}
			if params.Concurrency < 1 || params.Passes < 1 {
				return fmt.Errorf("--concurrency and --passes must be at least 1")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			result, gatherer, err := bench(ctx, &params, args[0])
			if err != nil {
				return err
			}

			if done, err := params.EmitJSON(stdout, result); !done {
				printBenchResult(stdout, result)
			} else if err != nil {
				return err
			}
			if params.DumpMetrics {
				if err := writeMetrics(stdout, gatherer); err != nil {
					return err
				}
			}
			if result.Failures > 0 {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// bench runs the benchmark and returns its result and the registry
// holding the run's metrics.
func bench(ctx context.Context, params *benchParams, tocPath string) (*benchResult, prometheus.Gatherer, error) {
	s, err := openSession(&params.globalParams, &params.mountParams, "bench", []string{tocPath})
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	metricsAddr := params.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = s.config.Metrics.Address
	}
	if metricsAddr != "" {
		server, err := serveMetrics(metricsAddr, s.registry, s.logger)
		if err != nil {
			return nil, nil, err
		}
		defer server.Shutdown()
	}

	var ids []container.ChunkID
	for range params.Passes {
		ids = append(ids, s.headers[tocPath].Chunks...)
	}
	if params.Shuffle {
		random := rand.New(rand.NewPCG(params.Seed, params.Seed))
		random.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}

	var next, reads, failures, bytes atomic.Int64
	start := time.Now()
	group, ctx := errgroup.WithContext(ctx)
	for range params.Concurrency {
		group.Go(func() error {
			for {
				index := next.Add(1) - 1
				if index >= int64(len(ids)) {
					return nil
				}
				data, err := s.dispatcher.ReadChunk(ctx, ids[index])
				if ctx.Err() != nil {
					return ctx.Err()
				}
				reads.Add(1)
				if err != nil {
					failures.Add(1)
					s.logger.Warn("read failed", "chunk", ids[index], "error", err)
					continue
				}
				bytes.Add(int64(len(data)))
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	elapsed := time.Since(start)

	result := &benchResult{
		Reads:    reads.Load(),
		Failures: failures.Load(),
		Bytes:    bytes.Load(),
		Elapsed:  elapsed,
		Stats:    s.dispatcher.Stats(),
	}
	if elapsed > 0 {
		result.BytesPerSecond = float64(result.Bytes) / elapsed.Seconds()
	}
	return result, s.registry, nil
}

func printBenchResult(w io.Writer, result *benchResult) {
	fmt.Fprintf(w, "%d reads, %d failed, %d bytes in %v (%.1f MiB/s)\n",
		result.Reads, result.Failures, result.Bytes, result.Elapsed.Round(time.Microsecond),
		result.BytesPerSecond/(1<<20))

	stats := result.Stats
	fmt.Fprintf(w, "disk reads:    %d (%d bytes)\n", stats.DiskReads, stats.DiskReadBytes)
	fmt.Fprintf(w, "decodes:       %d\n", stats.DecodesCompleted)
	fmt.Fprintf(w, "cache:         %d hits, %d misses, %d stores\n", stats.CacheHits, stats.CacheMisses, stats.CacheStores)
	fmt.Fprintf(w, "breakers:      %d latency, %d seek\n", stats.LatencyBreaks, stats.SeekBreaks)
	fmt.Fprintf(w, "sig errors:    %d\n", stats.SignatureErrors)
}
