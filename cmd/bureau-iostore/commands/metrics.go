// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// metricsServer serves a registry on /metrics.
type metricsServer struct {
	server   *http.Server
	listener net.Listener
	done     chan error
}

// serveMetrics starts serving gatherer on address. The returned
// server's Address reports the bound address, which differs from
// address when its port is 0.
func serveMetrics(address string, gatherer prometheus.Gatherer, logger *slog.Logger) (*metricsServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	m := &metricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		done:     make(chan error, 1),
	}
	go func() {
		err := m.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		m.done <- err
	}()

	logger.Info("serving metrics", "address", listener.Addr().String())
	return m, nil
}

// Address returns the address the server is listening on.
func (m *metricsServer) Address() string {
	return m.listener.Addr().String()
}

// Shutdown stops the server, waiting up to five seconds for scrapes in
// flight.
func (m *metricsServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-m.done
}

// writeMetrics writes every metric family in gatherer to w in the
// Prometheus text format.
func writeMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return fmt.Errorf("encoding metric %s: %w", family.GetName(), err)
		}
	}
	return nil
}
