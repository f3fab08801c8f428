// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/config"
	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/iostore"
	"github.com/bureau-foundation/iostore/lib/sealed"
	"github.com/bureau-foundation/iostore/lib/secret"
)

// globalParams are accepted by every command that loads configuration.
type globalParams struct {
	ConfigPath string `flag:"config" desc:"configuration file (default: $BUREAU_IOSTORE_CONFIG)"`
	Identity   string `flag:"identity" desc:"age identity file for sealed keys (overrides paths.identity)"`
	LogLevel   string `flag:"log-level" desc:"log level: debug, info, warn or error" default:"warn"`
}

// mountParams select how containers named on the command line are
// mounted.
type mountParams struct {
	Order int32  `flag:"order" desc:"mount order of command-line containers; higher shadows lower"`
	KeyID string `flag:"key-id" desc:"key id for encrypted command-line containers"`
}

func (g *globalParams) loadConfig() (*config.Config, error) {
	cfg, err := config.Resolve(g.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if g.Identity != "" {
		// Relative to the working directory, not to paths.root.
		identity, err := filepath.Abs(g.Identity)
		if err != nil {
			return nil, err
		}
		cfg.Paths.Identity = identity
	}
	return cfg, nil
}

func (g *globalParams) logger(command string) (*slog.Logger, error) {
	level, err := cli.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	return cli.NewCommandLogger(level).With("command", command), nil
}

// readKey loads the master key at path, unsealing it with the
// configured identity when it is sealed.
func readKey(cfg *config.Config, path string) (*secret.Buffer, error) {
	key, err := sealed.ReadKeyFile(path, cfg.ResolvePath(cfg.Paths.Identity), container.KeySize)
	if errors.Is(err, sealed.ErrNoIdentity) {
		return nil, fmt.Errorf("%w (set paths.identity or pass --identity)", err)
	}
	return key, err
}

// session is a dispatcher with every configured key registered and
// every configured container mounted.
type session struct {
	config     *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	dispatcher *iostore.Dispatcher
	headers    map[string]*container.Header
}

// openSession creates a dispatcher from configuration, registers the
// configured keys and mounts the configured containers followed by
// tocPaths.
func openSession(globals *globalParams, mounts *mountParams, command string, tocPaths []string) (*session, error) {
	cfg, err := globals.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := globals.logger(command)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dispatcher, err := iostore.New(iostore.Options{
		Config:     cfg.Dispatcher,
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		return nil, err
	}
	s := &session{
		config:     cfg,
		logger:     logger,
		registry:   registry,
		dispatcher: dispatcher,
		headers:    make(map[string]*container.Header),
	}

	for _, keyConfig := range cfg.Keys {
		key, err := readKey(cfg, cfg.ResolvePath(keyConfig.File))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("key %q: %w", keyConfig.ID, err)
		}
		if err := dispatcher.RegisterKey(keyConfig.ID, key); err != nil {
			key.Close()
			s.Close()
			return nil, fmt.Errorf("registering key %q: %w", keyConfig.ID, err)
		}
	}

	for _, mount := range cfg.Mounts {
		if err := s.mount(mount.TOC, cfg.ResolvePath(mount.TOC), mount.Order, mount.KeyID); err != nil {
			s.Close()
			return nil, err
		}
	}
	// Command-line paths are relative to the working directory.
	for _, tocPath := range tocPaths {
		path, err := filepath.Abs(tocPath)
		if err == nil {
			err = s.mount(tocPath, path, mounts.Order, mounts.KeyID)
		}
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// mount mounts the container at path and records its header under
// name.
func (s *session) mount(name, path string, order int32, keyID string) error {
	header, err := s.dispatcher.Mount(path, order, keyID)
	if err != nil {
		return err
	}
	s.headers[name] = header
	s.logger.Debug("mounted container",
		"toc", path,
		"order", order,
		"container", header.Name,
		"chunks", len(header.Chunks),
	)
	return nil
}

func (s *session) Close() error {
	return s.dispatcher.Close()
}
