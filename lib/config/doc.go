// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for bureau-iostore.
//
// Configuration is loaded from a single file named by either a --config
// flag (via [LoadFile] or [Resolve]) or the BUREAU_IOSTORE_CONFIG
// environment variable (via [Load]). There is no ~/.config discovery
// and no automatic file search.
//
// The file holds the dispatcher tuning settings (the same YAML keys as
// [iostore.Config]), the keys and containers mounted at startup, and
// the metrics listen address. A development or production section
// overrides any subset of the dispatcher, paths and metrics sections
// when [Config].Environment matches.
//
// After the file is loaded, ${HOME}, ${BUREAU_IOSTORE_ROOT} and
// ${VAR:-default} patterns are expanded in paths, and then every
// BUREAU_IOSTORE_<SETTING> environment variable sets the dispatcher key
// of the same name: BUREAU_IOSTORE_MAX_FORWARD_SEEK=1048576 sets
// max_forward_seek. These are the runtime tuning knobs; an unknown
// setting name is an error rather than being silently ignored.
//
// Key exports:
//
//   - [Config] -- master struct with Dispatcher, Paths, Keys, Mounts, Metrics
//   - [Default] -- returns a Config with development defaults
//   - [Load], [LoadFile] and [Resolve] -- the entry points for loading
//
// This package depends only on lib/iostore.
package config
