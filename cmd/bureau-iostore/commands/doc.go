// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the bureau-iostore command tree.
//
// Every command that reads containers goes through one path: load the
// configuration (lib/config), create a dispatcher with its settings,
// register the configured keys (unsealing them with lib/sealed when
// needed), then mount the configured containers followed by those
// named on the command line. ls, cat, bench and mount differ only in
// what they do with the dispatcher afterwards.
//
// pack, inspect and keygen work on files directly and do not start a
// dispatcher.
package commands
