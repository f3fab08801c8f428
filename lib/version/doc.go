// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for bureau-iostore.
//
// Four package-level variables are injected at build time via
// -ldflags -X, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/iostore/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// When they are not injected, the commit, dirty flag and time come from
// the VCS stamp recorded by the go command, and otherwise default to
// "unknown". [Info] formats them for --version; [Full] adds the Go
// version and platform.
package version
