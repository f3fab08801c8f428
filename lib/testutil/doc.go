// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the tests of the dispatcher
// and its tools: bounded channel waits that fail the test instead of
// hanging it, and builders for small on-disk containers with
// deterministic content.
package testutil
