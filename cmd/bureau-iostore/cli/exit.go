// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError signals a non-zero exit code without printing an extra
// error message. The command is expected to have written its own
// output already.
//
// "bench" uses it when reads failed: the run completed and its stats
// were printed, but the exit status must still report the failures.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code. main checks for this interface on
// returned errors to tell a handled non-zero exit from an error to
// display.
func (e *ExitError) ExitCode() int {
	return e.Code
}
