// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by Write once the process has exited.
	ErrNotRunning = errors.New("process is not running")

	// ErrInvalidSpec indicates a LaunchSpec that cannot be started.
	ErrInvalidSpec = errors.New("invalid launch spec")
)

// LaunchError reports a process that could not be spawned: executable not
// found, not executable, or pseudo-terminal allocation failure. It is fatal
// to the attempt and is not retried.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
