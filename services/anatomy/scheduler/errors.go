// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import "errors"

var (
	// ErrNotInitialized is returned when the simulator is driven before
	// Initialize has loaded a plan.
	ErrNotInitialized = errors.New("simulator not initialized")

	// ErrStepLimit is returned when a run exceeds the configured step bound,
	// which only happens for plans whose continuations reference themselves.
	ErrStepLimit = errors.New("simulator step limit exceeded")
)
