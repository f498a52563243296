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

import "github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"

// Phase names the part of the run a transition belongs to.
type Phase string

const (
	// PhaseMain is the synchronous pass over the main script.
	PhaseMain Phase = "main"

	// PhaseMicrotask is a transition on a task taken from the microtask queue.
	PhaseMicrotask Phase = "microtask"

	// PhaseMacrotask is a transition on a task taken from the macrotask queue.
	PhaseMacrotask Phase = "macrotask"
)

// Action is the kind of state transition a step applied.
type Action string

const (
	// ActionPush places a task on the call stack.
	ActionPush Action = "push"

	// ActionSchedule appends a trigger's continuation to its queue.
	ActionSchedule Action = "schedule"

	// ActionReturn clears the call stack.
	ActionReturn Action = "return"
)

// Snapshot is the observable state after one fully applied transition.
// All slices are copies owned by the snapshot.
type Snapshot struct {
	Step       int         `json:"step"`
	Phase      Phase       `json:"phase"`
	Action     Action      `json:"action"`
	Task       *flow.Task  `json:"task,omitempty"`
	Scheduled  int         `json:"scheduled,omitempty"`
	CallStack  []flow.Task `json:"callStack"`
	MicroQueue []flow.Task `json:"microQueue"`
	MacroQueue []flow.Task `json:"macroQueue"`
	Logs       []string    `json:"logs,omitempty"`
}

// Result is the outcome of driving a scenario to completion.
type Result struct {
	Snapshots []Snapshot  `json:"snapshots"`
	Logs      []string    `json:"logs"`
	Executed  []flow.Task `json:"executed"`
	Steps     int         `json:"steps"`
}

func copyTasks(tasks []flow.Task) []flow.Task {
	out := make([]flow.Task, len(tasks))
	copy(out, tasks)
	return out
}
