// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"errors"
	"fmt"
)

// Category classifies a task record.
type Category string

const (
	// CategoryCallStack is a synchronous call.
	CategoryCallStack Category = "CallStack"

	// CategoryMicroTask schedules a microtask continuation.
	CategoryMicroTask Category = "MicroTask"

	// CategoryMacroTask schedules a timer-class continuation.
	CategoryMacroTask Category = "MacroTask"
)

// IsTrigger reports whether records of this category schedule a continuation.
func (c Category) IsTrigger() bool {
	return c == CategoryMicroTask || c == CategoryMacroTask
}

// RunContext records where the traversal was when a record was emitted.
type RunContext string

const (
	// RunContextMain marks records reached in the top-level program.
	RunContextMain RunContext = "Main"

	// RunContextAsyncCallback marks records reached inside a continuation.
	RunContextAsyncCallback RunContext = "AsyncCallback"
)

// Descriptive phase and priority tags.
const (
	PhaseTimer       = "Timer"
	PhaseAwaitResume = "Await Resume"

	PriorityHigh   = "High"
	PriorityNormal = "Normal"
)

// Display names for records whose callee has no usable name.
const (
	NameAnonymous = "Anonymous"
	NameAwait     = "await"
)

// Task is one record of an execution plan.
//
// Description:
//
//	Created once by the extractor and never mutated afterwards. ID is set on
//	trigger records and await markers; ParentID is set on records reached
//	inside a continuation and names the trigger that scheduled it.
type Task struct {
	Category   Category   `json:"category"`
	ID         string     `json:"id,omitempty"`
	ParentID   string     `json:"parentId,omitempty"`
	RunContext RunContext `json:"runContext"`
	Name       string     `json:"name"`
	Phase      string     `json:"phase,omitempty"`
	Priority   string     `json:"priority,omitempty"`
	Line       int        `json:"line"`
	Args       []string   `json:"args,omitempty"`
}

// IsTrigger reports whether the task schedules a continuation.
func (t Task) IsTrigger() bool {
	return t.Category.IsTrigger()
}

// Label returns a short human-readable description, e.g. "setTimeout (async-1)".
func (t Task) Label() string {
	if t.ID == "" {
		return t.Name
	}
	return fmt.Sprintf("%s (%s)", t.Name, t.ID)
}

// Plan is the ordered sequence of task records for one analyzed snippet.
type Plan []Task

var (
	// ErrDanglingParent is returned when a record's parent id has no earlier trigger.
	ErrDanglingParent = errors.New("parent id has no earlier trigger record")

	// ErrDuplicateID is returned when two records carry the same id.
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrParentNotTrigger is returned when a parent id names a non-trigger record.
	ErrParentNotTrigger = errors.New("parent id does not name a trigger record")
)

// Validate checks the forest invariant of a plan.
//
// Description:
//
//	Every record with a ParentID must be preceded by exactly one record
//	whose ID equals it, and that record must be a trigger. IDs must be
//	unique.
//
// Outputs:
//
//	error - Wraps ErrDanglingParent, ErrDuplicateID or ErrParentNotTrigger
//	        with the offending index; nil for a well-formed plan.
func (p Plan) Validate() error {
	seen := make(map[string]Category, len(p))
	for i, task := range p {
		if task.ParentID != "" {
			cat, ok := seen[task.ParentID]
			if !ok {
				return fmt.Errorf("task %d (%s): %w: %s", i, task.Name, ErrDanglingParent, task.ParentID)
			}
			if !cat.IsTrigger() {
				return fmt.Errorf("task %d (%s): %w: %s", i, task.Name, ErrParentNotTrigger, task.ParentID)
			}
		}
		if task.ID != "" {
			if _, dup := seen[task.ID]; dup {
				return fmt.Errorf("task %d (%s): %w: %s", i, task.Name, ErrDuplicateID, task.ID)
			}
			seen[task.ID] = task.Category
		}
	}
	return nil
}

// CountByCategory returns the number of records per category.
func (p Plan) CountByCategory() map[Category]int {
	counts := make(map[Category]int, 3)
	for _, task := range p {
		counts[task.Category]++
	}
	return counts
}

// Triggers returns the trigger records in plan order.
func (p Plan) Triggers() Plan {
	out := make(Plan, 0, len(p))
	for _, task := range p {
		if task.IsTrigger() {
			out = append(out, task)
		}
	}
	return out
}
