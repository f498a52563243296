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

// Scenario is a plan split into the main script and the continuations
// scheduled by each trigger. It is built once and read-only afterwards.
type Scenario struct {
	// MainScript holds the records reached from the top-level program,
	// in plan order.
	MainScript []flow.Task `json:"mainScript"`

	// CallbackMap maps a trigger id to the records of its continuation,
	// in plan order.
	CallbackMap map[string][]flow.Task `json:"callbackMap"`
}

// NewScenario partitions plan. A record belongs to the main script when its
// run context is Main or it has no parent; every other record is appended
// to the continuation of its parent id.
func NewScenario(plan flow.Plan) *Scenario {
	s := &Scenario{
		MainScript:  make([]flow.Task, 0, len(plan)),
		CallbackMap: make(map[string][]flow.Task),
	}
	for _, task := range plan {
		if task.RunContext == flow.RunContextMain || task.ParentID == "" {
			s.MainScript = append(s.MainScript, task)
			continue
		}
		s.CallbackMap[task.ParentID] = append(s.CallbackMap[task.ParentID], task)
	}
	return s
}

// Continuation returns the records scheduled by the trigger with the given id.
// An unknown id yields nil.
func (s *Scenario) Continuation(id string) []flow.Task {
	if s == nil || id == "" {
		return nil
	}
	return s.CallbackMap[id]
}

// Len returns the number of records in the scenario.
func (s *Scenario) Len() int {
	n := len(s.MainScript)
	for _, tasks := range s.CallbackMap {
		n += len(tasks)
	}
	return n
}
