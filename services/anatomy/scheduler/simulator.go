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

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
)

// DefaultMaxSteps bounds a single run.
const DefaultMaxSteps = 100000

// Phase header lines written to the log when a phase starts.
const (
	LogMainPhase = "--- Phase 1: main script ---"
	LogEventLoop = "--- Phase 2: event loop ---"
)

// stage is the position of the active task within push/schedule/return.
type stage int

const (
	stageIdle stage = iota
	stagePushed
	stageScheduled
)

// Simulator replays an execution plan on a model event loop with one call
// stack slot, a microtask queue and a macrotask queue.
//
// Description:
//
//	The main script runs first, in order. Afterwards the queues drain:
//	the microtask queue is emptied before any macrotask runs, and after
//	each macrotask control returns to the microtask queue. Every task goes
//	through push, schedule (triggers only) and return, and each of those is
//	one Step.
//
// Thread Safety:
//
//	Stepping is meant to be driven by one goroutine. Accessors may be called
//	from other goroutines; each transition is applied under the lock, so they
//	observe the state after the latest transition, including during Run.
type Simulator struct {
	logger   *slog.Logger
	maxSteps int

	mu          sync.Mutex
	scenario    *Scenario
	initialized bool
	running     bool
	finished    bool
	stage       stage
	phase       Phase
	started     bool
	drainLogged bool
	mainIndex   int
	current     *flow.Task
	micro       []flow.Task
	macro       []flow.Task
	logs        []string
	executed    []flow.Task
	steps       int
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxSteps bounds the number of transitions in one run.
// Values <= 0 are ignored.
func WithMaxSteps(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.maxSteps = n
		}
	}
}

// New creates a simulator. It must be initialized before stepping.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		logger:   slog.Default(),
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads plan and resets all queues, logs and counters.
// Calling it again with the same plan yields the same initial state.
func (s *Simulator) Initialize(plan flow.Plan) {
	scenario := NewScenario(plan)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.scenario = scenario
	s.initialized = true
	s.running = false
	s.finished = false
	s.stage = stageIdle
	s.phase = PhaseMain
	s.started = false
	s.drainLogged = false
	s.mainIndex = 0
	s.current = nil
	s.micro = nil
	s.macro = nil
	s.logs = nil
	s.executed = nil
	s.steps = 0

	s.logger.Debug("simulator initialized",
		slog.Int("main_script", len(scenario.MainScript)),
		slog.Int("continuations", len(scenario.CallbackMap)),
	)
}

// Step applies exactly one transition and returns the resulting snapshot.
//
// Outputs:
//
//	Snapshot - State after the transition. Zero when ok is false.
//	bool - False when the scenario has completed and nothing was applied.
//	error - ErrNotInitialized before Initialize, ErrStepLimit past the bound.
func (s *Simulator) Step() (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepLocked()
}

func (s *Simulator) stepLocked() (Snapshot, bool, error) {
	if !s.initialized {
		return Snapshot{}, false, ErrNotInitialized
	}
	if s.finished {
		return Snapshot{}, false, nil
	}
	if s.steps >= s.maxSteps && s.pending() {
		s.running = false
		return Snapshot{}, false, fmt.Errorf("%w: %d steps", ErrStepLimit, s.maxSteps)
	}

	logStart := len(s.logs)
	var snap Snapshot

	switch s.stage {
	case stageIdle:
		task, phase, ok := s.next()
		if !ok {
			s.finished = true
			s.running = false
			return Snapshot{}, false, nil
		}
		s.push(task, phase)
		snap = Snapshot{Action: ActionPush, Task: &task}

	case stagePushed:
		task := *s.current
		if task.IsTrigger() {
			snap = Snapshot{Action: ActionSchedule, Task: &task, Scheduled: s.schedule(task)}
			break
		}
		s.ret()
		snap = Snapshot{Action: ActionReturn, Task: &task}

	case stageScheduled:
		task := *s.current
		s.ret()
		snap = Snapshot{Action: ActionReturn, Task: &task}
	}

	s.steps++
	snap.Step = s.steps
	snap.Phase = s.phase
	snap.CallStack = s.callStackLocked()
	snap.MicroQueue = copyTasks(s.micro)
	snap.MacroQueue = copyTasks(s.macro)
	if len(s.logs) > logStart {
		snap.Logs = append([]string(nil), s.logs[logStart:]...)
	}
	return snap, true, nil
}

// pending reports whether any transition remains to be applied.
func (s *Simulator) pending() bool {
	return s.stage != stageIdle ||
		s.mainIndex < len(s.scenario.MainScript) ||
		len(s.micro) > 0 ||
		len(s.macro) > 0
}

// next selects the task to push: the next main-script record, then the
// microtask queue head, then the macrotask queue head.
func (s *Simulator) next() (flow.Task, Phase, bool) {
	if s.mainIndex < len(s.scenario.MainScript) {
		task := s.scenario.MainScript[s.mainIndex]
		s.mainIndex++
		return task, PhaseMain, true
	}
	if len(s.micro) > 0 {
		task := s.micro[0]
		s.micro = s.micro[1:]
		return task, PhaseMicrotask, true
	}
	if len(s.macro) > 0 {
		task := s.macro[0]
		s.macro = s.macro[1:]
		return task, PhaseMacrotask, true
	}
	return flow.Task{}, "", false
}

func (s *Simulator) push(task flow.Task, phase Phase) {
	s.running = true
	if !s.started {
		s.started = true
		s.logs = append(s.logs, LogMainPhase)
	}
	if phase != PhaseMain && !s.drainLogged {
		s.drainLogged = true
		s.logs = append(s.logs, LogEventLoop)
	}

	s.phase = phase
	current := task
	s.current = &current
	s.stage = stagePushed
	s.executed = append(s.executed, task)
	s.logs = append(s.logs, fmt.Sprintf("[%s] run %s", phase, task.Label()))
	tasksExecuted.WithLabelValues(string(phase)).Inc()
}

// schedule appends the trigger's continuation to the queue of its category
// and returns how many records were queued.
func (s *Simulator) schedule(trigger flow.Task) int {
	continuation := s.scenario.Continuation(trigger.ID)
	queue := PhaseMicrotask
	switch trigger.Category {
	case flow.CategoryMicroTask:
		s.micro = append(s.micro, continuation...)
	case flow.CategoryMacroTask:
		queue = PhaseMacrotask
		s.macro = append(s.macro, continuation...)
	}
	s.stage = stageScheduled
	s.logs = append(s.logs, fmt.Sprintf("[%s] schedule %d task(s) on %s queue",
		s.phase, len(continuation), queue))
	return len(continuation)
}

func (s *Simulator) ret() {
	s.logs = append(s.logs, fmt.Sprintf("[%s] return %s", s.phase, s.current.Label()))
	s.current = nil
	s.stage = stageIdle
}

// Run drives the scenario to completion.
//
// Description:
//
//	Applies Step until the scenario completes, ctx is done, or the step
//	bound is hit. Every snapshot is collected in order. On cancellation the
//	snapshots applied so far are returned along with ctx.Err(). The lock is
//	taken once per transition, so accessors called from other goroutines
//	observe the run as it progresses.
func (s *Simulator) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "scheduler.Simulator.Run")
	defer span.End()

	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		span.SetStatus(codes.Error, ErrNotInitialized.Error())
		return nil, ErrNotInitialized
	}

	result := &Result{}
	for {
		if err := ctx.Err(); err != nil {
			s.mu.Lock()
			s.running = false
			s.fillResult(result)
			s.mu.Unlock()
			runsTotal.WithLabelValues("canceled").Inc()
			span.SetStatus(codes.Error, "canceled")
			return result, fmt.Errorf("simulation canceled: %w", err)
		}

		s.mu.Lock()
		snap, ok, err := s.stepLocked()
		if err != nil || !ok {
			s.fillResult(result)
		}
		s.mu.Unlock()

		if err != nil {
			runsTotal.WithLabelValues("step_limit").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Warn("simulation stopped",
				slog.Int("steps", result.Steps),
				slog.String("error", err.Error()),
			)
			return result, err
		}
		if !ok {
			break
		}
		result.Snapshots = append(result.Snapshots, snap)
	}

	runsTotal.WithLabelValues("complete").Inc()
	runSteps.Observe(float64(result.Steps))
	span.SetAttributes(
		attribute.Int("steps", result.Steps),
		attribute.Int("executed", len(result.Executed)),
	)
	s.logger.Debug("simulation complete",
		slog.Int("steps", result.Steps),
		slog.Int("executed", len(result.Executed)),
	)
	return result, nil
}

func (s *Simulator) fillResult(result *Result) {
	result.Logs = append([]string(nil), s.logs...)
	result.Executed = copyTasks(s.executed)
	result.Steps = s.steps
}

// CallStack returns the currently executing task, if any, as a slice of at
// most one element.
func (s *Simulator) CallStack() []flow.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callStackLocked()
}

func (s *Simulator) callStackLocked() []flow.Task {
	if s.current == nil {
		return []flow.Task{}
	}
	return []flow.Task{*s.current}
}

// MicroQueue returns a copy of the pending microtasks, head first.
func (s *Simulator) MicroQueue() []flow.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTasks(s.micro)
}

// MacroQueue returns a copy of the pending macrotasks, head first.
func (s *Simulator) MacroQueue() []flow.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTasks(s.macro)
}

// Logs returns a copy of the trace lines written so far.
func (s *Simulator) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

// IsRunning reports whether a run is in progress.
func (s *Simulator) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Executed returns the tasks pushed so far, in execution order.
func (s *Simulator) Executed() []flow.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTasks(s.executed)
}

// Scenario returns the loaded scenario, or nil before Initialize.
func (s *Simulator) Scenario() *Scenario {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenario
}
