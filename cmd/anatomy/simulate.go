// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/scheduler"
)

var (
	simulateInterval time.Duration
	simulateJSON     bool
	simulateQuiet    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate FILE",
	Short: "Replay a file's execution plan through the event loop",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", 0, "pause between snapshots, e.g. 400ms")
	simulateCmd.Flags().BoolVar(&simulateJSON, "json", false, "print the full result as JSON")
	simulateCmd.Flags().BoolVarP(&simulateQuiet, "quiet", "q", false, "print only the final log and execution order")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, closeSvc, err := newCLIService(cfg)
	if err != nil {
		return err
	}
	defer closeSvc()

	analysis, err := analyzeFile(ctx, svc, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if simulateJSON {
		result, _, err := svc.Simulate(ctx, analysis.Plan)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	st := stylesFor(out)
	var onSnapshot func(scheduler.Snapshot) error
	if !simulateQuiet {
		onSnapshot = func(snap scheduler.Snapshot) error {
			_, err := io.WriteString(out, formatSnapshot(snap, st))
			return err
		}
	}
	result, err := simulatePaced(ctx, svc, analysis.Plan, simulateInterval, onSnapshot)
	if err != nil {
		return err
	}
	if !simulateQuiet {
		fmt.Fprintln(out)
	}
	return writeResult(out, result, st)
}

// simulatePaced steps a fresh simulator over plan, calling onSnapshot after
// each transition and waiting interval between transitions. A zero interval
// runs at full speed.
func simulatePaced(ctx context.Context, svc *anatomy.Service, plan flow.Plan, interval time.Duration, onSnapshot func(scheduler.Snapshot) error) (*scheduler.Result, error) {
	sim := svc.NewSimulator()
	sim.Initialize(plan)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	steps := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		snap, ok, err := sim.Step()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		steps++
		if onSnapshot != nil {
			if err := onSnapshot(snap); err != nil {
				return nil, err
			}
		}
	}

	return &scheduler.Result{
		Logs:     sim.Logs(),
		Executed: sim.Executed(),
		Steps:    steps,
	}, nil
}
