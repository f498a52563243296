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
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch FILE",
	Short: "Re-analyse and re-simulate a file whenever it changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 150*time.Millisecond, "quiet period after a change before re-running")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, closeSvc, err := newCLIService(cfg)
	if err != nil {
		return err
	}
	defer closeSvc()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file on save, so the directory is watched.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	out := cmd.OutOrStdout()
	st := stylesFor(out)
	run := func() {
		if err := watchRun(ctx, out, svc, path, st); err != nil {
			fmt.Fprintln(out, st.Error.Render(err.Error()))
		}
		fmt.Fprintln(out, st.Dim.Render(fmt.Sprintf("watching %s (ctrl+c to stop)", args[0])))
	}
	run()

	return watchLoop(ctx, watcher.Events, watcher.Errors, path, watchDebounce, run)
}

// watchLoop calls run once per burst of changes to path, after debounce of
// quiet. It returns when ctx is done or the watcher closes.
func watchLoop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, path string, debounce time.Duration, run func()) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			run()
		}
	}
}

// watchRun analyses and simulates path once and prints the plan and result.
func watchRun(ctx context.Context, w io.Writer, svc *anatomy.Service, path string, st styles) error {
	analysis, err := analyzeFile(ctx, svc, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s\n", st.Dim.Render(time.Now().Format(time.TimeOnly)))
	if err := writePlan(w, filepath.Base(path), analysis.Plan, st); err != nil {
		return err
	}

	result, _, err := svc.Simulate(ctx, analysis.Plan)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	return writeResult(w, result, st)
}
