// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Command anatomy analyses JavaScript snippets into execution plans and
// replays them through the event-loop simulator.
//
// Usage:
//
//	anatomy serve                     # HTTP and WebSocket API
//	anatomy analyze a.js b.js --json  # print execution plans
//	anatomy simulate a.js             # print every simulator snapshot
//	anatomy step a.js                 # interactive stepper
//	anatomy watch a.js                # re-run on every save
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "anatomy",
	Short:         "Execution-flow anatomy for JavaScript snippets",
	Long:          "anatomy classifies the calls in a JavaScript snippet as call-stack work, microtasks or macrotasks and replays them through a two-queue event loop.",
	Version:       anatomy.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults are embedded)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(watchCmd)
}

// parseLevel maps a --log-level value to a slog level.
func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", s, err)
	}
	return level, nil
}

// loadConfig loads --config, or the embedded defaults when unset.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
