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
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/ast"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/store"
)

var (
	analyzeJSON        bool
	analyzeConcurrency int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE...",
	Short: "Print the execution plan of one or more JavaScript files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print plans as JSON")
	analyzeCmd.Flags().IntVar(&analyzeConcurrency, "concurrency", runtime.NumCPU(), "files analysed in parallel")
}

// fileAnalysis pairs a file with its plan.
type fileAnalysis struct {
	Path   string    `json:"path"`
	Hash   string    `json:"hash"`
	Cached bool      `json:"cached"`
	Plan   flow.Plan `json:"plan"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
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

	results, err := analyzeFiles(ctx, svc, args, analyzeConcurrency)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if analyzeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	st := stylesFor(out)
	for i, res := range results {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if err := writePlan(out, res.Path, res.Plan, st); err != nil {
			return err
		}
	}
	return nil
}

// analyzeFiles analyses paths in parallel, keeping the input order.
// The first failure cancels the remaining work.
func analyzeFiles(ctx context.Context, svc *anatomy.Service, paths []string, concurrency int) ([]fileAnalysis, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]fileAnalysis, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			analysis, err := analyzeFile(gctx, svc, path)
			if err != nil {
				return err
			}
			results[i] = fileAnalysis{
				Path:   path,
				Hash:   analysis.Hash,
				Cached: analysis.Cached,
				Plan:   analysis.Plan,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// analyzeFile reads and analyses one file. Parse errors carry the path and
// the 1-based line.
func analyzeFile(ctx context.Context, svc *anatomy.Service, path string) (*anatomy.Analysis, error) {
	source, err := readSource(path, svc.Config().Parser.MaxSourceBytes)
	if err != nil {
		return nil, err
	}
	analysis, err := svc.Analyze(ctx, source, false)
	if err != nil {
		if perr, ok := ast.AsParseError(err); ok {
			return nil, fmt.Errorf("%s:%d:%d: %s", path, perr.Location.Line, perr.Location.Column+1, perr.Message)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return analysis, nil
}

// readSource reads at most limit+1 bytes so oversized files are rejected by
// the parser without being fully loaded.
func readSource(path string, limit int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// newCLIService builds a Service for one-shot commands. The plan cache is
// only opened when it persists to disk.
func newCLIService(cfg *config.Config) (*anatomy.Service, func(), error) {
	opts := []anatomy.ServiceOption{anatomy.WithServiceLogger(slog.Default())}
	closer := func() {}

	if cfg.Cache.Enabled && !cfg.Cache.InMemory {
		plans, err := store.Open(cfg.Cache, slog.Default())
		if err != nil {
			return nil, nil, fmt.Errorf("opening plan cache: %w", err)
		}
		opts = append(opts, anatomy.WithStore(plans))
		closer = func() {
			if err := plans.Close(); err != nil {
				slog.Warn("failed to close plan cache", slog.String("error", err.Error()))
			}
		}
	}
	return anatomy.NewService(cfg, opts...), closer, nil
}
