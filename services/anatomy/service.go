// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package anatomy serves execution-flow analysis and event-loop simulation
// of JavaScript snippets over HTTP.
package anatomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/ast"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/scheduler"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/store"
)

// Version is reported by the health endpoint and the CLI.
const Version = "0.3.0"

var tracer = otel.Tracer("anatomy.service")

// ErrCacheDisabled is returned by plan cache operations when no store is configured.
var ErrCacheDisabled = errors.New("plan cache not configured")

// Analysis is the result of analysing one source snippet.
type Analysis struct {
	// Hash is the hex SHA256 of the source.
	Hash string

	// Plan is the extracted execution plan.
	Plan flow.Plan

	// Tree is the serialized syntax tree. Nil unless requested.
	Tree *ast.SyntaxNode

	// Cached is true when Plan came from the plan cache.
	Cached bool
}

// Service ties the parser, extractor, simulator and plan cache together.
//
// Thread Safety: Safe for concurrent use. Every call parses into its own
// tree, extracts with its own counter and simulates on its own Simulator.
type Service struct {
	cfg       *config.Config
	parser    *ast.Parser
	extractor *flow.Extractor
	store     *store.PlanStore
	logger    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStore enables the plan cache.
func WithStore(s *store.PlanStore) ServiceOption {
	return func(svc *Service) { svc.store = s }
}

// WithServiceLogger sets the logger. Nil is ignored.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(svc *Service) {
		if logger != nil {
			svc.logger = logger
		}
	}
}

// NewService creates a Service from cfg. A nil cfg uses config.Default().
func NewService(cfg *config.Config, opts ...ServiceOption) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	svc := &Service{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}

	svc.parser = ast.NewParser(ast.WithMaxSourceSize(cfg.Parser.MaxSourceBytes))
	svc.extractor = flow.NewExtractor(
		flow.WithPrimitives(cfg.Primitives.FlowPrimitives()),
		flow.WithMaxDepth(cfg.Parser.MaxDepth),
		flow.WithLogger(svc.logger),
	)
	return svc
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// CacheEnabled reports whether a plan store is attached.
func (s *Service) CacheEnabled() bool {
	return s.store != nil
}

// Analyze parses source and extracts its execution plan.
//
// Description:
//
//	When the cache is enabled and the tree is not requested, a previously
//	cached plan for identical source is returned without parsing, provided
//	it was built with the same extractor settings; otherwise the source is
//	re-extracted and the entry replaced. Fresh
//	plans are cached on a best-effort basis; a cache write failure is
//	logged and does not fail the analysis.
//
// Outputs:
//
//	*Analysis - The plan, hash and optional tree.
//	error - *ast.ParseError for invalid source, or one of the ast sentinels.
func (s *Service) Analyze(ctx context.Context, source []byte, includeTree bool) (*Analysis, error) {
	ctx, span := tracer.Start(ctx, "anatomy.Service.Analyze")
	defer span.End()

	start := time.Now()
	hash := store.SourceHash(source)
	span.SetAttributes(
		attribute.String("hash", hash),
		attribute.Int("source_bytes", len(source)),
		attribute.Bool("include_tree", includeTree),
	)

	if s.store != nil && !includeTree {
		plan, meta, err := s.store.Load(ctx, hash)
		switch {
		case err == nil && s.current(meta):
			span.SetAttributes(attribute.Bool("cached", true))
			return &Analysis{Hash: hash, Plan: plan, Cached: true}, nil
		case err == nil:
			s.logger.Debug("cached plan built with other extractor settings, re-extracting",
				slog.String("hash", hash),
				slog.String("schema_version", meta.SchemaVersion),
			)
		case !errors.Is(err, store.ErrPlanNotFound):
			s.logger.Warn("plan cache read failed", slog.String("hash", hash), slog.Any("error", err))
		}
	}

	tree, err := s.parser.Parse(ctx, source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}
	defer tree.Close()

	plan := s.extractor.Extract(ctx, tree)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analysis canceled: %w", err)
	}

	result := &Analysis{Hash: hash, Plan: plan}
	if includeTree {
		result.Tree = tree.Serialize(s.cfg.Parser.TreeDepth)
	}

	if s.store != nil {
		if _, err := s.store.Save(ctx, source, plan, store.WithFingerprint(s.extractor.Fingerprint())); err != nil {
			s.logger.Warn("plan cache write failed", slog.String("hash", hash), slog.Any("error", err))
		}
	}

	s.logger.Debug("source analyzed",
		slog.String("hash", hash),
		slog.Int("tasks", len(plan)),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// current reports whether a cached plan was built by this schema version
// and these extractor settings.
func (s *Service) current(meta *store.PlanMetadata) bool {
	return meta != nil &&
		meta.SchemaVersion == store.PlanSchemaVersion &&
		meta.Fingerprint == s.extractor.Fingerprint()
}

// NewSimulator returns a simulator configured from the service settings.
func (s *Service) NewSimulator() *scheduler.Simulator {
	return scheduler.New(
		scheduler.WithMaxSteps(s.cfg.Simulator.MaxSteps),
		scheduler.WithLogger(s.logger),
	)
}

// Simulate runs plan to completion on a fresh simulator.
func (s *Service) Simulate(ctx context.Context, plan flow.Plan) (*scheduler.Result, *scheduler.Scenario, error) {
	sim := s.NewSimulator()
	sim.Initialize(plan)
	result, err := sim.Run(ctx)
	if err != nil {
		return result, sim.Scenario(), fmt.Errorf("simulating plan: %w", err)
	}
	return result, sim.Scenario(), nil
}

// ListPlans returns cached plan metadata, newest first.
func (s *Service) ListPlans(ctx context.Context, limit int) ([]*store.PlanMetadata, error) {
	if s.store == nil {
		return nil, ErrCacheDisabled
	}
	return s.store.List(ctx, limit)
}

// LoadPlan returns a cached plan by source hash.
func (s *Service) LoadPlan(ctx context.Context, hash string) (flow.Plan, *store.PlanMetadata, error) {
	if s.store == nil {
		return nil, nil, ErrCacheDisabled
	}
	return s.store.Load(ctx, hash)
}

// DeletePlan removes a cached plan by source hash.
func (s *Service) DeletePlan(ctx context.Context, hash string) error {
	if s.store == nil {
		return ErrCacheDisabled
	}
	return s.store.Delete(ctx, hash)
}
