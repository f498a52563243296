// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

// MaxYAMLFileSize bounds configuration files read from disk.
const MaxYAMLFileSize = 1 << 20

// Environment variables that override file values.
const (
	EnvAddress      = "ANATOMY_ADDR"
	EnvCacheDir     = "ANATOMY_CACHE_DIR"
	EnvOTLPEndpoint = "ANATOMY_OTLP_ENDPOINT"
)

var tracer = otel.Tracer("anatomy.config")

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the complete service configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Server     ServerConfig     `yaml:"server" validate:"required"`
	Parser     ParserConfig     `yaml:"parser" validate:"required"`
	Primitives PrimitivesConfig `yaml:"primitives" validate:"required"`
	Simulator  SimulatorConfig  `yaml:"simulator" validate:"required"`
	Cache      CacheConfig      `yaml:"cache"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" validate:"required"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8090".
	Address string `yaml:"address" validate:"required"`

	// Debug switches gin into debug mode.
	Debug bool `yaml:"debug"`

	// MaxRequestBytes caps request bodies.
	MaxRequestBytes int64 `yaml:"max_request_bytes" validate:"gt=0"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ParserConfig configures source parsing.
type ParserConfig struct {
	// MaxSourceBytes rejects larger sources before parsing.
	MaxSourceBytes int `yaml:"max_source_bytes" validate:"gt=0"`

	// TreeDepth limits the serialized tree returned to clients.
	TreeDepth int `yaml:"tree_depth" validate:"gt=0"`

	// MaxDepth bounds extractor descent.
	MaxDepth int `yaml:"max_depth" validate:"gt=0"`
}

// PrimitivesConfig names the call shapes recognized as async triggers.
type PrimitivesConfig struct {
	TimerFunctions []string `yaml:"timer_functions" validate:"min=1,dive,required"`
	TickObject     string   `yaml:"tick_object" validate:"required"`
	TickMethod     string   `yaml:"tick_method" validate:"required"`
	ChainMethods   []string `yaml:"chain_methods" validate:"min=1,dive,required"`
}

// SimulatorConfig configures the scheduling simulator.
type SimulatorConfig struct {
	// MaxSteps bounds transitions per run.
	MaxSteps int `yaml:"max_steps" validate:"gt=0"`

	// StreamInterval is the default pacing between streamed snapshots.
	StreamInterval time.Duration `yaml:"stream_interval"`

	// MinStreamInterval is the fastest pacing a client may request.
	MinStreamInterval time.Duration `yaml:"min_stream_interval"`
}

// CacheConfig configures the plan cache.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	InMemory bool   `yaml:"in_memory"`
	Dir      string `yaml:"dir"`

	// TTL expires cached plans. Zero keeps them until deleted.
	TTL time.Duration `yaml:"ttl"`
}

// TelemetryConfig selects tracing and metrics exporters.
type TelemetryConfig struct {
	ServiceName     string `yaml:"service_name" validate:"required"`
	TraceExporter   string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure    bool   `yaml:"otlp_insecure"`
	MetricsExporter string `yaml:"metrics_exporter" validate:"oneof=none prometheus stdout"`
}

// FlowPrimitives converts the configured primitives for the extractor.
func (p PrimitivesConfig) FlowPrimitives() flow.Primitives {
	return flow.Primitives{
		TimerFunctions: append([]string(nil), p.TimerFunctions...),
		TickObject:     p.TickObject,
		TickMethod:     p.TickMethod,
		ChainMethods:   append([]string(nil), p.ChainMethods...),
	}
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := Parse(context.Background(), nil)
	if err != nil {
		// The embedded file is covered by tests.
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load reads the configuration file at path over the embedded defaults.
//
// Description:
//
//	An empty path or a missing file is not an error; the defaults are used.
//	Environment overrides are applied after the file, then the result is
//	validated.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if the file exists but cannot be read, parsed or validated.
func Load(ctx context.Context, path string) (*Config, error) {
	var data []byte
	if path != "" {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("config file not found, using defaults", slog.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("stat %s: %w", path, err)
		case info.Size() > MaxYAMLFileSize:
			return nil, fmt.Errorf("config file %s exceeds maximum size (%d > %d)", path, info.Size(), MaxYAMLFileSize)
		default:
			data, err = os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
		}
	}

	cfg, err := parse(ctx, data, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse layers data over the embedded defaults without consulting the
// environment. Nil data yields the defaults.
func Parse(ctx context.Context, data []byte) (*Config, error) {
	return parse(ctx, data, func(string) (string, bool) { return "", false })
}

func parse(ctx context.Context, data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	_, span := tracer.Start(ctx, "config.Load")
	defer span.End()

	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(&cfg, lookupEnv)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("address", cfg.Server.Address),
		attribute.Bool("cache_enabled", cfg.Cache.Enabled),
		attribute.String("trace_exporter", cfg.Telemetry.TraceExporter),
	)
	return &cfg, nil
}

// applyEnv overrides file values with the ANATOMY_* environment variables.
func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) {
	if v, ok := lookupEnv(EnvAddress); ok && v != "" {
		cfg.Server.Address = v
	}
	if v, ok := lookupEnv(EnvCacheDir); ok && v != "" {
		cfg.Cache.Dir = v
		cfg.Cache.InMemory = false
	}
	if v, ok := lookupEnv(EnvOTLPEndpoint); ok && v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		if cfg.Telemetry.TraceExporter == "none" {
			cfg.Telemetry.TraceExporter = "otlp"
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Cache.Enabled && !cfg.Cache.InMemory && cfg.Cache.Dir == "" {
		return fmt.Errorf("%w: cache.dir is required for an on-disk cache", ErrInvalidConfig)
	}
	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("%w: cache.ttl must not be negative", ErrInvalidConfig)
	}
	if cfg.Simulator.StreamInterval < 0 || cfg.Simulator.MinStreamInterval < 0 {
		return fmt.Errorf("%w: simulator intervals must not be negative", ErrInvalidConfig)
	}
	if cfg.Simulator.StreamInterval < cfg.Simulator.MinStreamInterval {
		return fmt.Errorf("%w: simulator.stream_interval below min_stream_interval", ErrInvalidConfig)
	}
	return nil
}
