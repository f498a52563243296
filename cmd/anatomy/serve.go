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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/store"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/telemetry"
)

var (
	serveAddress string
	serveDebug   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analysis and simulation API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address (overrides server.address)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable gin debug mode and request logging")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}
	if serveDebug {
		cfg.Server.Debug = true
	}

	providers, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.WithVersion(anatomy.Version))
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	opts := []anatomy.ServiceOption{anatomy.WithServiceLogger(slog.Default())}
	if cfg.Cache.Enabled {
		plans, err := store.Open(cfg.Cache, slog.Default())
		if err != nil {
			// The API still works without the cache; plan endpoints report 503.
			slog.Warn("plan cache unavailable, caching disabled", slog.String("error", err.Error()))
		} else {
			defer func() {
				if err := plans.Close(); err != nil {
					slog.Warn("failed to close plan cache", slog.String("error", err.Error()))
				}
			}()
			opts = append(opts, anatomy.WithStore(plans))
		}
	}
	svc := anatomy.NewService(cfg, opts...)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      newRouter(cfg, svc),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting node-anatomy server",
			slog.String("address", cfg.Server.Address),
			slog.String("version", anatomy.Version),
			slog.Bool("cache", svc.CacheEnabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down node-anatomy server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with tracing, the anatomy routes under
// /v1 and the Prometheus endpoint.
func newRouter(cfg *config.Config, svc *anatomy.Service) *gin.Engine {
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	if cfg.Server.Debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	anatomy.RegisterRoutes(v1, anatomy.NewHandlers(svc))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
