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
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/llmlb/llmlb/internal/admission"
	"github.com/llmlb/llmlb/internal/auth"
	"github.com/llmlb/llmlb/internal/config"
	"github.com/llmlb/llmlb/internal/health"
	"github.com/llmlb/llmlb/internal/httpapi"
	"github.com/llmlb/llmlb/internal/llmclient"
	"github.com/llmlb/llmlb/internal/loadsampler"
	"github.com/llmlb/llmlb/internal/logging"
	"github.com/llmlb/llmlb/internal/manifest"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/registry"
	"github.com/llmlb/llmlb/internal/router"
	"github.com/llmlb/llmlb/internal/scoring"
	"github.com/llmlb/llmlb/internal/secure"
	"github.com/llmlb/llmlb/internal/stats"
	"github.com/llmlb/llmlb/internal/storage"
	"github.com/llmlb/llmlb/internal/update"

	auditpkg "github.com/llmlb/llmlb/internal/audit"
)

// version is overwritten at release build time via -ldflags; the Update
// Controller compares this against each dropped release's "version" file.
var version = "0.0.0-dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logger := logging.Init(logging.Options{Level: cfg.LogLevel, Output: os.Stdout})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := metrics.New()
	if err != nil {
		log.Fatalf("setting up metrics: %v", err)
	}
	defer reg.Shutdown(context.Background())

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer store.Close()

	vault, err := secure.New()
	if err != nil {
		log.Fatalf("initializing credential vault: %v", err)
	}
	defer vault.Close()

	endpointRegistry, err := registry.New(store.Endpoints(), filepath.Join(cfg.DataDir, "registry_cache"), vault)
	if err != nil {
		log.Fatalf("initializing endpoint registry: %v", err)
	}
	defer endpointRegistry.Close()

	supervisor := health.New(store.Endpoints())
	go func() {
		if err := supervisor.Run(ctx, endpointRegistry.List); err != nil && ctx.Err() == nil {
			slog.Error("health supervisor exited", "error", err)
		}
	}()

	gate := auth.New(store.Users(), store.APIKeys(), cfg.JWTSecret)
	defer gate.Close()
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if err := gate.Bootstrap(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			log.Fatalf("bootstrapping admin account: %v", err)
		}
	}

	queue := admission.New(cfg.QueueMax, cfg.QueueTimeout())

	cloudConfig := router.CloudConfig{}
	if cfg.OpenAIAPIKey != "" {
		cloudConfig[llmclient.ProviderOpenAI] = router.CloudCredentials{BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIAPIKey}
	}
	if cfg.GoogleAPIKey != "" {
		cloudConfig[llmclient.ProviderGoogle] = router.CloudCredentials{BaseURL: cfg.GoogleBaseURL, APIKey: cfg.GoogleAPIKey}
	}
	if cfg.AnthropicAPIKey != "" {
		cloudConfig[llmclient.ProviderAnthropic] = router.CloudCredentials{BaseURL: cfg.AnthropicBaseURL, APIKey: cfg.AnthropicAPIKey}
	}

	archive, err := storage.OpenArchive(ctx, cfg.ArchivePath())
	if err != nil {
		log.Fatalf("opening audit archive: %v", err)
	}
	defer archive.Close()

	if brokenSeq, err := auditpkg.VerifyAndRecover(ctx, store.AuditLog()); err != nil {
		log.Fatalf("verifying audit hash chain: %v", err)
	} else if brokenSeq > 0 {
		slog.Warn("audit hash chain break recovered at startup", "broken_sequence", brokenSeq)
	}

	auditRetain := time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour
	auditWriter := auditpkg.New(store.AuditLog(), archive, auditRetain)
	go func() {
		if err := auditWriter.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("audit writer exited", "error", err)
		}
	}()

	scorer := scoring.New(cfg.LoadLatencyWeight)

	// Router and Sampler have a circular dependency on each other's
	// interfaces; build the Router first with a nil load sampler, derive
	// the Sampler from the Router's own ActiveRequests accounting, then
	// wire it back in with SetLoadSampler.
	rtr := router.New(endpointRegistry, nil, scorer, queue, cloudConfig, auditWriter.Submit)
	sampler := loadsampler.New(rtr)
	rtr.SetLoadSampler(sampler)

	statsAgg := stats.New(store.Stats())
	manifests := manifest.New(store.Manifests())

	updateCtrl, err := update.New(version, cfg.UpdatesDir(), healthProbe(cfg))
	if err != nil {
		log.Fatalf("initializing update controller: %v", err)
	}
	go func() {
		if err := updateCtrl.Watch(ctx); err != nil && ctx.Err() == nil {
			slog.Error("update watcher exited", "error", err)
		}
	}()
	go func() {
		if err := updateCtrl.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("update controller exited", "error", err)
		}
	}()

	go sampleMetrics(ctx, reg, queue, auditWriter)

	server := httpapi.New(cfg, gate, endpointRegistry, rtr, store, manifests, statsAgg, updateCtrl, queue, reg)
	engine := server.Engine()

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: engine,
	}

	go func() {
		slog.Info("llmlb listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}
	if err := auditWriter.Flush(shutdownCtx); err != nil {
		slog.Error("flushing audit writer", "error", err)
	}
}

// sampleMetrics periodically copies the admission queue's depth and the
// audit writer's cumulative drop count into their Prometheus gauges/counters;
// neither the queue nor the writer import the metrics package directly, so
// this loop is the seam between them.
func sampleMetrics(ctx context.Context, reg *metrics.Registry, queue *admission.Queue, writer *auditpkg.Writer) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.QueueDepth.Set(float64(queue.Depth()))
			if dropped := writer.Dropped(); dropped > lastDropped {
				reg.AuditDropped.Add(float64(dropped - lastDropped))
				lastDropped = dropped
			}
		}
	}
}

// healthProbe returns the Update Controller's self-check: a GET of this
// running process's own /health, made after the release binary is copied
// into place and before the process execs into it.
func healthProbe(cfg *config.Config) update.HealthProber {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Addr()+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return http.ErrBodyNotAllowed
		}
		return nil
	}
}
