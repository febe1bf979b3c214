// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the load balancer's process-wide
// configuration. A single Config is constructed once at boot and handed by
// reference to every other component; nothing reloads it at runtime except
// the Update Controller, which rebuilds it across a process restart.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every enumerated setting from the configuration surface.
//
// # Description
//
// Fields are populated first from a YAML file (if present), then overridden
// by environment variables, matching the teacher's layered-defaults approach
// in services/orchestrator/handlers/routing.go (env var wins, with a
// deprecation path for legacy names).
//
// # Thread Safety
//
// Config is immutable after Load returns; callers may share a *Config across
// goroutines without synchronization.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	JWTSecret      string `yaml:"jwt_secret"`
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`

	LogLevel         string `yaml:"log_level"`
	LogDir           string `yaml:"log_dir"`
	LogRetentionDays int    `yaml:"log_retention_days"`

	HealthCheckIntervalSecs int    `yaml:"health_check_interval"`
	LoadBalancerMode        string `yaml:"load_balancer_mode"` // auto | metrics

	QueueMax          int `yaml:"queue_max"`
	QueueTimeoutSecs  int `yaml:"queue_timeout_secs"`

	RequestHistoryRetentionDays int `yaml:"request_history_retention_days"`
	CleanupIntervalSecs         int `yaml:"cleanup_interval_secs"`

	AuditFlushIntervalSecs int `yaml:"audit_flush_interval_secs"`
	AuditBufferCapacity    int `yaml:"audit_buffer_capacity"`
	AuditBatchIntervalSecs int `yaml:"audit_batch_interval_secs"`
	AuditRetentionDays     int `yaml:"audit_retention_days"`

	DefaultEmbeddingModel string `yaml:"default_embedding_model"`

	OpenAIAPIKey    string `yaml:"-"`
	OpenAIBaseURL   string `yaml:"-"`
	GoogleAPIKey    string `yaml:"-"`
	GoogleBaseURL   string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	AnthropicBaseURL string `yaml:"-"`

	// LoadLatencyWeight is w_lat in the scoring formula. Default 1,
	// deliberately surfaced as configuration rather than hardcoded.
	LoadLatencyWeight float64 `yaml:"load_latency_weight"`
}

// Default values applied before the YAML/env layers are consulted.
func defaults() Config {
	return Config{
		Host:                        "0.0.0.0",
		Port:                        32768,
		DataDir:                     defaultDataDir(),
		LogLevel:                    "info",
		LogRetentionDays:            14,
		HealthCheckIntervalSecs:     30,
		LoadBalancerMode:            "auto",
		QueueMax:                    100,
		QueueTimeoutSecs:            60,
		RequestHistoryRetentionDays: 90,
		CleanupIntervalSecs:         3600,
		AuditFlushIntervalSecs:      30,
		AuditBufferCapacity:         10000,
		AuditBatchIntervalSecs:      300,
		AuditRetentionDays:          90,
		DefaultEmbeddingModel:       "text-embedding-3-small",
		LoadLatencyWeight:           1.0,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llmlb"
	}
	return filepath.Join(home, ".llmlb")
}

// Load builds a Config from an optional YAML file at path and the process
// environment. A missing file is not an error; a malformed one is.
//
// # Inputs
//
//   - path: Path to a YAML config file. Empty string skips file loading.
//
// # Outputs
//
//   - *Config: fully resolved configuration.
//   - error: non-nil if the file exists but cannot be parsed, or required
//     derived paths cannot be created.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.DataDir, "load balancer.db")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}

	for _, dir := range []string{cfg.DataDir, cfg.LogDir, filepath.Join(cfg.DataDir, "updates")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if cfg.JWTSecret == "" {
		secret, err := randomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		cfg.JWTSecret = secret
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					*dst = n
					return
				}
			}
		}
	}
	flt := func(dst *float64, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					*dst = n
					return
				}
			}
		}
	}

	str(&c.Host, "LLMLB_HOST")
	num(&c.Port, "LLMLB_PORT")
	str(&c.DatabaseURL, "LLMLB_DATABASE_URL", "database_url")
	str(&c.DataDir, "LLMLB_DATA_DIR", "LLM_NODE_DATA_DIR")
	str(&c.JWTSecret, "LLMLB_JWT_SECRET")
	str(&c.AdminUsername, "LLMLB_ADMIN_USERNAME", "admin_username")
	str(&c.AdminPassword, "LLMLB_ADMIN_PASSWORD", "admin_password")
	str(&c.LogLevel, "LLMLB_LOG_LEVEL", "LLM_NODE_LOG_LEVEL")
	str(&c.LogDir, "LLMLB_LOG_DIR")
	num(&c.LogRetentionDays, "LLMLB_LOG_RETENTION_DAYS")
	num(&c.HealthCheckIntervalSecs, "LLMLB_HEALTH_CHECK_INTERVAL")
	str(&c.LoadBalancerMode, "LLMLB_LOAD_BALANCER_MODE")
	num(&c.QueueMax, "LLMLB_QUEUE_MAX")
	num(&c.QueueTimeoutSecs, "LLMLB_QUEUE_TIMEOUT_SECS")
	num(&c.RequestHistoryRetentionDays, "LLMLB_REQUEST_HISTORY_RETENTION_DAYS")
	num(&c.CleanupIntervalSecs, "LLMLB_CLEANUP_INTERVAL_SECS")
	num(&c.AuditFlushIntervalSecs, "LLMLB_AUDIT_FLUSH_INTERVAL_SECS")
	num(&c.AuditBufferCapacity, "LLMLB_AUDIT_BUFFER_CAPACITY")
	num(&c.AuditBatchIntervalSecs, "LLMLB_AUDIT_BATCH_INTERVAL_SECS")
	num(&c.AuditRetentionDays, "LLMLB_AUDIT_RETENTION_DAYS")
	str(&c.DefaultEmbeddingModel, "LLMLB_DEFAULT_EMBEDDING_MODEL")
	flt(&c.LoadLatencyWeight, "LLMLB_LOAD_LATENCY_WEIGHT")

	str(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	str(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	str(&c.GoogleAPIKey, "GOOGLE_API_KEY")
	str(&c.GoogleBaseURL, "GOOGLE_BASE_URL")
	str(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	str(&c.AnthropicBaseURL, "ANTHROPIC_BASE_URL")

	if c.OpenAIBaseURL == "" {
		c.OpenAIBaseURL = "https://api.openai.com"
	}
	if c.GoogleBaseURL == "" {
		c.GoogleBaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.AnthropicBaseURL == "" {
		c.AnthropicBaseURL = "https://api.anthropic.com"
	}
}

// Addr returns the bind address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueTimeout returns QueueTimeoutSecs as a time.Duration.
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSecs) * time.Second
}

// ArchivePath returns the path of the secondary audit archive database.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataDir, "audit_archive.db")
}

// UpdatesDir returns the directory watched by the Update Controller.
func (c *Config) UpdatesDir() string {
	return filepath.Join(c.DataDir, "updates")
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
