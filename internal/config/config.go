// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
//
// Policy-relevant values (listen address, default quotas, default rate)
// have no fallbacks: a missing value is a startup error. Silently
// defaulting a quota or rate limit would make the engine fail open.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the policy service.
type Config struct {
	// Listen is the TCP address the policy listener binds, e.g. ":10025".
	Listen string

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	// RedisURL is the Redis connection string.
	RedisURL string

	// DecisionsQueue is the Redis list decision events are published to.
	DecisionsQueue string

	// DefaultDailyQuota and DefaultMonthlyQuota seed quota state for
	// accounts sending for the first time.
	DefaultDailyQuota   int
	DefaultMonthlyQuota int

	// DefaultRatePerMinute applies to accounts without a per-account cap.
	DefaultRatePerMinute int

	// RequestTimeout bounds the handling of one policy request, read to
	// reply. The MTA itself gives up after a few seconds.
	RequestTimeout time.Duration

	// HealthPort serves /health and /metrics over HTTP.
	HealthPort int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Listen   string `yaml:"listen"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Decisions string `yaml:"decisions"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Defaults struct {
		DailyQuota    int `yaml:"daily_quota"`
		MonthlyQuota  int `yaml:"monthly_quota"`
		RatePerMinute int `yaml:"rate_per_minute"`
	} `yaml:"defaults"`
	Timeouts struct {
		Request string `yaml:"request"`
	} `yaml:"timeouts"`
	HealthPort int `yaml:"health_port"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// validates that every policy-relevant value is present.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Listen:               raw.Listen,
		DatabaseURL:          raw.Database.URL,
		RedisURL:             raw.Redis.URL,
		DecisionsQueue:       raw.Redis.Queues.Decisions,
		DefaultDailyQuota:    raw.Defaults.DailyQuota,
		DefaultMonthlyQuota:  raw.Defaults.MonthlyQuota,
		DefaultRatePerMinute: raw.Defaults.RatePerMinute,
		HealthPort:           raw.HealthPort,
	}

	if cfg.DecisionsQueue == "" {
		cfg.DecisionsQueue = envOrDefault("DECISIONS_QUEUE", "decisions")
	}
	if cfg.HealthPort == 0 {
		cfg.HealthPort = envOrDefaultInt("HEALTH_PORT", 8080)
	}

	cfg.RequestTimeout = 5 * time.Second
	if raw.Timeouts.Request != "" {
		d, err := time.ParseDuration(raw.Timeouts.Request)
		if err != nil {
			return nil, fmt.Errorf("parse timeouts.request %q: %w", raw.Timeouts.Request, err)
		}
		cfg.RequestTimeout = d
	}

	// No silent defaults for policy values.
	switch {
	case cfg.Listen == "":
		return nil, fmt.Errorf("config: listen address is required")
	case cfg.DatabaseURL == "":
		return nil, fmt.Errorf("config: database.url is required")
	case cfg.RedisURL == "":
		return nil, fmt.Errorf("config: redis.url is required")
	case cfg.DefaultDailyQuota <= 0:
		return nil, fmt.Errorf("config: defaults.daily_quota must be set and positive")
	case cfg.DefaultMonthlyQuota <= 0:
		return nil, fmt.Errorf("config: defaults.monthly_quota must be set and positive")
	case cfg.DefaultRatePerMinute <= 0:
		return nil, fmt.Errorf("config: defaults.rate_per_minute must be set and positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
