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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
listen: ":10025"
database:
  url: postgres://policyd@localhost/policyd
redis:
  url: redis://localhost:6379/0
  queues:
    decisions: decisions
defaults:
  daily_quota: 500
  monthly_quota: 10000
  rate_per_minute: 60
timeouts:
  request: 4s
health_port: 9090
`

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
}

// TestLoad verifies a complete config parses with all values.
func TestLoad(t *testing.T) {
	writeConfig(t, validYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != ":10025" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.DefaultDailyQuota != 500 {
		t.Errorf("DefaultDailyQuota = %d", cfg.DefaultDailyQuota)
	}
	if cfg.DefaultMonthlyQuota != 10000 {
		t.Errorf("DefaultMonthlyQuota = %d", cfg.DefaultMonthlyQuota)
	}
	if cfg.DefaultRatePerMinute != 60 {
		t.Errorf("DefaultRatePerMinute = %d", cfg.DefaultRatePerMinute)
	}
	if cfg.RequestTimeout != 4*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.HealthPort != 9090 {
		t.Errorf("HealthPort = %d", cfg.HealthPort)
	}
}

// TestLoad_EnvExpansion verifies ${VAR} references resolve from the
// environment.
func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://expanded@db/policyd")
	writeConfig(t, strings.Replace(validYAML,
		"postgres://policyd@localhost/policyd", "${DATABASE_URL}", 1))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://expanded@db/policyd" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

// TestLoad_MissingPolicyValues verifies that policy-relevant values are
// startup errors when absent, never silent defaults.
func TestLoad_MissingPolicyValues(t *testing.T) {
	tests := []struct {
		name   string
		remove string // line fragment to drop from the valid config
	}{
		{"missing listen", `listen: ":10025"`},
		{"missing daily quota", "daily_quota: 500"},
		{"missing monthly quota", "monthly_quota: 10000"},
		{"missing rate per minute", "rate_per_minute: 60"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, strings.Replace(validYAML, tt.remove, "", 1))
			if _, err := Load(); err == nil {
				t.Fatalf("expected error with %s removed", tt.remove)
			}
		})
	}
}

// TestLoad_OptionalDefaults verifies the non-policy values fall back.
func TestLoad_OptionalDefaults(t *testing.T) {
	trimmed := validYAML
	trimmed = strings.Replace(trimmed, "    decisions: decisions\n", "", 1)
	trimmed = strings.Replace(trimmed, "health_port: 9090\n", "", 1)
	trimmed = strings.Replace(trimmed, "timeouts:\n  request: 4s\n", "", 1)
	writeConfig(t, trimmed)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DecisionsQueue != "decisions" {
		t.Errorf("DecisionsQueue = %q", cfg.DecisionsQueue)
	}
	if cfg.HealthPort != 8080 {
		t.Errorf("HealthPort = %d", cfg.HealthPort)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
}

// TestLoad_BadTimeout verifies an unparseable duration is an error.
func TestLoad_BadTimeout(t *testing.T) {
	writeConfig(t, strings.Replace(validYAML, "request: 4s", "request: banana", 1))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
