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

// MailCannon — Quota Reset Sweep
//
// Standalone CLI tool that zeroes daily and monthly send counters whose
// calendar boundary has passed. Intended to run from cron (every few
// minutes is fine: each sweep is a single idempotent UPDATE, and the
// ledger's reserve operation cannot race with it).
//
// Usage:
//
//	go run ./cmd/quotasweep/ [--daily] [--monthly]
//
// With no flags, both sweeps run.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailcannon/policyd/internal/config"
	"github.com/mailcannon/policyd/internal/quota"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	dailyFlag := flag.Bool("daily", false, "Sweep only daily counters")
	monthlyFlag := flag.Bool("monthly", false, "Sweep only monthly counters")
	flag.Parse()

	sweepDaily := *dailyFlag || !*monthlyFlag
	sweepMonthly := *monthlyFlag || !*dailyFlag

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	ledger, err := quota.NewLedger(ctx, pgPool, cfg.DefaultDailyQuota, cfg.DefaultMonthlyQuota)
	if err != nil {
		slog.Error("failed to initialise quota ledger", "error", err)
		os.Exit(1)
	}

	start := time.Now()

	if sweepDaily {
		n, err := ledger.SweepDaily(ctx)
		if err != nil {
			slog.Error("daily sweep failed", "error", err)
			os.Exit(1)
		}
		slog.Info("daily counters reset", "accounts", n)
	}

	if sweepMonthly {
		n, err := ledger.SweepMonthly(ctx)
		if err != nil {
			slog.Error("monthly sweep failed", "error", err)
			os.Exit(1)
		}
		slog.Info("monthly counters reset", "accounts", n)
	}

	slog.Info("quota sweep complete", "elapsed", time.Since(start))
}
