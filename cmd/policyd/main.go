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

// MailCannon — Outbound Mail Policy Engine
//
// Entry point for the policy service the MTA consults once per SMTP
// transaction. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Builds the decision pipeline (identity, abuse, quota, rate, egress IP)
//  4. Starts the TCP policy listener and the audit sink
//  5. Serves /health and /metrics over HTTP
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mailcannon/policyd/internal/account"
	"github.com/mailcannon/policyd/internal/audit"
	"github.com/mailcannon/policyd/internal/blacklist"
	"github.com/mailcannon/policyd/internal/config"
	"github.com/mailcannon/policyd/internal/engine"
	"github.com/mailcannon/policyd/internal/feed"
	"github.com/mailcannon/policyd/internal/ippool"
	"github.com/mailcannon/policyd/internal/quota"
	"github.com/mailcannon/policyd/internal/ratelimit"
	"github.com/mailcannon/policyd/internal/server"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting MailCannon policy engine")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"listen", cfg.Listen,
		"default_daily_quota", cfg.DefaultDailyQuota,
		"default_monthly_quota", cfg.DefaultMonthlyQuota,
		"default_rate_per_minute", cfg.DefaultRatePerMinute,
		"request_timeout", cfg.RequestTimeout,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis.url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRatePerMinute)
	if err := limiter.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores ---
	accounts, err := account.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise account store", "error", err)
		os.Exit(1)
	}

	abuse, err := blacklist.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise blacklist store", "error", err)
		os.Exit(1)
	}

	ledger, err := quota.NewLedger(ctx, pgPool, cfg.DefaultDailyQuota, cfg.DefaultMonthlyQuota)
	if err != nil {
		slog.Error("failed to initialise quota ledger", "error", err)
		os.Exit(1)
	}

	allocator, err := ippool.NewAllocator(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise egress IP allocator", "error", err)
		os.Exit(1)
	}

	// --- Audit Sink ---
	auditStore, err := audit.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise audit store", "error", err)
		os.Exit(1)
	}
	publisher := feed.NewPublisher(rdb, cfg.DecisionsQueue)
	sink := audit.NewSink(auditStore, publisher, 1024)

	// --- Decision Engine ---
	eng := engine.New(engine.Config{
		Accounts: accounts,
		Abuse:    abuse,
		Quota:    ledger,
		Rate:     limiter,
		IPs:      allocator,
		Audit:    sink,
	})

	// --- Policy Listener ---
	policySrv := server.New(eng, cfg.RequestTimeout)
	if err := policySrv.Start(ctx, cfg.Listen); err != nil {
		slog.Error("failed to start policy listener", "error", err)
		os.Exit(1)
	}

	// --- Health Check + Metrics Server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := limiter.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop the listener and in-flight request contexts

		policySrv.Wait()
		sink.Close() // Drain queued audit records

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("health server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("health server listening", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("health server error", "error", err)
		os.Exit(1)
	}

	slog.Info("policy engine stopped")
}
