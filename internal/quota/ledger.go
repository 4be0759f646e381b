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

// Package quota provides the send-quota ledger: per-account daily and
// monthly counters reserved atomically against their limits.
//
// The ceiling check and the increment are a single conditional UPDATE,
// so concurrent reservations for one account can never admit past the
// limit, and the calendar reset sweep (also a single statement) can
// never lose or double-count a reservation it races with.
package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailcannon/policyd/internal/models"
)

// Reservation is the result of TryReserve.
type Reservation struct {
	Granted bool
	Reason  string // set when denied: which limit was hit
}

// Ledger tracks send counters per account in Postgres.
type Ledger struct {
	pool           *pgxpool.Pool
	defaultDaily   int
	defaultMonthly int
}

// NewLedger creates a quota ledger backed by the given Postgres pool.
// Accounts sending for the first time are seeded with the default
// limits. It ensures the quota_state table exists on creation.
func NewLedger(ctx context.Context, pool *pgxpool.Pool, defaultDaily, defaultMonthly int) (*Ledger, error) {
	l := &Ledger{pool: pool, defaultDaily: defaultDaily, defaultMonthly: defaultMonthly}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure quota schema: %w", err)
	}
	slog.Info("quota ledger initialised",
		"default_daily", defaultDaily,
		"default_monthly", defaultMonthly,
	)
	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS quota_state (
			account_id       BIGINT PRIMARY KEY,
			daily_limit      INT NOT NULL,
			monthly_limit    INT NOT NULL,
			sent_today       INT NOT NULL DEFAULT 0,
			sent_this_month  INT NOT NULL DEFAULT 0,
			day_started_on   DATE NOT NULL DEFAULT CURRENT_DATE,
			month_started_on DATE NOT NULL DEFAULT date_trunc('month', CURRENT_DATE)::date,
			last_send_at     TIMESTAMPTZ,
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// TryReserve attempts to consume one unit of the account's daily and
// monthly quota. Check and increment are one statement: the row only
// changes when both counters are below their limits, and on success the
// counters and last_send_at move together.
func (l *Ledger) TryReserve(ctx context.Context, accountID int64) (Reservation, error) {
	// Seed state for first-time senders. DO NOTHING keeps existing
	// limits untouched.
	_, err := l.pool.Exec(ctx, `
		INSERT INTO quota_state (account_id, daily_limit, monthly_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, l.defaultDaily, l.defaultMonthly)
	if err != nil {
		return Reservation{}, fmt.Errorf("seed quota state: %w", err)
	}

	tag, err := l.pool.Exec(ctx, `
		UPDATE quota_state
		SET sent_today      = sent_today + 1,
		    sent_this_month = sent_this_month + 1,
		    last_send_at    = NOW(),
		    updated_at      = NOW()
		WHERE account_id = $1
		  AND sent_today < daily_limit
		  AND sent_this_month < monthly_limit
	`, accountID)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return Reservation{Granted: true}, nil
	}

	// Denied: read the state only to name the exhausted limit.
	state, err := l.GetState(ctx, accountID)
	if err != nil {
		return Reservation{Reason: "quota exceeded"}, nil
	}
	reason := "daily quota exceeded"
	if state.SentThisMonth >= state.MonthlyLimit {
		reason = "monthly quota exceeded"
	}
	return Reservation{Reason: reason}, nil
}

// GetState returns the quota state for an account, or (nil, nil) when
// the account has never reserved.
func (l *Ledger) GetState(ctx context.Context, accountID int64) (*models.QuotaState, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT account_id, daily_limit, monthly_limit, sent_today, sent_this_month,
		       day_started_on, month_started_on, last_send_at, updated_at
		FROM quota_state
		WHERE account_id = $1
	`, accountID)

	var q models.QuotaState
	err := row.Scan(&q.AccountID, &q.DailyLimit, &q.MonthlyLimit, &q.SentToday,
		&q.SentThisMonth, &q.DayStartedOn, &q.MonthStartedOn, &q.LastSendAt, &q.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// SweepDaily zeroes daily counters whose calendar day has passed.
// Idempotent: rows already reset today do not match. Returns the number
// of accounts reset.
func (l *Ledger) SweepDaily(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE quota_state
		SET sent_today = 0, day_started_on = CURRENT_DATE, updated_at = NOW()
		WHERE day_started_on < CURRENT_DATE
	`)
	if err != nil {
		return 0, fmt.Errorf("daily quota sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepMonthly zeroes monthly counters whose calendar month has passed.
func (l *Ledger) SweepMonthly(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE quota_state
		SET sent_this_month = 0,
		    month_started_on = date_trunc('month', CURRENT_DATE)::date,
		    updated_at = NOW()
		WHERE month_started_on < date_trunc('month', CURRENT_DATE)::date
	`)
	if err != nil {
		return 0, fmt.Errorf("monthly quota sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}
