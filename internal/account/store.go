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

// Package account provides a Postgres-backed read-only view of sending
// accounts. Accounts are created and mutated by the dashboard; the
// policy engine only resolves them by username.
package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailcannon/policyd/internal/models"
)

// Store resolves sending identities to account records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an account store backed by the given Postgres pool.
// It ensures the accounts table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure account schema: %w", err)
	}
	slog.Info("account store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id              BIGSERIAL PRIMARY KEY,
			username        TEXT NOT NULL UNIQUE,
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			dedicated_ip_id BIGINT,
			rate_per_minute INT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_username ON accounts(username);
	`)
	return err
}

// GetByUsername resolves a SASL username or envelope sender to an
// account. Returns (nil, nil) when no account matches; the pipeline
// treats that as an immediate reject.
func (s *Store) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, active, dedicated_ip_id, rate_per_minute, created_at, updated_at
		FROM accounts
		WHERE username = $1
	`, username)

	var a models.Account
	err := row.Scan(&a.ID, &a.Username, &a.Active, &a.DedicatedIPID,
		&a.RatePerMinute, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
