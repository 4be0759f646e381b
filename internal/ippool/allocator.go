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

// Package ippool manages the egress IP pool: dedicated assignments,
// sticky pool assignments, and atomic pick-and-assign for accounts
// sending for the first time.
//
// Selection and assignment are a single conditional UPDATE over one
// randomly chosen unassigned active row (FOR UPDATE SKIP LOCKED), so two
// concurrent allocations can never be handed the same IP. Warming and
// blocked IPs are never picked.
package ippool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailcannon/policyd/internal/models"
)

// Allocator assigns egress IPs to accounts.
type Allocator struct {
	pool *pgxpool.Pool
}

// NewAllocator creates an egress IP allocator backed by the given
// Postgres pool. It ensures the egress_ips table exists on creation.
func NewAllocator(ctx context.Context, pool *pgxpool.Pool) (*Allocator, error) {
	a := &Allocator{pool: pool}
	if err := a.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure egress IP schema: %w", err)
	}
	slog.Info("egress IP allocator initialised")
	return a, nil
}

func (a *Allocator) ensureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS egress_ips (
			id                  BIGSERIAL PRIMARY KEY,
			address             TEXT NOT NULL UNIQUE,
			status              TEXT NOT NULL DEFAULT 'warming',
			warmup_stage        INT NOT NULL DEFAULT 0,
			max_daily_sends     INT NOT NULL DEFAULT 0,
			assigned_account_id BIGINT,
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_egress_ips_unassigned
			ON egress_ips(status) WHERE assigned_account_id IS NULL;
	`)
	return err
}

const ipColumns = `id, address, status, warmup_stage, max_daily_sends, assigned_account_id, created_at, updated_at`

// Assign returns the egress IP the account should send from:
// its dedicated IP if the operator pinned one, else the pool IP it
// already holds, else a freshly assigned one. Returns (nil, nil) when
// the pool has no active unassigned IP left — the pipeline treats that
// as "send without a forced IP", not as a failure.
func (a *Allocator) Assign(ctx context.Context, account *models.Account) (*models.EgressIP, error) {
	if account.DedicatedIPID != nil {
		ip, err := a.GetByID(ctx, *account.DedicatedIPID)
		if err != nil {
			return nil, fmt.Errorf("dedicated IP lookup: %w", err)
		}
		if ip == nil {
			// Dangling reference; fall through to the pool.
			slog.Warn("account references missing dedicated IP",
				"account_id", account.ID,
				"ip_id", *account.DedicatedIPID,
			)
		} else {
			return ip, nil
		}
	}

	// Assignment is sticky across transactions.
	ip, err := a.GetAssigned(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("assigned IP lookup: %w", err)
	}
	if ip != nil {
		return ip, nil
	}

	return a.PickAndAssign(ctx, account.ID)
}

// PickAndAssign atomically claims one random unassigned active IP for
// the account. Returns (nil, nil) when none is available.
func (a *Allocator) PickAndAssign(ctx context.Context, accountID int64) (*models.EgressIP, error) {
	row := a.pool.QueryRow(ctx, `
		UPDATE egress_ips
		SET assigned_account_id = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM egress_ips
			WHERE status = 'active' AND assigned_account_id IS NULL
			ORDER BY random()
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+ipColumns,
		accountID)

	ip, err := scanIP(row)
	if err != nil {
		return nil, fmt.Errorf("pick and assign egress IP: %w", err)
	}
	if ip != nil {
		slog.Info("egress IP assigned",
			"account_id", accountID,
			"address", ip.Address,
		)
	}
	return ip, nil
}

// GetAssigned returns the pool IP already assigned to the account, or
// (nil, nil).
func (a *Allocator) GetAssigned(ctx context.Context, accountID int64) (*models.EgressIP, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT `+ipColumns+` FROM egress_ips WHERE assigned_account_id = $1
	`, accountID)
	return scanIP(row)
}

// GetByID returns one egress IP by primary key, or (nil, nil).
func (a *Allocator) GetByID(ctx context.Context, id int64) (*models.EgressIP, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT `+ipColumns+` FROM egress_ips WHERE id = $1
	`, id)
	return scanIP(row)
}

func scanIP(row pgx.Row) (*models.EgressIP, error) {
	var ip models.EgressIP
	err := row.Scan(&ip.ID, &ip.Address, &ip.Status, &ip.WarmupStage,
		&ip.MaxDailySends, &ip.AssignedAccountID, &ip.CreatedAt, &ip.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ip, nil
}
