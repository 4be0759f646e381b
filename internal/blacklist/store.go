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

// Package blacklist provides the abuse filter: a Postgres-backed lookup
// of blocked domains, client IPs, and address keywords. Entries are
// administered by the dashboard; the engine only reads them.
package blacklist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailcannon/policyd/internal/models"
)

// Store checks transactions against the blacklist.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a blacklist store backed by the given Postgres pool.
// It ensures the blacklist table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure blacklist schema: %w", err)
	}
	slog.Info("blacklist store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS blacklist (
			id         BIGSERIAL PRIMARY KEY,
			type       TEXT NOT NULL,
			value      TEXT NOT NULL,
			reason     TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(type, value)
		);
		CREATE INDEX IF NOT EXISTS idx_blacklist_type_value ON blacklist(type, value);
	`)
	return err
}

// IsListed reports whether a single (type, value) pair is blacklisted.
func (s *Store) IsListed(ctx context.Context, entryType, value string) (bool, string, error) {
	var reason string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(reason, '') FROM blacklist WHERE type = $1 AND value = $2
	`, entryType, value).Scan(&reason)
	if err == pgx.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// Check tests the sender domain, recipient domain, and client IP of a
// transaction against the blacklist, in that order, plus keyword entries
// against both addresses. The first hit is returned with its dimension
// for the audit trail; a clean verdict means every dimension was
// consulted.
func (s *Store) Check(ctx context.Context, sender, recipient, clientAddr string) (*models.BlacklistMatch, error) {
	checks := []struct {
		dimension string
		entryType string
		value     string
	}{
		{"sender-domain", models.BlacklistTypeDomain, Domain(sender)},
		{"recipient-domain", models.BlacklistTypeDomain, Domain(recipient)},
		{"client-ip", models.BlacklistTypeIP, clientAddr},
	}

	for _, c := range checks {
		if c.value == "" {
			continue
		}
		listed, reason, err := s.IsListed(ctx, c.entryType, c.value)
		if err != nil {
			return nil, fmt.Errorf("blacklist %s lookup: %w", c.dimension, err)
		}
		if listed {
			return &models.BlacklistMatch{Dimension: c.dimension, Value: c.value, Reason: reason}, nil
		}
	}

	return s.checkKeywords(ctx, sender, recipient)
}

// checkKeywords matches keyword entries as substrings of either address.
func (s *Store) checkKeywords(ctx context.Context, sender, recipient string) (*models.BlacklistMatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT value, COALESCE(reason, '') FROM blacklist WHERE type = $1
	`, models.BlacklistTypeKeyword)
	if err != nil {
		return nil, fmt.Errorf("blacklist keyword lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var value, reason string
		if err := rows.Scan(&value, &reason); err != nil {
			return nil, err
		}
		if strings.Contains(sender, value) || strings.Contains(recipient, value) {
			return &models.BlacklistMatch{Dimension: "keyword", Value: value, Reason: reason}, nil
		}
	}
	return nil, rows.Err()
}

// Domain extracts the domain part of an address, lowercased. Returns ""
// for addresses without one.
func Domain(address string) string {
	_, domain, ok := strings.Cut(address, "@")
	if !ok || domain == "" {
		return ""
	}
	return strings.ToLower(domain)
}
