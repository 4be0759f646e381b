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

// Package ratelimit enforces a minimum inter-send interval per account
// using a Redis key with TTL. A send sets the key for the interval via
// SETNX; while the key lives, further sends are too soon. Check and mark
// are one Redis operation, so concurrent transactions for the same
// account cannot both pass inside one interval.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailcannon/policyd/internal/models"
)

// keyPrefix namespaces rate-limit keys in Redis.
const keyPrefix = "policyd:rate:"

// Limiter paces sends per account.
type Limiter struct {
	rdb           *redis.Client
	defaultPerMin int
}

// NewLimiter creates a rate limiter backed by Redis. Accounts without a
// per-account cap use the configured default.
func NewLimiter(rdb *redis.Client, defaultPerMin int) *Limiter {
	return &Limiter{rdb: rdb, defaultPerMin: defaultPerMin}
}

// Interval returns the minimum gap between two sends for the account:
// 60s divided by its per-minute cap.
func (l *Limiter) Interval(account *models.Account) time.Duration {
	perMin := account.RatePerMinute
	if perMin <= 0 {
		perMin = l.defaultPerMin
	}
	return time.Minute / time.Duration(perMin)
}

// Allow reports whether the account may send now. If true, the interval
// window is opened atomically (SETNX with TTL); if false, the previous
// window is still live and the caller should defer, not reject — pacing
// is a transient condition the MTA retries through.
func (l *Limiter) Allow(ctx context.Context, account *models.Account) (bool, error) {
	key := fmt.Sprintf("%s%d", keyPrefix, account.ID)

	set, err := l.rdb.SetNX(ctx, key, 1, l.Interval(account)).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit SETNX: %w", err)
	}
	return set, nil
}

// Ping checks the Redis connection.
func (l *Limiter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.rdb.Ping(ctx).Err()
}
