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

// Package engine implements the decision pipeline: fixed-order gates
// that turn one policy request into allow, reject, or defer.
//
// Gate order: identity, abuse, quota, rate, egress IP. A failing gate
// short-circuits to the final decision; skipped gates have no side
// effects (a blacklisted sender never consumes quota). Any collaborator
// error becomes a defer, never an allow — the engine fails closed.
//
// Quota is reserved before the rate check, so a transaction deferred for
// pacing has already consumed one quota unit. This mirrors the
// platform's established accounting and discourages retry storms; see
// DESIGN.md before reordering.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mailcannon/policyd/internal/metrics"
	"github.com/mailcannon/policyd/internal/models"
	"github.com/mailcannon/policyd/internal/policy"
	"github.com/mailcannon/policyd/internal/quota"
)

// Gate labels used in audit records and metrics.
const (
	GateIdentity = "identity"
	GateAbuse    = "abuse"
	GateQuota    = "quota"
	GateRate     = "rate"
	GateEgress   = "egress"
)

// AccountStore resolves sending identities.
type AccountStore interface {
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
}

// AbuseFilter checks a transaction against the blacklist.
type AbuseFilter interface {
	Check(ctx context.Context, sender, recipient, clientAddr string) (*models.BlacklistMatch, error)
}

// QuotaLedger reserves send quota atomically.
type QuotaLedger interface {
	TryReserve(ctx context.Context, accountID int64) (quota.Reservation, error)
}

// RateLimiter paces sends per account.
type RateLimiter interface {
	Allow(ctx context.Context, account *models.Account) (bool, error)
}

// IPAllocator hands out egress IPs.
type IPAllocator interface {
	Assign(ctx context.Context, account *models.Account) (*models.EgressIP, error)
}

// AuditSink records decisions, fire-and-forget.
type AuditSink interface {
	Record(rec models.AuditRecord)
}

// Engine orchestrates the gates.
type Engine struct {
	accounts AccountStore
	abuse    AbuseFilter
	quota    QuotaLedger
	rate     RateLimiter
	ips      IPAllocator
	audit    AuditSink
}

// Config holds the engine's collaborators.
type Config struct {
	Accounts AccountStore
	Abuse    AbuseFilter
	Quota    QuotaLedger
	Rate     RateLimiter
	IPs      IPAllocator
	Audit    AuditSink
}

// New creates a decision engine.
func New(cfg Config) *Engine {
	return &Engine{
		accounts: cfg.Accounts,
		abuse:    cfg.Abuse,
		quota:    cfg.Quota,
		rate:     cfg.Rate,
		ips:      cfg.IPs,
		audit:    cfg.Audit,
	}
}

// Decide runs the pipeline for one request. It never returns an error:
// internal failures surface as defer decisions. Exactly one audit
// record is enqueued, before the caller can write the reply.
func (e *Engine) Decide(ctx context.Context, req *policy.Request) policy.Decision {
	start := time.Now()

	decision, account := e.pipeline(ctx, req)

	var accountID *int64
	if account != nil {
		accountID = &account.ID
	}
	e.audit.Record(models.AuditRecord{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		Sender:     req.Sender,
		Recipient:  req.Recipient,
		ClientAddr: req.ClientAddress,
		Outcome:    decision.Outcome(),
		Gate:       decision.Gate,
		Reason:     decision.Text,
		EgressIP:   decision.IPAddr,
		CreatedAt:  time.Now().UTC(),
	})

	metrics.DecisionsTotal.WithLabelValues(string(decision.Action), decision.Gate).Inc()
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())

	slog.Info("policy decision",
		"sender", req.Sender,
		"recipient", req.Recipient,
		"client", req.ClientAddress,
		"action", decision.Action,
		"gate", decision.Gate,
		"reason", decision.Text,
		"egress_ip", decision.IPAddr,
		"elapsed", time.Since(start),
	)

	return decision
}

// pipeline runs the gates in order and returns the decision plus the
// resolved account (nil when identity failed).
func (e *Engine) pipeline(ctx context.Context, req *policy.Request) (policy.Decision, *models.Account) {
	// Gate 1: identity. Unknown or inactive senders are rejected, not
	// deferred — retrying will not make the account exist.
	account, err := e.accounts.GetByUsername(ctx, req.Identity())
	if err != nil {
		return e.failClosed(GateIdentity, "account lookup", err), nil
	}
	if account == nil || !account.Active {
		return decided(policy.Reject("unknown or inactive account"), GateIdentity), nil
	}

	// Gate 2: abuse filter.
	match, err := e.abuse.Check(ctx, req.Sender, req.Recipient, req.ClientAddress)
	if err != nil {
		return e.failClosed(GateAbuse, "blacklist check", err), account
	}
	if match != nil {
		slog.Warn("blacklisted transaction",
			"sender", req.Sender,
			"recipient", req.Recipient,
			"client", req.ClientAddress,
			"dimension", match.Dimension,
			"value", match.Value,
		)
		return decided(policy.Reject("blacklisted: "+match.Dimension), GateAbuse), account
	}

	// Gate 3: quota. Check and increment are one atomic operation in
	// the ledger.
	res, err := e.quota.TryReserve(ctx, account.ID)
	if err != nil {
		return e.failClosed(GateQuota, "quota reserve", err), account
	}
	if !res.Granted {
		reason := res.Reason
		if reason == "" {
			reason = "quota exceeded"
		}
		return decided(policy.Reject(reason), GateQuota), account
	}

	// Gate 4: rate. Advisory — too fast is a temporary condition, so
	// defer and let the MTA retry. The quota unit reserved above stays
	// consumed.
	ok, err := e.rate.Allow(ctx, account)
	if err != nil {
		return e.failClosed(GateRate, "rate check", err), account
	}
	if !ok {
		return decided(policy.Defer("rate limit exceeded"), GateRate), account
	}

	// Gate 5: egress IP. An empty pool is not a failure; the message
	// still goes out, just without a forced source address.
	ip, err := e.ips.Assign(ctx, account)
	if err != nil {
		return e.failClosed(GateEgress, "egress IP assign", err), account
	}

	d := decided(policy.Allow(), GateEgress)
	if ip != nil {
		d.IPAddr = ip.Address
	} else {
		slog.Debug("no egress IP available", "account_id", account.ID)
	}
	return d, account
}

// failClosed converts a collaborator error to a defer decision. Never
// an allow: when the engine cannot verify, it does not admit.
func (e *Engine) failClosed(gate, op string, err error) policy.Decision {
	slog.Error("gate failure, deferring",
		"gate", gate,
		"op", op,
		"error", err,
	)
	return decided(policy.Defer("internal error"), gate)
}

func decided(d policy.Decision, gate string) policy.Decision {
	d.Gate = gate
	return d
}
