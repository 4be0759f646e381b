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

// Package models defines the data structures shared across the policy engine.
package models

import "time"

// Account represents a sending identity (tenant user). The policy engine
// only reads accounts; they are created at signup and mutated by the
// dashboard, both outside this service.
type Account struct {
	ID            int64
	Username      string
	Active        bool
	DedicatedIPID *int64 // egress IP pinned to this account, if any
	RatePerMinute int    // sends per minute; 0 means "use configured default"
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QuotaState tracks an account's send counters against its limits.
// Counters are reset by the quotasweep tool when a calendar boundary
// passes; the reserve operation and the sweep are both single SQL
// statements so neither can observe the other half-applied.
type QuotaState struct {
	AccountID      int64
	DailyLimit     int
	MonthlyLimit   int
	SentToday      int
	SentThisMonth  int
	DayStartedOn   time.Time // date the daily counter was last reset
	MonthStartedOn time.Time // first day of the month the monthly counter covers
	LastSendAt     *time.Time
	UpdatedAt      time.Time
}

// Egress IP lifecycle states. Warming and blocked IPs are never handed
// out by the pool; a dedicated assignment bypasses the status check at
// the allocator level (the operator pinned it deliberately).
const (
	IPStatusActive  = "active"
	IPStatusWarming = "warming"
	IPStatusBlocked = "blocked"
)

// EgressIP represents one outbound sending address in the pool.
type EgressIP struct {
	ID                int64
	Address           string
	Status            string // active, warming, blocked
	WarmupStage       int
	MaxDailySends     int
	AssignedAccountID *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Blacklist entry types.
const (
	BlacklistTypeDomain  = "domain"
	BlacklistTypeIP      = "ip"
	BlacklistTypeKeyword = "keyword"
)

// BlacklistEntry is one row of the abuse list. Read-only for the engine.
type BlacklistEntry struct {
	ID        int64
	Type      string // domain, ip, keyword
	Value     string
	Reason    string
	CreatedAt time.Time
}

// BlacklistMatch reports which dimension of a transaction hit the
// blacklist, for the audit trail.
type BlacklistMatch struct {
	Dimension string // "sender-domain", "recipient-domain", "client-ip", "keyword"
	Value     string
	Reason    string
}

// AuditRecord is one append-only row per policy decision. Never mutated
// or deleted by this service; retention is handled elsewhere.
type AuditRecord struct {
	ID         string // UUID
	AccountID  *int64
	Sender     string
	Recipient  string
	ClientAddr string
	Outcome    string // "allow", "reject", "defer"
	Gate       string // pipeline gate that produced the outcome
	Reason     string
	EgressIP   string // assigned egress address, empty if none
	CreatedAt  time.Time
}
