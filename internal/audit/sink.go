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

// Package audit records every policy decision to an append-only
// Postgres table and mirrors it to the dashboard feed.
//
// The MTA is blocked on the reply while a decision is audited, so the
// sink never writes inline: records go through a bounded channel to a
// background writer. A full channel drops the record with an error log —
// best-effort by contract, and a dropped audit row never changes a
// decision already made.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailcannon/policyd/internal/models"
)

// Appender persists one audit record.
type Appender interface {
	Append(ctx context.Context, rec models.AuditRecord) error
}

// Mirror publishes one audit record to a secondary consumer.
type Mirror interface {
	PublishDecision(ctx context.Context, rec models.AuditRecord) error
}

// writeTimeout bounds one background write so a stalled store cannot
// wedge the writer goroutine forever.
const writeTimeout = 5 * time.Second

// Sink queues audit records for background persistence.
type Sink struct {
	appender Appender
	mirror   Mirror // optional
	ch       chan models.AuditRecord
	wg       sync.WaitGroup
	stop     chan struct{}
}

// NewSink creates an audit sink and starts its background writer.
// mirror may be nil.
func NewSink(appender Appender, mirror Mirror, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &Sink{
		appender: appender,
		mirror:   mirror,
		ch:       make(chan models.AuditRecord, buffer),
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues an audit record without blocking. Overflow drops the
// record and logs at error severity.
func (s *Sink) Record(rec models.AuditRecord) {
	select {
	case s.ch <- rec:
	default:
		slog.Error("audit queue full, dropping record",
			"sender", rec.Sender,
			"recipient", rec.Recipient,
			"outcome", rec.Outcome,
		)
	}
}

// Close stops the writer after draining queued records.
func (s *Sink) Close() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.ch:
			s.write(rec)
		case <-s.stop:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case rec := <-s.ch:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec models.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.appender.Append(ctx, rec); err != nil {
		slog.Error("audit append failed",
			"sender", rec.Sender,
			"outcome", rec.Outcome,
			"error", err,
		)
	}

	if s.mirror != nil {
		if err := s.mirror.PublishDecision(ctx, rec); err != nil {
			slog.Warn("decision feed publish failed", "error", err)
		}
	}
}

// Store is the Postgres appender behind the sink.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the audit store backed by the given Postgres pool.
// It ensures the audit_log table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	slog.Info("audit store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id             UUID PRIMARY KEY,
			account_id     BIGINT,
			sender         TEXT NOT NULL,
			recipient      TEXT NOT NULL,
			client_address TEXT DEFAULT '',
			outcome        TEXT NOT NULL,
			gate           TEXT DEFAULT '',
			reason         TEXT DEFAULT '',
			egress_ip      TEXT DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_account ON audit_log(account_id);
		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	`)
	return err
}

// Append inserts one audit row. Rows are never updated or deleted here;
// retention is handled by the platform's cleanup jobs.
func (s *Store) Append(ctx context.Context, rec models.AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log
			(id, account_id, sender, recipient, client_address, outcome, gate, reason, egress_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.AccountID, rec.Sender, rec.Recipient, rec.ClientAddr,
		rec.Outcome, rec.Gate, rec.Reason, rec.EgressIP, rec.CreatedAt)
	return err
}
