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

// Package feed publishes policy decisions to Redis as JSON events.
// The dashboard's reporting workers consume the list to drive the live
// sending feed; losing an event costs a dashboard entry, never a
// decision, so publishing is best-effort.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailcannon/policyd/internal/models"
)

// Publisher sends decision events to a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{rdb: rdb, queueName: queueName}
}

// decisionEvent is the JSON contract consumed by the reporting workers.
type decisionEvent struct {
	ID            string `json:"id"`
	AccountID     *int64 `json:"account_id"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	ClientAddress string `json:"client_address"`
	Outcome       string `json:"outcome"`
	Gate          string `json:"gate"`
	Reason        string `json:"reason,omitempty"`
	EgressIP      string `json:"egress_ip,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// PublishDecision serialises an audit record and pushes it onto the
// decisions queue.
func (p *Publisher) PublishDecision(ctx context.Context, rec models.AuditRecord) error {
	event := decisionEvent{
		ID:            rec.ID,
		AccountID:     rec.AccountID,
		Sender:        rec.Sender,
		Recipient:     rec.Recipient,
		ClientAddress: rec.ClientAddr,
		Outcome:       rec.Outcome,
		Gate:          rec.Gate,
		Reason:        rec.Reason,
		EgressIP:      rec.EgressIP,
		Timestamp:     rec.CreatedAt.UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal decision event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(data)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
