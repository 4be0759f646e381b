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

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mailcannon/policyd/internal/models"
)

// --- Mock appender ---

type mockAppender struct {
	mu      sync.Mutex
	records []models.AuditRecord
	fail    bool
	block   chan struct{} // when set, Append waits until closed
}

func (m *mockAppender) Append(_ context.Context, rec models.AuditRecord) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("storage down")
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockAppender) appended() []models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditRecord, len(m.records))
	copy(out, m.records)
	return out
}

// --- Mock mirror ---

type mockMirror struct {
	mu    sync.Mutex
	count int
}

func (m *mockMirror) PublishDecision(_ context.Context, _ models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	return nil
}

func (m *mockMirror) published() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// TestSink_RecordsAndMirrors verifies records flow to the appender and
// the mirror.
func TestSink_RecordsAndMirrors(t *testing.T) {
	app := &mockAppender{}
	mir := &mockMirror{}
	sink := NewSink(app, mir, 16)

	for i := 0; i < 5; i++ {
		sink.Record(models.AuditRecord{
			ID:      "rec",
			Sender:  "a@b.c",
			Outcome: "allow",
		})
	}
	sink.Close()

	if got := len(app.appended()); got != 5 {
		t.Errorf("appended %d records, want 5", got)
	}
	if got := mir.published(); got != 5 {
		t.Errorf("mirrored %d records, want 5", got)
	}
}

// TestSink_RecordNeverBlocks verifies enqueue returns immediately even
// when the writer is wedged and the buffer is full.
func TestSink_RecordNeverBlocks(t *testing.T) {
	app := &mockAppender{block: make(chan struct{})}
	sink := NewSink(app, nil, 1)

	done := make(chan struct{})
	go func() {
		// Far more records than the buffer holds.
		for i := 0; i < 100; i++ {
			sink.Record(models.AuditRecord{Sender: "a@b.c"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(app.block)
	sink.Close()
}

// TestSink_AppendFailureIsSwallowed verifies a failing store does not
// panic or stall the sink.
func TestSink_AppendFailureIsSwallowed(t *testing.T) {
	app := &mockAppender{fail: true}
	sink := NewSink(app, nil, 4)

	sink.Record(models.AuditRecord{Sender: "a@b.c", Outcome: "reject"})

	closed := make(chan struct{})
	go func() {
		sink.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return with a failing appender")
	}
}
