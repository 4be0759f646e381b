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

package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mailcannon/policyd/internal/policy"
)

// stubDecider allows everything and records what it saw.
type stubDecider struct {
	mu       sync.Mutex
	requests []policy.Request
	decision policy.Decision
}

func (d *stubDecider) Decide(_ context.Context, req *policy.Request) policy.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, *req)
	return d.decision
}

func (d *stubDecider) seen() []policy.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]policy.Request, len(d.requests))
	copy(out, d.requests)
	return out
}

func startServer(t *testing.T, decider Decider) (addr string, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := New(decider, 2*time.Second)
	if err := srv.Start(ctx, "127.0.0.1:0"); err != nil {
		cancel()
		t.Fatalf("start server: %v", err)
	}
	return srv.Addr().String(), func() {
		cancel()
		srv.Wait()
	}
}

func roundTrip(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write: %v", err)
	}

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	blank, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read blank line: %v", err)
	}
	if blank != "\n" {
		t.Errorf("reply not terminated by blank line, got %q", blank)
	}
	return line
}

// TestServer_AllowRoundTrip verifies a well-formed request gets the
// decider's reply in the documented grammar.
func TestServer_AllowRoundTrip(t *testing.T) {
	decider := &stubDecider{decision: policy.Allow()}
	addr, stop := startServer(t, decider)
	defer stop()

	reply := roundTrip(t, addr,
		"sender=alice@example.com\nrecipient=bob@dest.org\nclient_address=203.0.113.9\n\n")

	if reply != "action=OK\n" {
		t.Errorf("reply = %q, want action=OK", reply)
	}

	seen := decider.seen()
	if len(seen) != 1 {
		t.Fatalf("decider saw %d requests, want 1", len(seen))
	}
	if seen[0].Sender != "alice@example.com" || seen[0].ClientAddress != "203.0.113.9" {
		t.Errorf("decider saw %+v", seen[0])
	}
}

// TestServer_MalformedRequest verifies a request missing its recipient
// defers without reaching the pipeline.
func TestServer_MalformedRequest(t *testing.T) {
	decider := &stubDecider{decision: policy.Allow()}
	addr, stop := startServer(t, decider)
	defer stop()

	reply := roundTrip(t, addr, "sender=alice@example.com\n\n")

	if reply != "action=DEFER_IF_PERMIT malformed request\n" {
		t.Errorf("reply = %q", reply)
	}
	if got := len(decider.seen()); got != 0 {
		t.Errorf("decider ran %d times for malformed input, want 0", got)
	}
}

// TestServer_ReusedConnection verifies two requests on one connection
// both get replies, as Postfix reuses policy connections.
func TestServer_ReusedConnection(t *testing.T) {
	decider := &stubDecider{decision: policy.Reject("quota exceeded")}
	addr, stop := startServer(t, decider)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		if _, err := conn.Write([]byte("sender=a@b.c\nrecipient=d@e.f\n\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if line != "action=REJECT quota exceeded\n" {
			t.Errorf("reply %d = %q", i, line)
		}
		if _, err := br.ReadString('\n'); err != nil {
			t.Fatalf("read blank %d: %v", i, err)
		}
	}

	if got := len(decider.seen()); got != 2 {
		t.Errorf("decider saw %d requests, want 2", got)
	}
}

// TestServer_ConnectionIsolation verifies one client's garbage does not
// disturb a concurrent well-formed transaction.
func TestServer_ConnectionIsolation(t *testing.T) {
	decider := &stubDecider{decision: policy.Allow()}
	addr, stop := startServer(t, decider)
	defer stop()

	// A client that sends garbage and hangs.
	bad, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial bad client: %v", err)
	}
	defer bad.Close()
	if _, err := bad.Write([]byte("complete nonsense\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// A concurrent well-formed transaction still succeeds.
	reply := roundTrip(t, addr, "sender=a@b.c\nrecipient=d@e.f\n\n")
	if reply != "action=OK\n" {
		t.Errorf("reply = %q, want action=OK", reply)
	}
}

// TestServer_ShutdownStopsAccepting verifies cancellation closes the
// listener.
func TestServer_ShutdownStopsAccepting(t *testing.T) {
	decider := &stubDecider{decision: policy.Allow()}
	addr, stop := startServer(t, decider)
	stop()

	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Error("expected dial to fail after shutdown")
	}
}
