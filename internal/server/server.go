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

// Package server runs the TCP listener the MTA's policy delegation
// connects to. Each connection gets its own goroutine and its own
// buffers; nothing is shared between connections, so one client's
// malformed input or stalled read cannot touch another's transaction.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mailcannon/policyd/internal/metrics"
	"github.com/mailcannon/policyd/internal/policy"
)

// Decider turns one request into a decision. Implemented by the engine.
type Decider interface {
	Decide(ctx context.Context, req *policy.Request) policy.Decision
}

// Server accepts policy connections and frames requests.
type Server struct {
	decider        Decider
	requestTimeout time.Duration

	ln net.Listener
	wg sync.WaitGroup
}

// New creates a policy server. requestTimeout bounds one request's
// handling, read to reply; the MTA's own wait is on the same order.
func New(decider Decider, requestTimeout time.Duration) *Server {
	return &Server{decider: decider, requestTimeout: requestTimeout}
}

// Start binds the listener and begins accepting in the background.
// Cancelling ctx closes the listener; Wait blocks until in-flight
// connections finish.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind policy listener %s: %w", addr, err)
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		slog.Info("policy listener shutting down")
		ln.Close()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	slog.Info("policy listener ready", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Wait blocks until the accept loop and all connections have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	backoff := time.Duration(0)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failure (fd exhaustion and the like):
			// back off and keep serving.
			if backoff < 2*time.Second {
				backoff += 250 * time.Millisecond
			}
			slog.Error("accept failed, backing off",
				"error", err,
				"backoff", backoff,
			)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			metrics.OpenConnections.Inc()
			defer metrics.OpenConnections.Dec()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn serves policy requests from one connection until the MTA
// closes it or the deadline trips. Postfix reuses connections, so
// requests are read in a loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	br := bufio.NewReader(conn)

	for {
		if err := conn.SetDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}

		req, err := policy.ReadRequest(br)
		if err != nil {
			switch {
			case err == io.EOF:
				// Clean close between requests.
			case errors.Is(err, policy.ErrMalformed):
				// Fail closed: defer, and drop the connection since the
				// framing is lost.
				metrics.MalformedRequests.Inc()
				slog.Warn("malformed policy request",
					"remote", remote,
					"error", err,
				)
				conn.Write(policy.Defer("malformed request").Encode())
			default:
				slog.Debug("policy read aborted", "remote", remote, "error", err)
			}
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		decision := s.decider.Decide(reqCtx, req)
		cancel()

		if _, err := conn.Write(decision.Encode()); err != nil {
			// The client gave up; the decision's committed side effects
			// (a granted quota unit, an assigned IP) stand.
			slog.Debug("policy reply write failed", "remote", remote, "error", err)
			return
		}
	}
}
