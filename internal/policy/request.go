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

// Package policy implements the wire codec for the Postfix policy
// delegation protocol (SMTPD_POLICY_README): a request is a sequence of
// ASCII key=value lines terminated by a blank line, and a reply is a
// single action= line followed by a blank line.
package policy

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed indicates the request could not be framed or is missing a
// mandatory key. The server answers such requests with DEFER_IF_PERMIT
// without running the pipeline.
var ErrMalformed = errors.New("malformed policy request")

// maxRequestLines bounds a single request so a misbehaving client cannot
// grow memory without ever sending the terminating blank line.
const maxRequestLines = 256

// Request is one policy transaction as sent by the MTA.
type Request struct {
	Sender        string
	Recipient     string
	ClientAddress string
	SASLUsername  string
}

// Identity returns the key used to resolve the sending account: the SASL
// username when the client authenticated, else the envelope sender.
func (r *Request) Identity() string {
	if r.SASLUsername != "" {
		return r.SASLUsername
	}
	return r.Sender
}

// ReadRequest reads one request from the stream, consuming lines up to
// and including the terminating blank line.
//
// Unknown keys are ignored. A line without '=' is malformed. If the
// stream ends before any line was read, io.EOF is returned so callers
// can distinguish a closed connection from a truncated request; a stream
// ending mid-request is malformed. Missing sender or recipient is
// malformed as well — the codec fails closed rather than guessing.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	req := &Request{}
	sawLine := false

	for lines := 0; ; lines++ {
		if lines >= maxRequestLines {
			return nil, fmt.Errorf("%w: more than %d lines without terminator", ErrMalformed, maxRequestLines)
		}

		line, err := r.ReadString('\n')
		if err != nil {
			if !sawLine && line == "" {
				// Closed or timed out before the request began; not a
				// framing error. io.EOF passes through untouched.
				return nil, err
			}
			return nil, fmt.Errorf("%w: stream ended mid-request: %v", ErrMalformed, err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		sawLine = true

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %q has no '='", ErrMalformed, line)
		}

		switch key {
		case "sender":
			req.Sender = strings.ToLower(value)
		case "recipient":
			req.Recipient = strings.ToLower(value)
		case "client_address":
			req.ClientAddress = value
		case "sasl_username":
			req.SASLUsername = value
		default:
			// Postfix sends many attributes we don't consume.
		}
	}

	if req.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	if req.Recipient == "" {
		return nil, fmt.Errorf("%w: missing recipient", ErrMalformed)
	}

	return req, nil
}
