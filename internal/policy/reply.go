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

package policy

// Action is the verb the MTA acts on.
type Action string

// Verbs understood by Postfix. REJECT bounces permanently;
// DEFER_IF_PERMIT is a temporary failure the sending client retries.
const (
	ActionAllow  Action = "OK"
	ActionReject Action = "REJECT"
	ActionDefer  Action = "DEFER_IF_PERMIT"
)

// Decision is the outcome of one policy transaction.
type Decision struct {
	Action Action
	Text   string // human-readable reason, included in the reply for REJECT/DEFER
	Gate   string // pipeline gate that decided, for the audit trail
	IPAddr string // assigned egress address, if any
}

// Allow builds an allow decision.
func Allow() Decision {
	return Decision{Action: ActionAllow}
}

// Reject builds a permanent rejection with the given reason.
func Reject(text string) Decision {
	return Decision{Action: ActionReject, Text: text}
}

// Defer builds a retry-later decision with the given reason.
func Defer(text string) Decision {
	return Decision{Action: ActionDefer, Text: text}
}

// Outcome maps the verb to the audit outcome label.
func (d Decision) Outcome() string {
	switch d.Action {
	case ActionAllow:
		return "allow"
	case ActionReject:
		return "reject"
	default:
		return "defer"
	}
}

// Encode serialises the decision as the MTA expects: exactly one
// "action=<verb>[ <text>]" line followed by a blank line.
func (d Decision) Encode() []byte {
	line := "action=" + string(d.Action)
	if d.Text != "" {
		line += " " + d.Text
	}
	return []byte(line + "\n\n")
}
