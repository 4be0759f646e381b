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

package blacklist

import "testing"

// TestDomain verifies domain extraction from envelope addresses.
func TestDomain(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"alice@example.com", "example.com"},
		{"Alice@Example.COM", "example.com"},
		{"weird@", ""},
		{"no-at-sign", ""},
		{"", ""},
		{"a@b@c.org", "b@c.org"}, // split on the first '@', as received
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := Domain(tt.address); got != tt.want {
				t.Errorf("Domain(%q) = %q, want %q", tt.address, got, tt.want)
			}
		})
	}
}
