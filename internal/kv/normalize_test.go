/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"  Quarterly Report  ":   "quarterly-report",
		"KV_Store design":        "kv-store-design",
		"a   b":                  "a-b",
		"Ops & Revenue (2026)":   "ops-revenue-2026",
		"already-normalized":     "already-normalized",
		"double--dash":           "double-dash",
		"Ünïcode stripped":       "ncode-stripped",
		"___":                    "-",
		"":                       "",
		"session-a1b2c3-chunk-4": "session-a1b2c3-chunk-4",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeKey(input), "input %q", input)
	}
}

func TestNormalizeKey_Idempotent(t *testing.T) {
	inputs := []string{
		"  Quarterly Report  ", "KV_Store design", "a   b", "x--y__z", "Plain",
	}
	for _, s := range inputs {
		once := NormalizeKey(s)
		assert.Equal(t, once, NormalizeKey(once), "input %q", s)
	}
}
