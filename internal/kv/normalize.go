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

// Package kv maintains the ephemeral key-value index over the entity
// tables: key normalisation, full and incremental rebuilds, and drift
// verification. Steady-state sync is done by database triggers; this
// package is the recovery and self-healing path.
package kv

import (
	"regexp"
	"strings"
)

// The three passes must match the SQL normalize_key function exactly.
var (
	stripPattern    = regexp.MustCompile(`[^a-zA-Z0-9 _-]`)
	spacePattern    = regexp.MustCompile(`[ _]+`)
	collapsePattern = regexp.MustCompile(`-{2,}`)
)

// NormalizeKey maps an entity name to its index key: trim, strip characters
// outside [a-zA-Z0-9 _-], lowercase, collapse spaces and underscores to a
// single '-', collapse runs of '-'. Deterministic and idempotent.
func NormalizeKey(name string) string {
	s := strings.TrimSpace(name)
	s = stripPattern.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	s = spacePattern.ReplaceAllString(s, "-")
	s = collapsePattern.ReplaceAllString(s, "-")
	return s
}
