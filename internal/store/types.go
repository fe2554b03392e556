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

// Package store implements the typed entity store: registry-driven upsert,
// find, get and soft-delete over the shared entity envelope, with field
// encryption applied per tenant mode at write time.
package store

import (
	"errors"
	"sort"
	"time"

	"github.com/percolationlabs/percolate/internal/crypto"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no row matched the requested id.
	ErrNotFound = errors.New("entity not found")
	// ErrUnknownTable indicates the table has no registry row.
	ErrUnknownTable = errors.New("unknown entity table")
	// ErrMissingName indicates an entity without the name field required
	// for deterministic identity or KV sync.
	ErrMissingName = errors.New("entity name is required")
)

// GraphEdge is one directed edge in an entity's graph_edges list. Target is
// a normalised entity key; Relation names the edge type.
type GraphEdge struct {
	Target   string         `json:"target"`
	Relation string         `json:"relation"`
	Weight   float64        `json:"weight,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Entity is the shared envelope plus table-specific fields. Fields carries
// the columns declared in the table's registry row; encrypted fields hold
// plaintext in memory and ciphertext at rest.
type Entity struct {
	ID              string
	Table           string
	Name            string
	TenantID        string
	UserID          string
	Tags            []string
	Metadata        map[string]any
	GraphEdges      []GraphEdge
	EncryptionLevel crypto.Level
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       time.Time
	Fields          map[string]any
}

// Field returns a table-specific field value, or nil when absent.
func (e *Entity) Field(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}

// StringField returns a table-specific field as a string, or "" when the
// field is absent or not a string.
func (e *Entity) StringField(name string) string {
	s, _ := e.Field(name).(string)
	return s
}

// SetField sets a table-specific field, allocating the map on first use.
func (e *Entity) SetField(name string, value any) {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[name] = value
}

// MergeEdges merges incoming edges into existing, deduplicating on
// (target, relation). Incoming edges win on conflict so weight and metadata
// updates take effect. Order: existing edges first in their original order,
// then new edges sorted by target for stable output.
func MergeEdges(existing, incoming []GraphEdge) []GraphEdge {
	type edgeKey struct{ target, relation string }

	index := make(map[edgeKey]int, len(existing))
	merged := make([]GraphEdge, len(existing))
	copy(merged, existing)
	for i, e := range merged {
		index[edgeKey{e.Target, e.Relation}] = i
	}

	var added []GraphEdge
	for _, e := range incoming {
		k := edgeKey{e.Target, e.Relation}
		if i, ok := index[k]; ok {
			// The hit may be an earlier incoming edge parked in added.
			if i < len(merged) {
				merged[i] = e
			} else {
				added[i-len(merged)] = e
			}
			continue
		}
		index[k] = len(merged) + len(added)
		added = append(added, e)
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Target < added[j].Target })
	return append(merged, added...)
}
