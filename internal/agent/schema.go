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

// Package agent turns declarative agent schema rows into live agents:
// prompt assembly, structured output enforcement, delegation, and chained
// tool invocation.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/percolationlabs/percolate/internal/store"
)

// ErrAgentNotFound is returned when no schema row matches the agent name.
var ErrAgentNotFound = errors.New("agent: not found")

// Property is one entry in the agent's properties block: a thinking aide
// in conversational mode, an output field under structured output.
type Property struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToolRef names a tool the agent may call.
type ToolRef struct {
	Name        string `json:"name"`
	Server      string `json:"server,omitempty"`
	Description string `json:"description,omitempty"`
}

// Limits bound one agent run.
type Limits struct {
	MaxTokens     int `json:"max_tokens,omitempty"`
	MaxToolRounds int `json:"max_tool_rounds,omitempty"`
}

// Schema is the flat JSON Schema layout stored on an agent row.
// Description doubles as the system prompt.
type Schema struct {
	Name             string              `json:"-"`
	Description      string              `json:"description"`
	Properties       map[string]Property `json:"properties,omitempty"`
	Tools            []ToolRef           `json:"tools,omitempty"`
	Model            string              `json:"model,omitempty"`
	Temperature      float64             `json:"temperature,omitempty"`
	Limits           Limits              `json:"limits,omitempty"`
	StructuredOutput bool                `json:"structured_output,omitempty"`
	ChainedTool      string              `json:"chained_tool,omitempty"`
}

// OutputSchema builds the schema submitted to the model under structured
// output: the properties block with the top-level description stripped, so
// the system prompt is not duplicated into the response schema.
func (s *Schema) OutputSchema() map[string]any {
	props := map[string]any{}
	required := make([]string, 0, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{}
		if p.Type != "" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
		required = append(required, name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

const (
	cacheSize = 256
	cacheTTL  = 5 * time.Minute
)

// Loader resolves agent schemas from the registry with a short TTL cache
// keyed (name, user).
type Loader struct {
	entities *store.Store
	cache    *expirable.LRU[string, *Schema]
}

// NewLoader creates a Loader.
func NewLoader(entities *store.Store) *Loader {
	return &Loader{
		entities: entities,
		cache:    expirable.NewLRU[string, *Schema](cacheSize, nil, cacheTTL),
	}
}

// Load resolves an agent by name for a user. User-owned rows shadow global
// ones of the same name.
func (l *Loader) Load(ctx context.Context, name, userID string) (*Schema, error) {
	key := name + "\x00" + userID
	if cached, ok := l.cache.Get(key); ok {
		return cached, nil
	}

	row, err := l.find(ctx, name, userID)
	if err != nil {
		return nil, err
	}

	schema, err := parseSchema(row)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, schema)
	return schema, nil
}

// Invalidate drops one cache entry after a schema edit.
func (l *Loader) Invalidate(name, userID string) {
	l.cache.Remove(name + "\x00" + userID)
}

func (l *Loader) find(ctx context.Context, name, userID string) (*store.Entity, error) {
	if userID != "" {
		rows, err := l.entities.Find(ctx, "schemas", store.FindFilter{
			Name:   name,
			UserID: userID,
			Fields: map[string]any{"kind": "agent"},
			Limit:  1,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return rows[0], nil
		}
	}

	rows, err := l.entities.Find(ctx, "schemas", store.FindFilter{
		Name:   name,
		Fields: map[string]any{"kind": "agent"},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return rows[0], nil
}

func parseSchema(row *store.Entity) (*Schema, error) {
	raw := row.Field("json_schema")
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("agent: encode schema for %s: %w", row.Name, err)
	}
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("agent: parse schema for %s: %w", row.Name, err)
	}
	schema.Name = row.Name
	if schema.Description == "" {
		schema.Description = row.StringField("content")
	}
	return &schema, nil
}
