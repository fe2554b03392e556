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

package store

import (
	"context"
	"fmt"
)

// CoreTables returns the registry rows for the built-in entity tables. The
// set is open: installers may register further tables after seeding these.
func CoreTables() []TableSpec {
	return []TableSpec{
		{
			Name:             "schemas",
			HasKVSync:        true,
			KVSummaryExpr:    "left(coalesce(content, name), 160)",
			DeterministicIDs: true,
			Fields: []FieldSpec{
				{Name: "kind"},
				{Name: "content"},
				{Name: "json_schema"},
			},
		},
		{
			Name: "tenants",
			Fields: []FieldSpec{
				{Name: "encryption_mode"},
				{Name: "status"},
			},
		},
		{
			Name:             "users",
			HasKVSync:        true,
			IsEncrypted:      true,
			DeterministicIDs: true,
			Fields: []FieldSpec{
				{Name: "content", Encrypted: true},
				{Name: "email", Encrypted: true, Deterministic: true},
				{Name: "interests"},
				{Name: "devices"},
				{Name: "plan"},
			},
		},
		{
			Name: "sessions",
			Fields: []FieldSpec{
				{Name: "agent_name"},
				{Name: "mode"},
				{Name: "total_tokens"},
			},
		},
		{
			Name:        "messages",
			IsEncrypted: true,
			ChatPath:    true,
			Fields: []FieldSpec{
				{Name: "session_id"},
				{Name: "message_type"},
				{Name: "content", Encrypted: true},
				{Name: "tool_calls"},
				{Name: "tool_call_id"},
				{Name: "input_tokens"},
				{Name: "output_tokens"},
				{Name: "latency_ms"},
				{Name: "model"},
				{Name: "agent_name"},
			},
		},
		{
			Name:             "moments",
			HasKVSync:        true,
			HasEmbeddings:    true,
			EmbeddingField:   "summary",
			IsEncrypted:      true,
			DeterministicIDs: true,
			Fields: []FieldSpec{
				{Name: "moment_type"},
				{Name: "summary", Encrypted: true},
				{Name: "starts_timestamp"},
				{Name: "previous_moment_keys"},
			},
		},
		{
			Name:           "resources",
			HasKVSync:      true,
			HasEmbeddings:  true,
			EmbeddingField: "content",
			IsEncrypted:    true,
			Fields: []FieldSpec{
				{Name: "content", Encrypted: true},
				{Name: "ordinal"},
				{Name: "category"},
				{Name: "file_id"},
			},
		},
		{
			Name:           "ontologies",
			HasKVSync:      true,
			HasEmbeddings:  true,
			EmbeddingField: "content",
			KVSummaryExpr:  "left(coalesce(content, name), 160)",
			Fields: []FieldSpec{
				{Name: "content"},
				{Name: "uri"},
				{Name: "extracted_data"},
			},
		},
		{
			Name:        "files",
			HasKVSync:   true,
			IsEncrypted: true,
			Fields: []FieldSpec{
				{Name: "uri"},
				{Name: "content_type"},
				{Name: "category"},
				{Name: "parsed_content", Encrypted: true},
				{Name: "processing_status"},
				{Name: "processing_error"},
				{Name: "size_bytes"},
			},
		},
		{
			Name:             "tools",
			HasKVSync:        true,
			DeterministicIDs: true,
			Fields: []FieldSpec{
				{Name: "input_schema"},
				{Name: "output_schema"},
				{Name: "server_name"},
			},
		},
		{
			Name:             "servers",
			HasKVSync:        true,
			DeterministicIDs: true,
			Fields: []FieldSpec{
				{Name: "endpoint"},
				{Name: "transport"},
			},
		},
	}
}

// Seed registers the core tables and attaches their sync triggers. Safe to
// re-run; registry rows have deterministic ids.
func (r *Registry) Seed(ctx context.Context) error {
	for _, spec := range CoreTables() {
		if err := r.RegisterTable(ctx, spec); err != nil {
			return err
		}
	}
	if _, err := r.pool.Exec(ctx, "SELECT p8_attach_all_triggers()"); err != nil {
		return fmt.Errorf("store: attaching sync triggers: %w", err)
	}
	return nil
}
