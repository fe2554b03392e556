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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/crypto"
)

func TestDeterministicID_Stable(t *testing.T) {
	a := DeterministicID("users", "alice", "")
	b := DeterministicID("users", "alice", "")
	c := DeterministicID("users", "alice", "owner-1")
	d := DeterministicID("moments", "alice", "")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "user scope is part of identity")
	assert.NotEqual(t, a, d, "table is part of identity")
}

func TestMergeEdges(t *testing.T) {
	existing := []GraphEdge{
		{Target: "doc-1", Relation: "references", Weight: 0.5},
		{Target: "doc-2", Relation: "references"},
	}
	incoming := []GraphEdge{
		{Target: "doc-1", Relation: "references", Weight: 0.9},
		{Target: "doc-3", Relation: "dreamed_from"},
		{Target: "doc-1", Relation: "dreamed_from"},
	}

	merged := MergeEdges(existing, incoming)
	require.Len(t, merged, 4)

	// Existing order preserved; duplicate (target, relation) updated in place.
	assert.Equal(t, "doc-1", merged[0].Target)
	assert.Equal(t, 0.9, merged[0].Weight)
	assert.Equal(t, "doc-2", merged[1].Target)

	// New edges appended in target order.
	assert.Equal(t, GraphEdge{Target: "doc-1", Relation: "dreamed_from"}, merged[2])
	assert.Equal(t, GraphEdge{Target: "doc-3", Relation: "dreamed_from"}, merged[3])
}

func TestMergeEdges_DuplicateIncoming(t *testing.T) {
	existing := []GraphEdge{{Target: "a", Relation: "r"}}
	incoming := []GraphEdge{
		{Target: "b", Relation: "r", Weight: 1},
		{Target: "b", Relation: "r", Weight: 2},
		{Target: "b", Relation: "r", Weight: 3},
	}

	// Repeated (target, relation) pairs within one incoming batch collapse
	// to a single edge; the last occurrence wins.
	merged := MergeEdges(existing, incoming)
	require.Len(t, merged, 2)
	assert.Equal(t, GraphEdge{Target: "a", Relation: "r"}, merged[0])
	assert.Equal(t, GraphEdge{Target: "b", Relation: "r", Weight: 3}, merged[1])
}

func TestMergeEdges_Idempotent(t *testing.T) {
	edges := []GraphEdge{{Target: "a", Relation: "r"}, {Target: "b", Relation: "r"}}
	once := MergeEdges(nil, edges)
	twice := MergeEdges(once, edges)
	assert.Equal(t, once, twice)
}

func TestSpecFromMetadata(t *testing.T) {
	spec := specFromMetadata("resources", map[string]any{
		"has_kv_sync":     true,
		"has_embeddings":  true,
		"embedding_field": "content",
		"is_encrypted":    true,
		"kv_summary_expr": "name",
		"chat_path":       false,
		"fields": []any{
			map[string]any{"name": "content", "encrypted": true},
			map[string]any{"name": "ordinal"},
			map[string]any{"encrypted": true}, // nameless entries are dropped
		},
	})

	assert.Equal(t, "resources", spec.Name)
	assert.True(t, spec.HasKVSync)
	assert.True(t, spec.HasEmbeddings)
	assert.Equal(t, "content", spec.EmbeddingField)
	assert.True(t, spec.IsEncrypted)
	require.Len(t, spec.Fields, 2)
	assert.Equal(t, []string{"content"}, spec.EncryptedFields())
}

func TestSpecFromMetadata_Empty(t *testing.T) {
	spec := specFromMetadata("things", nil)
	assert.Equal(t, "things", spec.Name)
	assert.False(t, spec.HasKVSync)
	assert.Empty(t, spec.Fields)
}

func TestValidIdent(t *testing.T) {
	assert.NoError(t, validIdent("resources"))
	assert.NoError(t, validIdent("embedding_queue"))
	assert.Error(t, validIdent("res;DROP TABLE users"))
	assert.Error(t, validIdent("Resources"))
	assert.Error(t, validIdent(""))
}

func TestBuildUpsert(t *testing.T) {
	spec := TableSpec{
		Name: "resources",
		Fields: []FieldSpec{
			{Name: "content", Encrypted: true},
			{Name: "ordinal"},
			{Name: "category"},
		},
	}
	e := &Entity{
		ID:              "id-1",
		Table:           "resources",
		Name:            "chunk-1",
		TenantID:        "t1",
		UserID:          "u1",
		EncryptionLevel: crypto.LevelPlatform,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	stored := map[string]any{"content": "ciphertext", "ordinal": 3}

	query, args, err := buildUpsert(spec, e, stored)
	require.NoError(t, err)

	assert.Contains(t, query, "INSERT INTO resources")
	assert.Contains(t, query, "ON CONFLICT (id) DO UPDATE SET")
	assert.Contains(t, query, "metadata = COALESCE(resources.metadata, '{}'::jsonb) || EXCLUDED.metadata")
	assert.Contains(t, query, "content = EXCLUDED.content")
	assert.Contains(t, query, "ordinal = EXCLUDED.ordinal")
	// category was not written, so it must not appear in the column list.
	assert.NotContains(t, query, "category")
	// Scope columns are insert-only.
	assert.NotContains(t, query, "tenant_id = EXCLUDED")
	assert.NotContains(t, query, "user_id = EXCLUDED")
	assert.NotContains(t, query, "created_at = EXCLUDED")

	// 10 envelope columns + 2 written fields.
	assert.Len(t, args, 12)
	assert.Equal(t, len(args), strings.Count(query, "$"))
}

func TestBuildUpsert_RejectsBadFieldName(t *testing.T) {
	spec := TableSpec{
		Name:   "resources",
		Fields: []FieldSpec{{Name: "bad;name"}},
	}
	_, _, err := buildUpsert(spec, &Entity{ID: "x"}, map[string]any{"bad;name": 1})
	assert.Error(t, err)
}

func TestCoreTables(t *testing.T) {
	specs := CoreTables()
	byName := map[string]TableSpec{}
	for _, s := range specs {
		byName[s.Name] = s
	}

	require.Contains(t, byName, "messages")
	assert.True(t, byName["messages"].ChatPath)
	assert.Equal(t, []string{"content"}, byName["messages"].EncryptedFields())

	require.Contains(t, byName, "users")
	email, ok := byName["users"].fieldSpec("email")
	require.True(t, ok)
	assert.True(t, email.Deterministic)

	require.Contains(t, byName, "resources")
	assert.True(t, byName["resources"].HasEmbeddings)
	assert.Equal(t, "content", byName["resources"].EmbeddingField)

	for _, s := range specs {
		assert.NoError(t, validIdent(s.Name))
		for _, f := range s.Fields {
			assert.NoError(t, validIdent(f.Name))
		}
	}
}
