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
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/percolationlabs/percolate/internal/pgutil"
)

// TableSpec describes one entity table as declared by its schemas registry
// row (kind='table'). The set of entity tables is open; every "all tables"
// iteration goes through the registry, never a hard-coded list.
type TableSpec struct {
	Name           string
	HasKVSync      bool
	HasEmbeddings  bool
	EmbeddingField string
	IsEncrypted    bool
	KVSummaryExpr  string
	// Fields lists the table-specific columns beyond the shared envelope.
	Fields []FieldSpec
	// DeterministicIDs marks tables whose ids derive from (table, name, user).
	DeterministicIDs bool
	// ChatPath marks tables written on the chat path: sealed tenants are
	// capped to platform encryption so the model can replay history.
	ChatPath bool
}

// FieldSpec describes one table-specific column.
type FieldSpec struct {
	Name string
	// Encrypted fields are AEAD-encrypted per tenant mode.
	Encrypted bool
	// Deterministic fields use the equality-searchable encoding.
	Deterministic bool
}

// EncryptedFields returns the names of the spec's encrypted fields.
func (s TableSpec) EncryptedFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Encrypted {
			out = append(out, f.Name)
		}
	}
	return out
}

// fieldSpec returns the FieldSpec for a column name.
func (s TableSpec) fieldSpec(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

const registryTTL = 5 * time.Minute

// Registry reads the schemas table's kind='table' rows and caches them.
// The cache is invalidated by TTL and on RegisterTable.
type Registry struct {
	pool *pgxpool.Pool

	mu       sync.RWMutex
	specs    map[string]TableSpec
	loadedAt time.Time
}

// NewRegistry creates a Registry over the given pool.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Get returns the spec for one table, or ErrUnknownTable.
func (r *Registry) Get(ctx context.Context, table string) (TableSpec, error) {
	specs, err := r.load(ctx)
	if err != nil {
		return TableSpec{}, err
	}
	spec, ok := specs[table]
	if !ok {
		return TableSpec{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return spec, nil
}

// List returns all registered table specs, ordered by name.
func (r *Registry) List(ctx context.Context) ([]TableSpec, error) {
	specs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TableSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s)
	}
	sortSpecs(out)
	return out, nil
}

// KVSynced returns the specs of tables with KV sync enabled.
func (r *Registry) KVSynced(ctx context.Context) ([]TableSpec, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []TableSpec
	for _, s := range all {
		if s.HasKVSync {
			out = append(out, s)
		}
	}
	return out, nil
}

// Embedded returns the specs of tables with embeddings enabled.
func (r *Registry) Embedded(ctx context.Context) ([]TableSpec, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []TableSpec
	for _, s := range all {
		if s.HasEmbeddings {
			out = append(out, s)
		}
	}
	return out, nil
}

// Invalidate drops the cached specs so the next read reloads them.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.specs = nil
	r.mu.Unlock()
}

func (r *Registry) load(ctx context.Context) (map[string]TableSpec, error) {
	r.mu.RLock()
	if r.specs != nil && time.Since(r.loadedAt) < registryTTL {
		specs := r.specs
		r.mu.RUnlock()
		return specs, nil
	}
	r.mu.RUnlock()

	const query = `
		SELECT name, metadata
		FROM schemas
		WHERE kind = 'table' AND deleted_at IS NULL`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: loading table registry: %w", err)
	}
	defer rows.Close()

	specs := map[string]TableSpec{}
	for rows.Next() {
		var name string
		var metadataJSON []byte
		if err := rows.Scan(&name, &metadataJSON); err != nil {
			return nil, fmt.Errorf("store: scan registry row: %w", err)
		}
		specs[name] = specFromMetadata(name, pgutil.UnmarshalJSONB(metadataJSON))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate registry rows: %w", err)
	}

	r.mu.Lock()
	r.specs = specs
	r.loadedAt = time.Now()
	r.mu.Unlock()
	return specs, nil
}

// specFromMetadata maps a registry row's metadata to a TableSpec.
func specFromMetadata(name string, metadata map[string]any) TableSpec {
	spec := TableSpec{Name: name}
	if metadata == nil {
		return spec
	}
	spec.HasKVSync, _ = metadata["has_kv_sync"].(bool)
	spec.HasEmbeddings, _ = metadata["has_embeddings"].(bool)
	spec.EmbeddingField, _ = metadata["embedding_field"].(string)
	spec.IsEncrypted, _ = metadata["is_encrypted"].(bool)
	spec.KVSummaryExpr, _ = metadata["kv_summary_expr"].(string)
	spec.DeterministicIDs, _ = metadata["deterministic_ids"].(bool)
	spec.ChatPath, _ = metadata["chat_path"].(bool)

	if raw, ok := metadata["fields"].([]any); ok {
		for _, item := range raw {
			fm, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var f FieldSpec
			f.Name, _ = fm["name"].(string)
			f.Encrypted, _ = fm["encrypted"].(bool)
			f.Deterministic, _ = fm["deterministic"].(bool)
			if f.Name != "" {
				spec.Fields = append(spec.Fields, f)
			}
		}
	}
	return spec
}

func sortSpecs(specs []TableSpec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
}

// RegisterTable upserts a registry row for a table and invalidates the
// cache. The installer seeds the core tables through this path so their
// registry rows get deterministic ids.
func (r *Registry) RegisterTable(ctx context.Context, spec TableSpec) error {
	metadata := map[string]any{
		"has_kv_sync":       spec.HasKVSync,
		"has_embeddings":    spec.HasEmbeddings,
		"embedding_field":   spec.EmbeddingField,
		"is_encrypted":      spec.IsEncrypted,
		"kv_summary_expr":   spec.KVSummaryExpr,
		"deterministic_ids": spec.DeterministicIDs,
		"chat_path":         spec.ChatPath,
	}
	fields := make([]map[string]any, 0, len(spec.Fields))
	for _, f := range spec.Fields {
		fields = append(fields, map[string]any{
			"name":          f.Name,
			"encrypted":     f.Encrypted,
			"deterministic": f.Deterministic,
		})
	}
	metadata["fields"] = fields

	const query = `
		INSERT INTO schemas (id, name, kind, metadata, created_at, updated_at)
		VALUES ($1, $2, 'table', $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			metadata   = EXCLUDED.metadata,
			updated_at = now()`

	id := DeterministicID("schemas", spec.Name, "")
	if _, err := r.pool.Exec(ctx, query, id, spec.Name, pgutil.MarshalJSONB(metadata)); err != nil {
		return fmt.Errorf("store: registering table %s: %w", spec.Name, err)
	}
	r.Invalidate()
	return nil
}
