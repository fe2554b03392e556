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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/store"
)

// ErrSchemaDrift indicates the KV index disagrees with its source tables.
// The usual fix is a rebuild or a migration.
var ErrSchemaDrift = errors.New("kv index drift detected")

// Sync rebuilds and verifies the KV index against the registry's KV-synced
// tables. The index is derived state: a rebuild is always safe.
type Sync struct {
	pool     *pgxpool.Pool
	registry *store.Registry
	log      *zap.SugaredLogger
}

// NewSync creates a Sync.
func NewSync(pool *pgxpool.Pool, registry *store.Registry, log *zap.SugaredLogger) *Sync {
	return &Sync{pool: pool, registry: registry, log: log}
}

// summaryExpr returns the SQL expression yielding a source row's KV summary.
// Encrypted tables degrade to the name so ciphertext never reaches the index.
func summaryExpr(spec store.TableSpec) string {
	if spec.IsEncrypted || spec.KVSummaryExpr == "" {
		return "name"
	}
	return spec.KVSummaryExpr
}

// upsertFromSource copies one table's live rows into the index.
func (s *Sync) upsertFromSource(ctx context.Context, spec store.TableSpec) (int64, error) {
	// DISTINCT ON keeps the newest source row when two names normalise to
	// the same key; ON CONFLICT cannot touch one index row twice.
	query := fmt.Sprintf(`
		INSERT INTO kv_store (tenant_id, entity_key, entity_type, entity_id,
		                      content_summary, metadata, graph_edges, updated_at)
		SELECT DISTINCT ON (coalesce(tenant_id, ''), normalize_key(name))
		       coalesce(tenant_id, ''), normalize_key(name), '%[1]s', id,
		       %[2]s, metadata, graph_edges, now()
		FROM %[1]s
		WHERE deleted_at IS NULL
		  AND name IS NOT NULL AND normalize_key(name) <> ''
		ORDER BY coalesce(tenant_id, ''), normalize_key(name), updated_at DESC
		ON CONFLICT (tenant_id, entity_key) DO UPDATE SET
			entity_type     = EXCLUDED.entity_type,
			entity_id       = EXCLUDED.entity_id,
			content_summary = EXCLUDED.content_summary,
			metadata        = EXCLUDED.metadata,
			graph_edges     = EXCLUDED.graph_edges,
			updated_at      = now()
		WHERE kv_store.entity_id IS DISTINCT FROM EXCLUDED.entity_id
		   OR kv_store.content_summary IS DISTINCT FROM EXCLUDED.content_summary
		   OR kv_store.metadata IS DISTINCT FROM EXCLUDED.metadata
		   OR kv_store.graph_edges IS DISTINCT FROM EXCLUDED.graph_edges`,
		spec.Name, summaryExpr(spec))

	res, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("kv: rebuild from %s: %w", spec.Name, err)
	}
	return res.RowsAffected(), nil
}

// deleteOrphans removes index rows whose source row is gone, soft-deleted
// or renamed.
func (s *Sync) deleteOrphans(ctx context.Context, spec store.TableSpec) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM kv_store k
		WHERE k.entity_type = '%[1]s'
		  AND NOT EXISTS (
			SELECT 1 FROM %[1]s src
			WHERE src.id = k.entity_id
			  AND src.deleted_at IS NULL
			  AND normalize_key(src.name) = k.entity_key
		  )`, spec.Name)

	res, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("kv: delete orphans for %s: %w", spec.Name, err)
	}
	return res.RowsAffected(), nil
}

// FullRebuild truncates the index and re-inserts every live row from every
// KV-synced table. Used for crash recovery.
func (s *Sync) FullRebuild(ctx context.Context) error {
	specs, err := s.registry.KVSynced(ctx)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, "TRUNCATE kv_store"); err != nil {
		return fmt.Errorf("kv: truncate: %w", err)
	}

	var total int64
	for _, spec := range specs {
		n, err := s.upsertFromSource(ctx, spec)
		if err != nil {
			return err
		}
		total += n
	}
	s.log.Infow("kv full rebuild complete", "tables", len(specs), "rows", total)
	return nil
}

// IncrementalRebuild upserts rows that differ and deletes orphans, table by
// table. Runs on a scheduled cadence as a self-healing pass.
func (s *Sync) IncrementalRebuild(ctx context.Context) error {
	specs, err := s.registry.KVSynced(ctx)
	if err != nil {
		return err
	}

	var upserted, deleted int64
	for _, spec := range specs {
		n, err := s.upsertFromSource(ctx, spec)
		if err != nil {
			return err
		}
		upserted += n

		d, err := s.deleteOrphans(ctx, spec)
		if err != nil {
			return err
		}
		deleted += d
	}
	if upserted > 0 || deleted > 0 {
		s.log.Infow("kv incremental rebuild repaired drift", "upserted", upserted, "deleted", deleted)
	}
	return nil
}

// VerifyAll checks that every live row in every KV-synced table has exactly
// one matching index row, and that the index holds no orphans. Disagreement
// returns ErrSchemaDrift naming each drifted table.
func (s *Sync) VerifyAll(ctx context.Context) error {
	specs, err := s.registry.KVSynced(ctx)
	if err != nil {
		return err
	}

	var drifted []string
	for _, spec := range specs {
		missing, err := s.countMissing(ctx, spec)
		if err != nil {
			return err
		}
		orphans, err := s.countOrphans(ctx, spec)
		if err != nil {
			return err
		}
		if missing > 0 || orphans > 0 {
			drifted = append(drifted, fmt.Sprintf("%s (missing=%d orphans=%d)", spec.Name, missing, orphans))
		}
	}
	if len(drifted) > 0 {
		return fmt.Errorf("%w: %s", ErrSchemaDrift, strings.Join(drifted, ", "))
	}
	return nil
}

func (s *Sync) countMissing(ctx context.Context, spec store.TableSpec) (int64, error) {
	query := fmt.Sprintf(`
		SELECT count(*) FROM %[1]s src
		WHERE src.deleted_at IS NULL
		  AND src.name IS NOT NULL AND normalize_key(src.name) <> ''
		  AND NOT EXISTS (
			SELECT 1 FROM kv_store k
			WHERE k.tenant_id = coalesce(src.tenant_id, '')
			  AND k.entity_key = normalize_key(src.name)
			  AND k.entity_id = src.id
		  )`, spec.Name)

	var n int64
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv: verify %s: %w", spec.Name, err)
	}
	return n, nil
}

func (s *Sync) countOrphans(ctx context.Context, spec store.TableSpec) (int64, error) {
	query := fmt.Sprintf(`
		SELECT count(*) FROM kv_store k
		WHERE k.entity_type = '%[1]s'
		  AND NOT EXISTS (
			SELECT 1 FROM %[1]s src
			WHERE src.id = k.entity_id AND src.deleted_at IS NULL
		  )`, spec.Name)

	var n int64
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv: verify %s: %w", spec.Name, err)
	}
	return n, nil
}
