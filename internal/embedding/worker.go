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

// Package embedding drains the embedding_queue: rows enqueued by the
// database trigger are embedded through the configured provider and
// upserted into the per-table vector stores.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

const (
	defaultBatchSize = 32
	maxAttempts      = 3
)

// item is one claimed embedding_queue row.
type item struct {
	ID          int64
	SourceTable string
	EntityID    string
	Field       string
	Attempts    int
}

// Worker claims pending queue rows in batches and embeds them.
type Worker struct {
	pool     *pgxpool.Pool
	entities *store.Store
	client   llm.Client
	provider string
	batch    int
	metrics  *metrics.WorkerMetrics
	log      *zap.SugaredLogger
}

// NewWorker creates a Worker. Provider names the embedding model and keys
// the vector-store primary key alongside (entity_id, field). Metrics may
// be nil.
func NewWorker(pool *pgxpool.Pool, entities *store.Store, client llm.Client, provider string, m *metrics.WorkerMetrics, log *zap.SugaredLogger) *Worker {
	return &Worker{
		pool:     pool,
		entities: entities,
		client:   client,
		provider: provider,
		batch:    defaultBatchSize,
		metrics:  m,
		log:      log,
	}
}

// Run drains the queue until the context is cancelled, sleeping between
// empty polls.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) error {
	for {
		n, err := w.ProcessBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.log.Errorw("embedding batch failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
		}
	}
}

// ProcessBatch claims up to one batch of pending rows and processes each,
// returning how many rows were claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	items, err := w.claim(ctx)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, it := range items {
		if err := w.process(ctx, it); err != nil {
			w.fail(ctx, it, err)
			failed++
		}
	}
	if w.metrics != nil && len(items) > 0 {
		w.metrics.RecordEmbeddingBatch(len(items)-failed, failed)
	}
	return len(items), nil
}

// claim locks a batch of pending rows oldest-first. SKIP LOCKED lets
// concurrent workers drain the queue without contention.
func (w *Worker) claim(ctx context.Context) ([]item, error) {
	rows, err := w.pool.Query(ctx, `
		UPDATE embedding_queue SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM embedding_queue
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, source_table, entity_id, field, attempts`, w.batch)
	if err != nil {
		return nil, fmt.Errorf("embedding: claim batch: %w", err)
	}
	defer rows.Close()

	var items []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.ID, &it.SourceTable, &it.EntityID, &it.Field, &it.Attempts); err != nil {
			return nil, fmt.Errorf("embedding: scan claim: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// process embeds one queue row. Unchanged content (same hash, same provider)
// is skipped; a deleted or vanished source row completes the item without
// writing a vector.
func (w *Worker) process(ctx context.Context, it item) error {
	entity, err := w.entities.Get(ctx, it.SourceTable, it.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return w.complete(ctx, it)
	}
	if err != nil {
		return fmt.Errorf("load source row: %w", err)
	}

	content := entity.StringField(it.Field)
	if content == "" {
		return w.complete(ctx, it)
	}

	digest := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(digest[:])

	var existing string
	err = w.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT content_hash FROM %s WHERE entity_id = $1 AND field = $2 AND provider = $3",
			vectorTable(it.SourceTable)),
		it.EntityID, it.Field, w.provider).Scan(&existing)
	if err == nil && existing == hash {
		return w.complete(ctx, it)
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check content hash: %w", err)
	}

	vectors, err := w.client.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embed: expected 1 vector, got %d", len(vectors))
	}

	_, err = w.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (entity_id, field, embedding, provider, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (entity_id, field, provider) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			content_hash = EXCLUDED.content_hash,
			created_at = now()`, vectorTable(it.SourceTable)),
		it.EntityID, it.Field, pgvector.NewVector(vectors[0]), w.provider, hash)
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return w.complete(ctx, it)
}

func (w *Worker) complete(ctx context.Context, it item) error {
	_, err := w.pool.Exec(ctx, "DELETE FROM embedding_queue WHERE id = $1", it.ID)
	if err != nil {
		return fmt.Errorf("embedding: delete queue row: %w", err)
	}
	return nil
}

// fail bumps attempts and retries; past maxAttempts the row parks as failed
// with the error recorded for inspection.
func (w *Worker) fail(ctx context.Context, it item, cause error) {
	status := nextStatus(it.Attempts)
	_, err := w.pool.Exec(ctx, `
		UPDATE embedding_queue
		SET status = $2, attempts = attempts + 1, error = $3, updated_at = now()
		WHERE id = $1`, it.ID, status, cause.Error())
	if err != nil {
		w.log.Errorw("embedding queue fail update", "id", it.ID, "error", err)
		return
	}
	w.log.Warnw("embedding item failed", "id", it.ID, "table", it.SourceTable,
		"entity", it.EntityID, "attempts", it.Attempts+1, "status", status, "cause", cause)
}

// nextStatus decides whether a failed attempt re-queues or parks the row.
func nextStatus(attempts int) string {
	if attempts+1 >= maxAttempts {
		return "failed"
	}
	return "pending"
}

// vectorTable maps a source table to its vector store. Tables are registry
// controlled and pass the store's identifier guard before reaching here.
func vectorTable(sourceTable string) string {
	return "embeddings_" + sourceTable
}
