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

// Package queue implements the durable background task queue: one
// task_queue table, tier-partitioned atomic claims, exponential-backoff
// retries, and stale-task recovery.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/percolationlabs/percolate/internal/pgutil"
)

// Task types dispatched by the worker.
const (
	TypeFileProcessing = "file_processing"
	TypeDreaming       = "dreaming"
	TypeNews           = "news"
	TypeReadingSummary = "reading_summary"
	TypeNotification   = "notification"
)

// Tiers partition the queue so slow work cannot starve fast work.
const (
	TierMicro  = "micro"
	TierSmall  = "small"
	TierMedium = "medium"
	TierLarge  = "large"
)

// Statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	defaultMaxRetries = 3
	backoffBase       = 30 * time.Second
	staleAfter        = 15 * time.Minute
	claimTimeout      = 2 * time.Second
)

// Task is one task_queue row.
type Task struct {
	ID         string
	Type       string
	Tier       string
	TenantID   string
	UserID     string
	Payload    map[string]any
	Status     string
	Priority   int
	RetryCount int
	MaxRetries int
}

// FileTier sizes file-processing work by blob size.
func FileTier(sizeBytes int64) string {
	switch {
	case sizeBytes < 1<<20:
		return TierSmall
	case sizeBytes < 50<<20:
		return TierMedium
	default:
		return TierLarge
	}
}

// Backoff returns the retry delay after the given retry count:
// 30s, 2m, 8m, 32m and so on.
func Backoff(retryCount int) time.Duration {
	d := backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 4
	}
	return d
}

// Queue is the Postgres-backed task queue.
type Queue struct {
	pool *pgxpool.Pool
}

// New creates a Queue.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// EnqueueOptions tune one Enqueue call.
type EnqueueOptions struct {
	Tier        string
	TenantID    string
	UserID      string
	Priority    int
	ScheduledAt time.Time
	MaxRetries  int
}

// Enqueue inserts a pending task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload map[string]any, opts EnqueueOptions) (string, error) {
	tier := opts.Tier
	if tier == "" {
		tier = TierSmall
	}
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	var id string
	err := q.pool.QueryRow(ctx, `
		INSERT INTO task_queue (task_type, tier, tenant_id, user_id, payload, priority, scheduled_at, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		taskType, tier, pgutil.NullString(opts.TenantID), pgutil.NullString(opts.UserID),
		pgutil.MarshalJSONB(payload), opts.Priority, scheduledAt, maxRetries).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", taskType, err)
	}
	return id, nil
}

// Claim atomically takes up to batch due pending tasks in one tier, best
// priority first. SKIP LOCKED keeps parallel workers contention free.
func (q *Queue) Claim(ctx context.Context, tier, workerID string, batch int) ([]*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	rows, err := q.pool.Query(ctx, `
		UPDATE task_queue SET
			status = 'processing',
			claimed_at = now(),
			claimed_by = $2,
			started_at = now(),
			updated_at = now()
		WHERE id IN (
			SELECT id FROM task_queue
			WHERE status = 'pending' AND tier = $1 AND scheduled_at <= now()
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, task_type, tier, coalesce(tenant_id, ''), coalesce(user_id, ''),
		          payload, status, priority, retry_count, max_retries`,
		tier, workerID, batch)
	if err != nil {
		return nil, fmt.Errorf("queue: claim tier %s: %w", tier, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			t       Task
			payload []byte
		)
		err := rows.Scan(&t.ID, &t.Type, &t.Tier, &t.TenantID, &t.UserID,
			&payload, &t.Status, &t.Priority, &t.RetryCount, &t.MaxRetries)
		if err != nil {
			return nil, fmt.Errorf("queue: scan claim: %w", err)
		}
		t.Payload = pgutil.UnmarshalJSONB(payload)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// Complete marks a task done, optionally recording a result. The status
// guard keeps a worker that outlived stale recovery from touching a row
// the recovery pass already moved on.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]any) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue SET
			status = 'completed',
			completed_at = now(),
			result = $2,
			error = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, pgutil.MarshalJSONB(result))
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", id, err)
	}
	return nil
}

// Fail records the error and either reschedules with backoff or parks the
// task as failed once retries are exhausted.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue SET
			status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			scheduled_at = CASE WHEN retry_count < max_retries
				THEN now() + ($2 * power(4, retry_count)) * interval '1 second'
				ELSE scheduled_at END,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			claimed_at = NULL,
			claimed_by = NULL,
			error = $3,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, backoffBase.Seconds(), cause.Error())
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", id, err)
	}
	return nil
}

// Skip releases a claimed task back to pending without consuming a retry,
// rescheduled past the current period check. Used when quota gating defers
// work rather than failing it.
func (q *Queue) Skip(ctx context.Context, id string, until time.Time) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue SET
			status = 'pending',
			scheduled_at = $2,
			claimed_at = NULL,
			claimed_by = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, until)
	if err != nil {
		return fmt.Errorf("queue: skip %s: %w", id, err)
	}
	return nil
}

// RecoverStale resets processing tasks whose worker went silent: back to
// pending if retries remain, else failed. Returns how many rows moved.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE task_queue SET
			status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			claimed_at = NULL,
			claimed_by = NULL,
			error = coalesce(error, 'recovered: worker deadline exceeded'),
			updated_at = now()
		WHERE status = 'processing' AND claimed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("queue: recover stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Reset force-requeues a task regardless of state, clearing retries. Admin
// surface only.
func (q *Queue) Reset(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue SET
			status = 'pending',
			retry_count = 0,
			scheduled_at = now(),
			claimed_at = NULL,
			claimed_by = NULL,
			started_at = NULL,
			completed_at = NULL,
			error = NULL,
			result = NULL,
			updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("queue: reset %s: %w", id, err)
	}
	return nil
}

// Depth counts pending tasks per tier for metrics.
func (q *Queue) Depth(ctx context.Context) (map[string]int64, error) {
	rows, err := q.pool.Query(ctx,
		"SELECT tier, count(*) FROM task_queue WHERE status = 'pending' GROUP BY tier")
	if err != nil {
		return nil, fmt.Errorf("queue: depth: %w", err)
	}
	defer rows.Close()

	depth := map[string]int64{}
	for rows.Next() {
		var (
			tier string
			n    int64
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("queue: scan depth: %w", err)
		}
		depth[tier] = n
	}
	return depth, rows.Err()
}
