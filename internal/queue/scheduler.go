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

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/kv"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

// SchedulerOptions set the cron expressions for the periodic enqueuers.
// Zero values take the defaults.
type SchedulerOptions struct {
	DreamingSpec       string // default hourly
	NewsSpec           string // default daily 06:00 UTC
	ReadingSummarySpec string // default daily 07:00 UTC
	ReminderSpec       string // default every 10 minutes
	KVRebuildSpec      string // default hourly
	StaleRecoverySpec  string // default every 5 minutes
}

func (o *SchedulerOptions) withDefaults() SchedulerOptions {
	out := *o
	if out.DreamingSpec == "" {
		out.DreamingSpec = "0 * * * *"
	}
	if out.NewsSpec == "" {
		out.NewsSpec = "0 6 * * *"
	}
	if out.ReadingSummarySpec == "" {
		out.ReadingSummarySpec = "0 7 * * *"
	}
	if out.ReminderSpec == "" {
		out.ReminderSpec = "*/10 * * * *"
	}
	if out.KVRebuildSpec == "" {
		out.KVRebuildSpec = "30 * * * *"
	}
	if out.StaleRecoverySpec == "" {
		out.StaleRecoverySpec = "*/5 * * * *"
	}
	return out
}

// Scheduler runs the periodic enqueuers and maintenance jobs.
type Scheduler struct {
	pool    *pgxpool.Pool
	queue   *Queue
	kv      *kv.Sync
	metrics *metrics.WorkerMetrics
	cron    *cron.Cron
	log     *zap.SugaredLogger
}

// NewScheduler creates a Scheduler. The kv sync and metrics are optional;
// nil disables the hourly incremental rebuild and the recovery counter.
func NewScheduler(pool *pgxpool.Pool, q *Queue, kvSync *kv.Sync, m *metrics.WorkerMetrics, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{pool: pool, queue: q, kv: kvSync, metrics: m, cron: cron.New(), log: log}
}

// Start registers the cron entries and begins ticking. Stop with Stop.
func (s *Scheduler) Start(ctx context.Context, opts SchedulerOptions) error {
	opts = opts.withDefaults()

	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{opts.DreamingSpec, "dreaming", s.EnqueueDreaming},
		{opts.NewsSpec, "news", s.EnqueueNews},
		{opts.ReadingSummarySpec, "reading_summary", s.EnqueueReadingSummaries},
		{opts.ReminderSpec, "reminders", s.EnqueueReminders},
		{opts.StaleRecoverySpec, "stale_recovery", s.recoverStale},
		{opts.KVRebuildSpec, "embedding_purge", s.purgeFailedEmbeddings},
	}
	if s.kv != nil {
		jobs = append(jobs, struct {
			spec string
			name string
			run  func(context.Context) error
		}{opts.KVRebuildSpec, "kv_rebuild", s.kv.IncrementalRebuild})
	}

	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			if err := job.run(ctx); err != nil {
				s.log.Errorw("scheduled job failed", "job", job.name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("queue: schedule %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) recoverStale(ctx context.Context) error {
	n, err := s.queue.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		if s.metrics != nil {
			s.metrics.RecordStaleRecovered(n)
		}
		s.log.Infow("recovered stale tasks", "count", n)
	}
	return nil
}

// purgeFailedEmbeddings drops embedding_queue rows that exhausted their
// retries more than a week ago. Failed rows stay visible for inspection
// until then.
func (s *Scheduler) purgeFailedEmbeddings(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM embedding_queue
		WHERE status = 'failed' AND updated_at < now() - interval '7 days'`)
	if err != nil {
		return fmt.Errorf("queue: purge failed embeddings: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Infow("purged failed embedding rows", "count", n)
	}
	return nil
}

// EnqueueDreaming enqueues one dreaming task per user with activity since
// their last dreaming run, skipping users that already have one queued or
// running.
func (s *Scheduler) EnqueueDreaming(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		WITH last_dream AS (
			SELECT user_id, max(completed_at) AS at
			FROM task_queue
			WHERE task_type = 'dreaming' AND status = 'completed'
			GROUP BY user_id
		), active AS (
			SELECT user_id, max(created_at) AS at FROM messages
			WHERE deleted_at IS NULL AND user_id IS NOT NULL
			GROUP BY user_id
			UNION ALL
			SELECT user_id, max(updated_at) FROM files
			WHERE deleted_at IS NULL AND user_id IS NOT NULL
			  AND processing_status = 'completed'
			GROUP BY user_id
		)
		SELECT DISTINCT a.user_id
		FROM active a
		LEFT JOIN last_dream d ON d.user_id = a.user_id
		WHERE (d.at IS NULL OR a.at > d.at)
		  AND NOT EXISTS (
			SELECT 1 FROM task_queue t
			WHERE t.user_id = a.user_id AND t.task_type = 'dreaming'
			  AND t.status IN ('pending', 'processing')
		  )`)
	if err != nil {
		return fmt.Errorf("queue: find dreaming candidates: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("queue: scan dreaming candidate: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, userID := range users {
		_, err := s.queue.Enqueue(ctx, TypeDreaming, nil, EnqueueOptions{
			Tier:   TierMedium,
			UserID: userID,
		})
		if err != nil {
			return err
		}
	}
	if len(users) > 0 {
		s.log.Infow("enqueued dreaming tasks", "users", len(users))
	}
	return nil
}

// EnqueueNews enqueues one news task per user with declared interests.
func (s *Scheduler) EnqueueNews(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM users
		WHERE deleted_at IS NULL
		  AND jsonb_typeof(metadata->'interests') = 'array'
		  AND jsonb_array_length(metadata->'interests') > 0`)
	if err != nil {
		return fmt.Errorf("queue: find news candidates: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return fmt.Errorf("queue: scan news candidate: %w", err)
		}
		_, err := s.queue.Enqueue(ctx, TypeNews, nil, EnqueueOptions{
			Tier:   TierSmall,
			UserID: userID,
		})
		if err != nil {
			return err
		}
		count++
	}
	if count > 0 {
		s.log.Infow("enqueued news tasks", "users", count)
	}
	return rows.Err()
}

// EnqueueReadingSummaries enqueues a summariser task for each reading
// moment that has collected items but no summary yet.
func (s *Scheduler) EnqueueReadingSummaries(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, coalesce(user_id, '') FROM moments
		WHERE deleted_at IS NULL
		  AND moment_type = 'reading'
		  AND coalesce(summary, '') = ''
		  AND jsonb_typeof(metadata->'items') = 'array'
		  AND jsonb_array_length(metadata->'items') > 0`)
	if err != nil {
		return fmt.Errorf("queue: find reading moments: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var momentID, userID string
		if err := rows.Scan(&momentID, &userID); err != nil {
			return fmt.Errorf("queue: scan reading moment: %w", err)
		}
		_, err := s.queue.Enqueue(ctx, TypeReadingSummary,
			map[string]any{"moment_id": momentID},
			EnqueueOptions{Tier: TierSmall, UserID: userID})
		if err != nil {
			return err
		}
		count++
	}
	if count > 0 {
		s.log.Infow("enqueued reading summaries", "moments", count)
	}
	return rows.Err()
}

// EnqueueReminders schedules a notification task for each reminder moment
// that has none yet. Tasks run at the reminder's start time, not at sweep
// time.
func (s *Scheduler) EnqueueReminders(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, coalesce(m.user_id, ''), m.starts_timestamp
		FROM moments m
		WHERE m.deleted_at IS NULL
		  AND m.moment_type = 'reminder'
		  AND m.starts_timestamp IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM task_queue t
			WHERE t.task_type = 'notification'
			  AND t.payload->>'moment_id' = m.id::text
		  )`)
	if err != nil {
		return fmt.Errorf("queue: find reminder moments: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var momentID, userID string
		var starts time.Time
		if err := rows.Scan(&momentID, &userID, &starts); err != nil {
			return fmt.Errorf("queue: scan reminder moment: %w", err)
		}
		if _, err := s.EnqueueNotification(ctx, userID, momentID, starts); err != nil {
			return err
		}
		count++
	}
	if count > 0 {
		s.log.Infow("scheduled reminder notifications", "moments", count)
	}
	return rows.Err()
}

// EnqueueNotification schedules a notification task at the reminder's
// start time.
func (s *Scheduler) EnqueueNotification(ctx context.Context, userID, momentID string, at time.Time) (string, error) {
	return s.queue.Enqueue(ctx, TypeNotification,
		map[string]any{"moment_id": momentID},
		EnqueueOptions{Tier: TierMicro, UserID: userID, ScheduledAt: at})
}
