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

// Package worker runs the background task loop: claim from the queue,
// gate on quota, dispatch to typed handlers, complete or fail.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/usage"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

const (
	defaultBatch    = 4
	defaultPoll     = 5 * time.Second
	quotaRetryAfter = time.Hour
)

// Handler processes one claimed task, returning an optional result map.
type Handler func(ctx context.Context, task *queue.Task) (map[string]any, error)

// Runtime is the long-running worker loop for one tier.
type Runtime struct {
	queue    *queue.Queue
	usage    *usage.Tracker
	metrics  *metrics.WorkerMetrics
	handlers map[string]Handler
	workerID string
	tier     string
	batch    int
	log      *zap.SugaredLogger
}

// NewRuntime creates a Runtime. Metrics may be nil.
func NewRuntime(q *queue.Queue, tracker *usage.Tracker, m *metrics.WorkerMetrics, workerID, tier string, log *zap.SugaredLogger) *Runtime {
	return &Runtime{
		queue:    q,
		usage:    tracker,
		metrics:  m,
		handlers: map[string]Handler{},
		workerID: workerID,
		tier:     tier,
		batch:    defaultBatch,
		log:      log,
	}
}

// Register binds a handler to a task type.
func (r *Runtime) Register(taskType string, h Handler) {
	r.handlers[taskType] = h
}

// Run loops until the context is cancelled, sleeping between empty claims.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Infow("worker started", "worker", r.workerID, "tier", r.tier)
	for {
		tasks, err := r.queue.Claim(ctx, r.tier, r.workerID, r.batch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Errorw("claim failed", "tier", r.tier, "error", err)
		}
		if r.metrics != nil && len(tasks) > 0 {
			r.metrics.RecordClaim(r.tier, len(tasks))
		}

		for _, task := range tasks {
			r.dispatch(ctx, task)
		}

		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(defaultPoll):
			}
		}
	}
}

// dispatch runs one task through the quota gate and its handler. Handler
// panics are contained and counted as failures; the loop never dies to a
// bad task.
func (r *Runtime) dispatch(ctx context.Context, task *queue.Task) {
	handler, ok := r.handlers[task.Type]
	if !ok {
		r.failTask(ctx, task, fmt.Errorf("worker: no handler for task type %q", task.Type))
		return
	}

	overQuota, err := r.overQuota(ctx, task)
	if err != nil {
		r.failTask(ctx, task, err)
		return
	}
	if overQuota {
		// Deferred, not failed: the quota resets with the billing period.
		if err := r.queue.Skip(ctx, task.ID, time.Now().Add(quotaRetryAfter)); err != nil {
			r.log.Errorw("skip failed", "task", task.ID, "error", err)
		}
		if r.metrics != nil {
			r.metrics.RecordSkip()
		}
		r.log.Infow("task deferred over quota", "task", task.ID, "type", task.Type, "user", task.UserID)
		return
	}

	start := time.Now()
	result, err := r.runHandler(ctx, handler, task)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if r.metrics != nil {
		r.metrics.RecordTask(task.Type, outcome, time.Since(start))
	}

	if err != nil {
		r.failTask(ctx, task, err)
		return
	}
	if err := r.queue.Complete(ctx, task.ID, result); err != nil {
		r.log.Errorw("complete failed", "task", task.ID, "error", err)
	}

	r.recordUsage(ctx, task.UserID, usage.ResourceRequests, 1)
	if tokens := resultTokens(result); tokens > 0 {
		r.recordUsage(ctx, task.UserID, usage.ResourceTokens, tokens)
	}
}

// resultTokens reads the token count a handler reports in its result map.
func resultTokens(result map[string]any) int64 {
	switch v := result["tokens"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (r *Runtime) runHandler(ctx context.Context, handler Handler, task *queue.Task) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker: handler panic on task %s: %v", task.ID, rec)
		}
	}()
	return handler(ctx, task)
}

// overQuota checks the user's request headroom before dispatch. Tasks
// without an owner bypass the gate.
func (r *Runtime) overQuota(ctx context.Context, task *queue.Task) (bool, error) {
	if r.usage == nil || task.UserID == "" {
		return false, nil
	}
	plan, err := r.usage.UserPlan(ctx, task.UserID)
	if err != nil {
		return false, err
	}
	ok, err := r.usage.CheckQuota(ctx, task.UserID, plan, usage.ResourceRequests)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (r *Runtime) failTask(ctx context.Context, task *queue.Task, cause error) {
	r.log.Warnw("task failed", "task", task.ID, "type", task.Type,
		"retries", task.RetryCount, "error", cause)
	if err := r.queue.Fail(ctx, task.ID, cause); err != nil {
		r.log.Errorw("fail update failed", "task", task.ID, "error", err)
	}
}

// recordUsage bumps the user's counters after a completed task. Quota
// overruns here are logged, not raised; the work is already done.
func (r *Runtime) recordUsage(ctx context.Context, userID, resource string, amount int64) {
	if r.usage == nil || userID == "" || amount == 0 {
		return
	}
	plan, err := r.usage.UserPlan(ctx, userID)
	if err != nil {
		r.log.Warnw("resolve plan", "user", userID, "error", err)
		return
	}
	_, _, err = r.usage.Increment(ctx, userID, resource, amount, usage.PlanCap(plan, resource))
	if err != nil && !errors.Is(err, usage.ErrQuotaExceeded) {
		r.log.Warnw("usage increment", "user", userID, "resource", resource, "error", err)
	}
}
