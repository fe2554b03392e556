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

// Package usage tracks per-user resource consumption against plan caps.
// Counters live in usage_tracking keyed (user, resource, period) and are
// bumped with a single atomic upsert.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrQuotaExceeded marks an increment that crossed the plan cap. The write
// still lands; callers decide whether to skip further work.
var ErrQuotaExceeded = errors.New("usage: quota exceeded")

// Resource types metered per billing period.
const (
	ResourceTokens   = "tokens"
	ResourceMinutes  = "minutes"
	ResourceRequests = "requests"
)

// Plan names.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanTeam       = "team"
	PlanEnterprise = "enterprise"
)

// Unlimited disables the cap for a resource.
const Unlimited int64 = -1

// planCaps maps plan → resource → monthly cap.
var planCaps = map[string]map[string]int64{
	PlanFree: {
		ResourceTokens:   200_000,
		ResourceMinutes:  60,
		ResourceRequests: 1_000,
	},
	PlanPro: {
		ResourceTokens:   5_000_000,
		ResourceMinutes:  600,
		ResourceRequests: 20_000,
	},
	PlanTeam: {
		ResourceTokens:   25_000_000,
		ResourceMinutes:  3_000,
		ResourceRequests: 100_000,
	},
	PlanEnterprise: {
		ResourceTokens:   Unlimited,
		ResourceMinutes:  Unlimited,
		ResourceRequests: Unlimited,
	},
}

// PlanCap returns the monthly cap for a plan and resource. Unknown plans
// fall back to free.
func PlanCap(plan, resource string) int64 {
	caps, ok := planCaps[plan]
	if !ok {
		caps = planCaps[PlanFree]
	}
	cap, ok := caps[resource]
	if !ok {
		return 0
	}
	return cap
}

// periodStart truncates to the first day of the month, the billing period.
func periodStart(at time.Time) time.Time {
	at = at.UTC()
	return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Tracker meters usage.
type Tracker struct {
	pool *pgxpool.Pool
}

// NewTracker creates a Tracker.
func NewTracker(pool *pgxpool.Pool) *Tracker {
	return &Tracker{pool: pool}
}

// Increment atomically bumps the counter for the current period and reports
// (used, effective_limit, exceeded). The effective limit is the plan cap
// plus any granted extra. ErrQuotaExceeded is returned alongside the
// counters when the new total crosses the limit.
func (t *Tracker) Increment(ctx context.Context, userID, resource string, amount, limit int64) (used, effectiveLimit int64, err error) {
	var extra int64
	err = t.pool.QueryRow(ctx, `
		INSERT INTO usage_tracking (user_id, resource_type, period_start, used, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, resource_type, period_start) DO UPDATE SET
			used = usage_tracking.used + EXCLUDED.used,
			updated_at = now()
		RETURNING used, granted_extra`,
		userID, resource, periodStart(time.Now()), amount).Scan(&used, &extra)
	if err != nil {
		return 0, 0, fmt.Errorf("usage: increment: %w", err)
	}

	effectiveLimit = limit
	if limit != Unlimited {
		effectiveLimit = limit + extra
	}
	if exceeded(used, effectiveLimit) {
		return used, effectiveLimit, ErrQuotaExceeded
	}
	return used, effectiveLimit, nil
}

// Used reads the current-period counter without writing.
func (t *Tracker) Used(ctx context.Context, userID, resource string) (int64, error) {
	var used int64
	err := t.pool.QueryRow(ctx, `
		SELECT used FROM usage_tracking
		WHERE user_id = $1 AND resource_type = $2 AND period_start = $3`,
		userID, resource, periodStart(time.Now())).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage: read: %w", err)
	}
	return used, nil
}

// CheckQuota reports whether the user still has headroom for the resource
// under their plan. It never writes; the worker calls it before dispatch.
func (t *Tracker) CheckQuota(ctx context.Context, userID, plan, resource string) (bool, error) {
	limit := PlanCap(plan, resource)
	if limit == Unlimited {
		return true, nil
	}
	var used, extra int64
	err := t.pool.QueryRow(ctx, `
		SELECT used, granted_extra FROM usage_tracking
		WHERE user_id = $1 AND resource_type = $2 AND period_start = $3`,
		userID, resource, periodStart(time.Now())).Scan(&used, &extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return limit > 0, nil
	}
	if err != nil {
		return false, fmt.Errorf("usage: check quota: %w", err)
	}
	return used < limit+extra, nil
}

// GrantExtra adds one-off headroom to the current period, as after a
// top-up purchase.
func (t *Tracker) GrantExtra(ctx context.Context, userID, resource string, amount int64) error {
	_, err := t.pool.Exec(ctx, `
		INSERT INTO usage_tracking (user_id, resource_type, period_start, granted_extra, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, resource_type, period_start) DO UPDATE SET
			granted_extra = usage_tracking.granted_extra + EXCLUDED.granted_extra,
			updated_at = now()`,
		userID, resource, periodStart(time.Now()), amount)
	if err != nil {
		return fmt.Errorf("usage: grant extra: %w", err)
	}
	return nil
}

// UserPlan resolves a user's plan from stripe_customers, defaulting to free.
func (t *Tracker) UserPlan(ctx context.Context, userID string) (string, error) {
	var plan string
	err := t.pool.QueryRow(ctx,
		"SELECT plan FROM stripe_customers WHERE user_id = $1", userID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return PlanFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("usage: resolve plan: %w", err)
	}
	return plan, nil
}

func exceeded(used, limit int64) bool {
	return limit != Unlimited && used > limit
}
