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

package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/percolationlabs/percolate/internal/store"
)

// Moment type discriminators.
const (
	MomentSessionChunk  = "session_chunk"
	MomentContentUpload = "content_upload"
	MomentDream         = "dream"
	MomentReading       = "reading"
	MomentReminder      = "reminder"
	MomentNotification  = "notification"
	MomentDailySummary  = "daily_summary"
)

// ErrNothingToCompact indicates no messages have accumulated since the last
// chunk, or too few tokens to cross the threshold.
var ErrNothingToCompact = errors.New("nothing to compact")

const (
	summaryMaxLen        = 2000
	sessionSummaryPrefix = 200
)

// chunkName derives the deterministic moment name for one session chunk.
func chunkName(sessionID string, day time.Time, index int) string {
	digest := sha256.Sum256([]byte(sessionID))
	return fmt.Sprintf("session-%s-%s-chunk-%d",
		hex.EncodeToString(digest[:])[:6], day.Format("20060102"), index)
}

// lastChunk returns the most recent session_chunk for a session, or nil.
func (s *Service) lastChunk(ctx context.Context, sessionID string) (*store.Entity, error) {
	chunks, err := s.recentChunks(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

// tokensSinceLastMoment sums message tokens not yet covered by a chunk.
func (s *Service) tokensSinceLastMoment(ctx context.Context, sessionID string) (int, error) {
	last, err := s.lastChunk(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	since := time.Time{}
	if last != nil {
		if maxTS, ok := parseMetaTime(last.Metadata, "max_ts"); ok {
			since = maxTS
		}
	}

	messages, err := s.loadMessages(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range messages {
		if m.CreatedAt.After(since) {
			total += messageTokens(m)
		}
	}
	return total, nil
}

// BuildMoment compacts the messages accumulated since the last chunk into
// a session_chunk moment. Deterministic name and id make the operation
// idempotent and safe to retry; identical history yields the identical row.
func (s *Service) BuildMoment(ctx context.Context, sessionID string) (*store.Entity, error) {
	session, err := s.entities.Get(ctx, "sessions", sessionID)
	if err != nil {
		return nil, err
	}

	last, err := s.lastChunk(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	since := time.Time{}
	index := 0
	var previousKeys []any
	if last != nil {
		if maxTS, ok := parseMetaTime(last.Metadata, "max_ts"); ok {
			since = maxTS
		}
		index = intFromMeta(last.Metadata, "chunk_index") + 1
		previousKeys = []any{last.Name}
	}

	messages, err := s.loadMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var (
		count      int
		tokenSum   int
		minTS      time.Time
		maxTS      time.Time
		assistants []string
	)
	for _, m := range messages {
		if !m.CreatedAt.After(since) {
			continue
		}
		count++
		tokenSum += messageTokens(m)
		if minTS.IsZero() || m.CreatedAt.Before(minTS) {
			minTS = m.CreatedAt
		}
		if m.CreatedAt.After(maxTS) {
			maxTS = m.CreatedAt
		}
		if m.StringField("message_type") == TypeAssistant {
			assistants = append(assistants, m.StringField("content"))
		}
	}
	if count == 0 {
		return nil, ErrNothingToCompact
	}
	if s.opts.MomentThreshold > 0 && tokenSum < s.opts.MomentThreshold {
		return nil, ErrNothingToCompact
	}

	summary := strings.Join(assistants, "\n")
	if len(summary) > summaryMaxLen {
		summary = summary[:summaryMaxLen]
	}

	name := chunkName(sessionID, minTS.UTC(), index)
	moment := &store.Entity{
		ID:       store.DeterministicID("moments", name, ""),
		Table:    "moments",
		Name:     name,
		TenantID: session.TenantID,
		UserID:   session.UserID,
		Tags:     []string{"session:" + sessionID},
		Metadata: map[string]any{
			"session_id":    sessionID,
			"chunk_index":   index,
			"message_count": count,
			"token_sum":     tokenSum,
			"min_ts":        minTS.UTC().Format(time.RFC3339Nano),
			"max_ts":        maxTS.UTC().Format(time.RFC3339Nano),
		},
		GraphEdges: []store.GraphEdge{
			{Target: sessionID, Relation: "summarizes"},
		},
	}
	moment.SetField("moment_type", MomentSessionChunk)
	moment.SetField("summary", summary)
	moment.SetField("previous_moment_keys", previousKeys)
	if err := s.entities.Upsert(ctx, moment); err != nil {
		return nil, err
	}

	latestSummary := summary
	if len(latestSummary) > sessionSummaryPrefix {
		latestSummary = latestSummary[:sessionSummaryPrefix]
	}
	session.Metadata = map[string]any{
		"latest_moment_id": moment.ID,
		"latest_summary":   latestSummary,
		"moment_count":     index + 1,
	}
	if err := s.entities.Upsert(ctx, session); err != nil {
		return nil, err
	}

	s.log.Infow("built session chunk", "session", sessionID, "moment", name, "messages", count, "tokens", tokenSum)
	return moment, nil
}

func intFromMeta(metadata map[string]any, key string) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// --- feed -------------------------------------------------------------------

// FeedFilter controls Feed reads.
type FeedFilter struct {
	From time.Time
	To   time.Time
	// IncludeFuture includes moments with starts_timestamp past now
	// (reminders). Excluded by default.
	IncludeFuture bool
	Limit         int
}

// Feed lists a user's moments in the window, newest first. Future-dated
// moments (reminders) are excluded unless requested.
func (s *Service) Feed(ctx context.Context, userID string, filter FeedFilter) ([]*store.Entity, error) {
	moments, err := s.entities.Find(ctx, "moments", store.FindFilter{
		UserID:  userID,
		OrderBy: "created_at DESC",
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []*store.Entity
	for _, m := range moments {
		if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && m.CreatedAt.After(filter.To) {
			continue
		}
		if !filter.IncludeFuture {
			if starts, ok := momentStarts(m); ok && starts.After(now) {
				continue
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func momentStarts(m *store.Entity) (time.Time, bool) {
	switch v := m.Field("starts_timestamp").(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

// DailySummary is the synthetic per-day feed row.
type DailySummary struct {
	ID             string
	UserID         string
	Date           time.Time
	MessageCount   int
	TotalTokens    int
	SessionCount   int
	MomentCount    int
	ReminderCount  int
	ResourceCounts map[string]int
	SessionIDs     []string
}

// DailySummaries synthesises one row per date with activity in the window.
// Ids derive from (user, date) so a client can open an idempotent "today"
// chat against the same identity every time.
func (s *Service) DailySummaries(ctx context.Context, userID string, from, to time.Time) ([]DailySummary, error) {
	const query = `
		WITH msg AS (
			SELECT date_trunc('day', created_at)::date AS day,
			       count(*) AS message_count,
			       coalesce(sum(input_tokens + output_tokens), 0) AS total_tokens,
			       count(DISTINCT session_id) AS session_count,
			       array_agg(DISTINCT session_id::text) AS session_ids
			FROM messages
			WHERE user_id = $1 AND deleted_at IS NULL
			  AND created_at >= $2 AND created_at < $3
			GROUP BY 1
		), mom AS (
			SELECT date_trunc('day', created_at)::date AS day,
			       count(*) FILTER (WHERE moment_type <> 'reminder') AS moment_count,
			       count(*) FILTER (WHERE moment_type = 'reminder') AS reminder_count
			FROM moments
			WHERE user_id = $1 AND deleted_at IS NULL
			  AND created_at >= $2 AND created_at < $3
			GROUP BY 1
		), res AS (
			SELECT date_trunc('day', created_at)::date AS day,
			       jsonb_object_agg(coalesce(category, 'uncategorized'), n) AS resource_counts
			FROM (
				SELECT created_at, category, count(*) OVER (PARTITION BY date_trunc('day', created_at), category) AS n
				FROM resources
				WHERE user_id = $1 AND deleted_at IS NULL
				  AND created_at >= $2 AND created_at < $3 AND category IS NOT NULL
			) r
			GROUP BY 1
		)
		SELECT coalesce(msg.day, mom.day, res.day) AS day,
		       coalesce(msg.message_count, 0), coalesce(msg.total_tokens, 0),
		       coalesce(msg.session_count, 0), coalesce(msg.session_ids, '{}'),
		       coalesce(mom.moment_count, 0), coalesce(mom.reminder_count, 0),
		       coalesce(res.resource_counts, '{}'::jsonb)
		FROM msg
		FULL OUTER JOIN mom ON mom.day = msg.day
		FULL OUTER JOIN res ON res.day = coalesce(msg.day, mom.day)
		ORDER BY day DESC`

	rows, err := s.pool.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("memory: daily summaries: %w", err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var (
			d          DailySummary
			countsJSON []byte
		)
		err := rows.Scan(&d.Date, &d.MessageCount, &d.TotalTokens, &d.SessionCount,
			&d.SessionIDs, &d.MomentCount, &d.ReminderCount, &countsJSON)
		if err != nil {
			return nil, fmt.Errorf("memory: scan daily summary: %w", err)
		}
		d.UserID = userID
		d.ID = store.DeterministicID("daily_summary", d.Date.Format("2006-01-02"), userID)
		d.ResourceCounts = map[string]int{}
		for k, v := range parseCounts(countsJSON) {
			d.ResourceCounts[k] = v
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate daily summaries: %w", err)
	}
	return out, nil
}

func parseCounts(data []byte) map[string]int {
	raw := map[string]any{}
	out := map[string]int{}
	if len(data) == 0 {
		return out
	}
	_ = json.Unmarshal(data, &raw)
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = int(f)
		}
	}
	return out
}

// CreateReminder persists a future-dated reminder moment and returns it.
// The caller schedules the notification task for starts.
func (s *Service) CreateReminder(ctx context.Context, tenantID, userID, name, summary string, starts time.Time) (*store.Entity, error) {
	moment := &store.Entity{
		ID:       store.DeterministicID("moments", name, userID),
		Table:    "moments",
		Name:     name,
		TenantID: tenantID,
		UserID:   userID,
	}
	moment.SetField("moment_type", MomentReminder)
	moment.SetField("summary", summary)
	moment.SetField("starts_timestamp", starts.UTC())
	if err := s.entities.Upsert(ctx, moment); err != nil {
		return nil, err
	}
	return moment, nil
}
