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

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/agent"
	"github.com/percolationlabs/percolate/internal/memory"
	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store"
)

const (
	newsAgentName    = "news-curator"
	readingAgentName = "reading-summarizer"
)

// Enricher handles the small structured-output agent tasks: news digests
// and reading summaries.
type Enricher struct {
	entities *store.Store
	runner   *agent.Runner
	log      *zap.SugaredLogger
}

// NewEnricher creates an Enricher.
func NewEnricher(entities *store.Store, runner *agent.Runner, log *zap.SugaredLogger) *Enricher {
	return &Enricher{entities: entities, runner: runner, log: log}
}

// HandleNews produces a daily news digest moment for a user from their
// declared interests.
func (e *Enricher) HandleNews(ctx context.Context, task *queue.Task) (map[string]any, error) {
	if task.UserID == "" {
		return nil, fmt.Errorf("worker: news task %s has no user", task.ID)
	}
	user, err := e.entities.Get(ctx, "users", task.UserID)
	if err != nil {
		return nil, fmt.Errorf("worker: load user %s: %w", task.UserID, err)
	}

	interests := stringList(user.Metadata["interests"])
	if len(interests) == 0 {
		return map[string]any{"skipped": "no interests"}, nil
	}

	result, err := e.runner.Run(ctx, agent.Request{
		Agent:    newsAgentName,
		UserID:   task.UserID,
		TenantID: task.TenantID,
		Input:    "Interests: " + strings.Join(interests, ", "),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("worker: news agent: %w", err)
	}

	summary, _ := result.Structured["summary"].(string)
	if summary == "" {
		summary = result.Content
	}

	name := fmt.Sprintf("news-%s", time.Now().UTC().Format("20060102"))
	moment := &store.Entity{
		ID:       store.DeterministicID("moments", name, task.UserID),
		Table:    "moments",
		Name:     name,
		TenantID: task.TenantID,
		UserID:   task.UserID,
		Metadata: map[string]any{"interests": interests},
	}
	moment.SetField("moment_type", memory.MomentContentUpload)
	moment.SetField("summary", summary)
	if err := e.entities.Upsert(ctx, moment); err != nil {
		return nil, fmt.Errorf("worker: persist news moment: %w", err)
	}

	return map[string]any{
		"moment": moment.Name,
		"tokens": result.Usage.InputTokens + result.Usage.OutputTokens,
	}, nil
}

// HandleReadingSummary fills in the summary of one reading moment from its
// collected items. Payload: {"moment_id": ...}.
func (e *Enricher) HandleReadingSummary(ctx context.Context, task *queue.Task) (map[string]any, error) {
	momentID, _ := task.Payload["moment_id"].(string)
	if momentID == "" {
		return nil, fmt.Errorf("worker: reading task %s missing moment_id", task.ID)
	}

	moment, err := e.entities.Get(ctx, "moments", momentID)
	if err != nil {
		return nil, fmt.Errorf("worker: load moment %s: %w", momentID, err)
	}
	if moment.StringField("summary") != "" {
		return map[string]any{"skipped": "already summarized"}, nil
	}

	items := stringList(moment.Metadata["items"])
	if len(items) == 0 {
		return map[string]any{"skipped": "no items"}, nil
	}

	result, err := e.runner.Run(ctx, agent.Request{
		Agent:    readingAgentName,
		UserID:   task.UserID,
		TenantID: task.TenantID,
		Input:    "Reading list:\n- " + strings.Join(items, "\n- "),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("worker: reading agent: %w", err)
	}

	summary, _ := result.Structured["summary"].(string)
	if summary == "" {
		summary = result.Content
	}

	moment.SetField("summary", summary)
	if err := e.entities.Upsert(ctx, moment); err != nil {
		return nil, fmt.Errorf("worker: persist reading summary: %w", err)
	}

	return map[string]any{
		"moment": moment.Name,
		"tokens": result.Usage.InputTokens + result.Usage.OutputTokens,
	}, nil
}

// HandleNotification fires a scheduled reminder: it writes a notification
// moment linked to the reminder and stamps the reminder as delivered.
// Payload: {"moment_id": ...}.
func (e *Enricher) HandleNotification(ctx context.Context, task *queue.Task) (map[string]any, error) {
	momentID, _ := task.Payload["moment_id"].(string)
	if momentID == "" {
		return nil, fmt.Errorf("worker: notification task %s missing moment_id", task.ID)
	}

	reminder, err := e.entities.Get(ctx, "moments", momentID)
	if err != nil {
		return nil, fmt.Errorf("worker: load reminder %s: %w", momentID, err)
	}
	if _, done := reminder.Metadata["notified_at"]; done {
		return map[string]any{"skipped": "already notified"}, nil
	}

	now := time.Now().UTC()
	name := "notify-" + reminder.Name
	notification := &store.Entity{
		ID:       store.DeterministicID("moments", name, task.UserID),
		Table:    "moments",
		Name:     name,
		TenantID: task.TenantID,
		UserID:   task.UserID,
		GraphEdges: []store.GraphEdge{
			{Target: "moments/" + reminder.ID, Relation: "notifies"},
		},
	}
	notification.SetField("moment_type", memory.MomentNotification)
	notification.SetField("summary", "Reminder: "+reminder.StringField("summary"))
	if err := e.entities.Upsert(ctx, notification); err != nil {
		return nil, fmt.Errorf("worker: persist notification: %w", err)
	}

	if reminder.Metadata == nil {
		reminder.Metadata = map[string]any{}
	}
	reminder.Metadata["notified_at"] = now.Format(time.RFC3339Nano)
	if err := e.entities.Upsert(ctx, reminder); err != nil {
		return nil, fmt.Errorf("worker: stamp reminder %s: %w", momentID, err)
	}

	e.log.Infow("reminder fired", "reminder", reminder.Name, "user", task.UserID)
	return map[string]any{"notification": name}, nil
}

// stringList reads a metadata value that may arrive as []string or, after
// a JSONB round trip, []any.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		// Tolerate a JSON-encoded array stored as text.
		var out []string
		if json.Unmarshal([]byte(list), &out) == nil {
			return out
		}
		return nil
	default:
		return nil
	}
}
