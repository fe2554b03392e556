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

// Package memory implements the chat-turn contract: turn persistence with
// pre-allocated message ids, budgeted context loading with moment
// breadcrumbs, and session-chunk moment compaction.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/internal/store"
)

// Message type discriminators on message rows.
const (
	TypeUser         = "user"
	TypeAssistant    = "assistant"
	TypeToolCall     = "tool_call"
	TypeToolResponse = "tool_response"
	TypeSystem       = "system"
)

// Options tune the memory service.
type Options struct {
	// TokenBudget caps the context window loaded per turn.
	TokenBudget int
	// AlwaysLastN messages are included regardless of budget.
	AlwaysLastN int
	// MomentThreshold triggers session-chunk compaction once that many
	// tokens are uncovered by moments. Zero disables compaction.
	MomentThreshold int
}

// Service implements the memory contract over the entity store.
type Service struct {
	entities *store.Store
	pool     *pgxpool.Pool
	opts     Options
	log      *zap.SugaredLogger
}

// NewService creates a Service.
func NewService(entities *store.Store, opts Options, log *zap.SugaredLogger) *Service {
	return &Service{entities: entities, pool: entities.Pool(), opts: opts, log: log}
}

// ToolExchange is one tool_call/tool_response pair within a turn. ID is the
// correlation id shared by both rows.
type ToolExchange struct {
	ID        string
	Name      string
	Arguments string
	Response  string
}

// Turn is the input to PersistTurn.
type Turn struct {
	SessionID        string
	TenantID         string
	UserID           string
	AgentName        string
	Model            string
	UserContent      string
	AssistantContent string
	Tools            []ToolExchange
	Usage            llm.Usage
	LatencyMS        int

	// Pre-allocated ids; generated when empty. The assistant id must exist
	// before encryption so the ciphertext binds to the row.
	UserMessageID      string
	AssistantMessageID string
}

// approxTokens is the chars/4 heuristic used for session accounting. The
// provider-reported count on the assistant row stays authoritative for
// billing.
func approxTokens(s string) int {
	return len(s) / 4
}

// PersistTurn writes one chat turn: the user row, interleaved tool rows,
// then the assistant row, in one strictly increasing timestamp sequence.
// Session token totals are bumped and compaction is triggered past the
// moment threshold.
func (s *Service) PersistTurn(ctx context.Context, turn *Turn) error {
	if turn.SessionID == "" {
		return fmt.Errorf("memory: session id is required")
	}
	if turn.UserMessageID == "" {
		turn.UserMessageID = store.NewID()
	}
	if turn.AssistantMessageID == "" {
		turn.AssistantMessageID = store.NewID()
	}

	base := time.Now().UTC()
	seq := 0
	stamp := func() time.Time {
		t := base.Add(time.Duration(seq) * time.Microsecond)
		seq++
		return t
	}

	newMessage := func(id, msgType, content string) *store.Entity {
		e := &store.Entity{
			ID:        id,
			Table:     "messages",
			TenantID:  turn.TenantID,
			UserID:    turn.UserID,
			CreatedAt: stamp(),
		}
		e.SetField("session_id", turn.SessionID)
		e.SetField("message_type", msgType)
		e.SetField("content", content)
		return e
	}

	// The whole turn lands in one transaction: a failure mid-sequence must
	// not leave a user row without its assistant, or a stale token total.
	err := s.entities.WithTx(ctx, func(tx pgx.Tx) error {
		userMsg := newMessage(turn.UserMessageID, TypeUser, turn.UserContent)
		if err := s.entities.UpsertTx(ctx, tx, userMsg); err != nil {
			return fmt.Errorf("memory: persist user message: %w", err)
		}

		for _, tool := range turn.Tools {
			correlation := tool.ID
			if correlation == "" {
				correlation = store.NewID()
			}

			call := newMessage(store.NewID(), TypeToolCall, tool.Arguments)
			call.SetField("tool_call_id", correlation)
			call.SetField("tool_calls", []any{map[string]any{"id": correlation, "name": tool.Name}})
			if err := s.entities.UpsertTx(ctx, tx, call); err != nil {
				return fmt.Errorf("memory: persist tool call: %w", err)
			}

			response := newMessage(store.NewID(), TypeToolResponse, tool.Response)
			response.SetField("tool_call_id", correlation)
			if err := s.entities.UpsertTx(ctx, tx, response); err != nil {
				return fmt.Errorf("memory: persist tool response: %w", err)
			}
		}

		assistant := newMessage(turn.AssistantMessageID, TypeAssistant, turn.AssistantContent)
		assistant.SetField("input_tokens", turn.Usage.InputTokens)
		assistant.SetField("output_tokens", turn.Usage.OutputTokens)
		assistant.SetField("latency_ms", turn.LatencyMS)
		assistant.SetField("model", turn.Model)
		assistant.SetField("agent_name", turn.AgentName)
		if len(turn.Tools) > 0 {
			calls := make([]any, 0, len(turn.Tools))
			for _, tool := range turn.Tools {
				calls = append(calls, map[string]any{"id": tool.ID, "name": tool.Name})
			}
			assistant.SetField("tool_calls", calls)
		}
		if err := s.entities.UpsertTx(ctx, tx, assistant); err != nil {
			return fmt.Errorf("memory: persist assistant message: %w", err)
		}

		delta := approxTokens(turn.UserContent) + approxTokens(turn.AssistantContent)
		if _, err := tx.Exec(ctx,
			"UPDATE sessions SET total_tokens = total_tokens + $2, updated_at = now() WHERE id = $1",
			turn.SessionID, delta); err != nil {
			return fmt.Errorf("memory: bump session tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.opts.MomentThreshold > 0 {
		uncovered, err := s.tokensSinceLastMoment(ctx, turn.SessionID)
		if err != nil {
			return err
		}
		if uncovered >= s.opts.MomentThreshold {
			if _, err := s.BuildMoment(ctx, turn.SessionID); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadMessages returns a session's live messages, oldest first.
func (s *Service) loadMessages(ctx context.Context, sessionID string) ([]*store.Entity, error) {
	return s.entities.Find(ctx, "messages", store.FindFilter{
		Fields:  map[string]any{"session_id": sessionID},
		OrderBy: "created_at ASC",
	})
}

// intField tolerates the integer widths pgx and in-process callers produce.
func intField(m *store.Entity, name string) int {
	switch v := m.Field(name).(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func messageTokens(m *store.Entity) int {
	if n := intField(m, "input_tokens") + intField(m, "output_tokens"); n > 0 {
		return n
	}
	return approxTokens(m.StringField("content"))
}

// LoadContext assembles the model-facing history for a session: messages
// newest-first under the token budget (always keeping the last N), returned
// oldest-first, with recent session-chunk moments prepended as system rows
// and budget-evicted assistant turns replaced by lookup breadcrumbs when a
// moment covers them.
func (s *Service) LoadContext(ctx context.Context, sessionID string) ([]llm.Message, error) {
	all, err := s.loadMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Tool rows are skipped on replay; the assistant text reflects them.
	var replayable []*store.Entity
	for _, m := range all {
		t := m.StringField("message_type")
		if t == TypeToolCall || t == TypeToolResponse {
			continue
		}
		replayable = append(replayable, m)
	}

	keep := selectWithinBudget(replayable, s.opts.TokenBudget, s.opts.AlwaysLastN)

	moments, err := s.recentChunks(ctx, sessionID, 3)
	if err != nil {
		return nil, err
	}

	var out []llm.Message
	for _, moment := range moments {
		out = append(out, llm.Message{
			Role:    TypeSystem,
			Content: fmt.Sprintf("[Memory] %s: %s", moment.Name, moment.StringField("summary")),
		})
	}

	for _, m := range replayable {
		if keep[m.ID] {
			out = append(out, llm.Message{Role: roleFor(m), Content: m.StringField("content")})
			continue
		}
		if m.StringField("message_type") != TypeAssistant {
			continue
		}
		if key := coveringMomentKey(moments, m.CreatedAt); key != "" {
			out = append(out, llm.Message{
				Role:    TypeSystem,
				Content: breadcrumb(m.StringField("content"), key),
			})
		}
	}
	return out, nil
}

// selectWithinBudget walks newest-first, keeping messages until the budget is
// spent. The last N ride along even when the budget is already spent.
func selectWithinBudget(replayable []*store.Entity, budget, alwaysLastN int) map[string]bool {
	keep := make(map[string]bool, len(replayable))
	spent := 0
	for i := len(replayable) - 1; i >= 0; i-- {
		m := replayable[i]
		within := len(replayable)-1-i < alwaysLastN
		cost := messageTokens(m)
		if !within && budget > 0 && spent+cost > budget {
			break
		}
		spent += cost
		keep[m.ID] = true
	}
	for i := len(replayable) - 1; i >= 0 && len(replayable)-1-i < alwaysLastN; i-- {
		keep[replayable[i].ID] = true
	}
	return keep
}

func roleFor(m *store.Entity) string {
	switch m.StringField("message_type") {
	case TypeAssistant:
		return "assistant"
	case TypeSystem:
		return "system"
	default:
		return "user"
	}
}

const breadcrumbHintLen = 200

// breadcrumb compresses an evicted assistant turn into a pointer the model
// can follow with a LOOKUP.
func breadcrumb(content, momentKey string) string {
	hint := content
	if len(hint) > breadcrumbHintLen {
		hint = hint[:breadcrumbHintLen]
	}
	return fmt.Sprintf("[Earlier: %s… → LOOKUP %s]", hint, momentKey)
}

// coveringMomentKey finds the chunk moment whose aggregation window covers
// the timestamp.
func coveringMomentKey(moments []*store.Entity, at time.Time) string {
	for _, moment := range moments {
		minTS, okMin := parseMetaTime(moment.Metadata, "min_ts")
		maxTS, okMax := parseMetaTime(moment.Metadata, "max_ts")
		if okMin && okMax && !at.Before(minTS) && !at.After(maxTS) {
			return moment.Name
		}
	}
	return ""
}

func parseMetaTime(metadata map[string]any, key string) (time.Time, bool) {
	s, ok := metadata[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// recentChunks returns the session's most recent session_chunk moments,
// newest first.
func (s *Service) recentChunks(ctx context.Context, sessionID string, limit int) ([]*store.Entity, error) {
	return s.entities.Find(ctx, "moments", store.FindFilter{
		Fields: map[string]any{
			"moment_type": MomentSessionChunk,
		},
		Tags:    []string{"session:" + sessionID},
		OrderBy: "created_at DESC",
		Limit:   limit,
	})
}
