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
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/agent"
	"github.com/percolationlabs/percolate/internal/memory"
	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store"
)

const (
	// Phase 1 bounds.
	dreamMaxSessions = 10
	excerptMaxLen    = 500

	// Phase 2 context bounds.
	dreamMaxMoments      = 50
	dreamContextSessions = 5
	dreamMaxMessages     = 20
	dreamMaxFiles        = 10
	dreamMaxResources    = 10
	dreamMaxOutput       = 8

	// Context is capped at roughly 30% of a 128k-token window, using the
	// same chars/4 heuristic the memory service uses for accounting.
	dreamContextChars = 128_000 * 4 * 30 / 100

	dreamAgentName = "dreamer"
)

// DreamMoment is one consolidated insight produced by the dreaming agent.
type DreamMoment struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	// AffinityFragments name related entities by KV key.
	AffinityFragments []string `json:"affinity_fragments,omitempty"`
	// Sources reference the entities this insight was dreamed from, as
	// "table:id" pairs.
	Sources []string `json:"sources,omitempty"`
}

// Dreamer handles dreaming tasks: phase 1 compacts recent sessions into
// chunk moments without the model; phase 2 asks a structured-output agent
// to consolidate bounded context into dream moments.
type Dreamer struct {
	entities *store.Store
	memory   *memory.Service
	runner   *agent.Runner
	log      *zap.SugaredLogger
}

// NewDreamer creates a Dreamer. A nil runner disables phase 2.
func NewDreamer(entities *store.Store, mem *memory.Service, runner *agent.Runner, log *zap.SugaredLogger) *Dreamer {
	return &Dreamer{entities: entities, memory: mem, runner: runner, log: log}
}

// Handle runs both phases for the task's user.
func (d *Dreamer) Handle(ctx context.Context, task *queue.Task) (map[string]any, error) {
	if task.UserID == "" {
		return nil, fmt.Errorf("worker: dreaming task %s has no user", task.ID)
	}

	compacted, err := d.momentizeSessions(ctx, task.UserID)
	if err != nil {
		return nil, err
	}

	result := map[string]any{"compacted_sessions": compacted}
	if d.runner == nil {
		return result, nil
	}

	dreams, tokens, err := d.dream(ctx, task.TenantID, task.UserID)
	if err != nil {
		return nil, err
	}
	result["dreams"] = len(dreams)
	result["tokens"] = tokens
	return result, nil
}

// --- phase 1 ----------------------------------------------------------------

// momentizeSessions builds session_chunk moments for the user's most
// recently updated non-dreaming sessions, enriching each chunk summary
// with resource excerpts from upload moments in the window.
func (d *Dreamer) momentizeSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := d.entities.Find(ctx, "sessions", store.FindFilter{
		UserID:  userID,
		OrderBy: "updated_at DESC",
		Limit:   dreamMaxSessions,
	})
	if err != nil {
		return 0, err
	}

	compacted := 0
	for _, session := range sessions {
		if session.StringField("mode") == "dreaming" {
			continue
		}
		moment, err := d.memory.BuildMoment(ctx, session.ID)
		if errors.Is(err, memory.ErrNothingToCompact) {
			continue
		}
		if err != nil {
			return compacted, fmt.Errorf("worker: momentize session %s: %w", session.ID, err)
		}
		if err := d.enrichWithExcerpts(ctx, userID, moment); err != nil {
			return compacted, err
		}
		compacted++
	}
	return compacted, nil
}

// enrichWithExcerpts appends upload-moment excerpts to a fresh chunk so
// phase 2 sees document context alongside conversation.
func (d *Dreamer) enrichWithExcerpts(ctx context.Context, userID string, moment *store.Entity) error {
	uploads, err := d.entities.Find(ctx, "moments", store.FindFilter{
		UserID:  userID,
		Fields:  map[string]any{"moment_type": memory.MomentContentUpload},
		OrderBy: "created_at DESC",
		Limit:   3,
	})
	if err != nil {
		return err
	}
	if len(uploads) == 0 {
		return nil
	}

	var excerpts []string
	for _, upload := range uploads {
		excerpt := upload.StringField("summary")
		if len(excerpt) > excerptMaxLen {
			excerpt = excerpt[:excerptMaxLen]
		}
		excerpts = append(excerpts, excerpt)
	}

	moment.SetField("summary",
		moment.StringField("summary")+"\n\n[Uploads]\n"+strings.Join(excerpts, "\n"))
	if err := d.entities.Upsert(ctx, moment); err != nil {
		return fmt.Errorf("worker: enrich moment %s: %w", moment.ID, err)
	}
	return nil
}

// --- phase 2 ----------------------------------------------------------------

// dream gathers bounded context, runs the dreaming agent, and persists the
// resulting dream moments with their edges.
func (d *Dreamer) dream(ctx context.Context, tenantID, userID string) ([]DreamMoment, int64, error) {
	contextText, err := d.gatherContext(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	if contextText == "" {
		return nil, 0, nil
	}

	result, err := d.runner.Run(ctx, agent.Request{
		Agent:    dreamAgentName,
		UserID:   userID,
		TenantID: tenantID,
		Input:    contextText,
	}, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("worker: dreaming agent: %w", err)
	}

	dreams, err := parseDreams(result.Structured)
	if err != nil {
		return nil, 0, err
	}
	if len(dreams) > dreamMaxOutput {
		dreams = dreams[:dreamMaxOutput]
	}

	for _, dream := range dreams {
		if err := d.persistDream(ctx, tenantID, userID, dream); err != nil {
			return nil, 0, err
		}
	}
	tokens := int64(result.Usage.InputTokens + result.Usage.OutputTokens)
	return dreams, tokens, nil
}

// gatherContext assembles the bounded context block: recent moments,
// recent session tails, recent files, and referenced resources.
func (d *Dreamer) gatherContext(ctx context.Context, userID string) (string, error) {
	var b strings.Builder

	moments, err := d.entities.Find(ctx, "moments", store.FindFilter{
		UserID:  userID,
		OrderBy: "created_at DESC",
		Limit:   dreamMaxMoments,
	})
	if err != nil {
		return "", err
	}
	for _, m := range moments {
		if b.Len() >= dreamContextChars {
			break
		}
		fmt.Fprintf(&b, "[moment %s] %s\n", m.Name, m.StringField("summary"))
	}

	sessions, err := d.entities.Find(ctx, "sessions", store.FindFilter{
		UserID:  userID,
		OrderBy: "updated_at DESC",
		Limit:   dreamContextSessions,
	})
	if err != nil {
		return "", err
	}
	for _, session := range sessions {
		messages, err := d.entities.Find(ctx, "messages", store.FindFilter{
			Fields:  map[string]any{"session_id": session.ID},
			OrderBy: "created_at DESC",
			Limit:   dreamMaxMessages,
		})
		if err != nil {
			return "", err
		}
		for i := len(messages) - 1; i >= 0; i-- {
			if b.Len() >= dreamContextChars {
				break
			}
			m := messages[i]
			t := m.StringField("message_type")
			if t == memory.TypeToolCall || t == memory.TypeToolResponse {
				continue
			}
			fmt.Fprintf(&b, "[%s %s] %s\n", session.ID[:8], t, m.StringField("content"))
		}
	}

	files, err := d.entities.Find(ctx, "files", store.FindFilter{
		UserID:  userID,
		OrderBy: "updated_at DESC",
		Limit:   dreamMaxFiles,
	})
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if b.Len() >= dreamContextChars {
			break
		}
		fmt.Fprintf(&b, "[file] %s (%s)\n", f.Name, f.StringField("processing_status"))
	}

	resources, err := d.entities.Find(ctx, "resources", store.FindFilter{
		UserID:  userID,
		OrderBy: "updated_at DESC",
		Limit:   dreamMaxResources,
	})
	if err != nil {
		return "", err
	}
	// Direct-scoped resources first, then resources referenced by moment
	// edges; the first occurrence of an id wins.
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		if b.Len() >= dreamContextChars {
			break
		}
		seen[r.ID] = true
		writeResource(&b, r)
	}
	for _, m := range moments {
		for _, edge := range m.GraphEdges {
			if b.Len() >= dreamContextChars {
				break
			}
			id, ok := strings.CutPrefix(edge.Target, "resources/")
			if !ok || seen[id] || len(seen) >= 2*dreamMaxResources {
				continue
			}
			r, err := d.entities.Get(ctx, "resources", id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", err
			}
			seen[id] = true
			writeResource(&b, r)
		}
	}

	return b.String(), nil
}

func writeResource(b *strings.Builder, r *store.Entity) {
	excerpt := r.StringField("content")
	if len(excerpt) > excerptMaxLen {
		excerpt = excerpt[:excerptMaxLen]
	}
	fmt.Fprintf(b, "[resource %s] %s\n", r.Name, excerpt)
}

// persistDream writes one dream moment and merges dreamed_from back-edges
// onto each source row. Back-edges go through the source tables, never the
// KV index.
func (d *Dreamer) persistDream(ctx context.Context, tenantID, userID string, dream DreamMoment) error {
	sources := parseSources(dream.Sources)
	edges := dreamEdges(dream, sources)

	moment := &store.Entity{
		ID:         store.DeterministicID("moments", dream.Name, userID),
		Table:      "moments",
		Name:       dream.Name,
		TenantID:   tenantID,
		UserID:     userID,
		GraphEdges: edges,
	}
	moment.SetField("moment_type", memory.MomentDream)
	moment.SetField("summary", dream.Summary)
	if err := d.entities.Upsert(ctx, moment); err != nil {
		return fmt.Errorf("worker: persist dream %s: %w", dream.Name, err)
	}

	for _, src := range sources {
		err := d.entities.MergeEdgesInto(ctx, src.table, src.id, []store.GraphEdge{
			{Target: moment.ID, Relation: "dreamed_from"},
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("worker: back-edge %s/%s: %w", src.table, src.id, err)
		}
	}
	return nil
}

type sourceRef struct {
	table string
	id    string
}

// dreamEdges builds a dream moment's edge list: affinity edges to the KV
// keys the agent named, plus a dreamed_from edge per source entity.
func dreamEdges(dream DreamMoment, sources []sourceRef) []store.GraphEdge {
	edges := make([]store.GraphEdge, 0, len(dream.AffinityFragments)+len(sources))
	for _, key := range dream.AffinityFragments {
		edges = append(edges, store.GraphEdge{Target: key, Relation: "affinity"})
	}
	for _, src := range sources {
		edges = append(edges, store.GraphEdge{Target: src.id, Relation: "dreamed_from"})
	}
	return edges
}

// parseSources splits "table:id" references, dropping malformed entries
// and deduplicating by id.
func parseSources(refs []string) []sourceRef {
	seen := map[string]bool{}
	var out []sourceRef
	for _, ref := range refs {
		table, id, ok := strings.Cut(ref, ":")
		if !ok || table == "" || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, sourceRef{table: table, id: id})
	}
	return out
}

// parseDreams reads the agent's structured output: {"moments": [...]}.
func parseDreams(structured map[string]any) ([]DreamMoment, error) {
	raw, ok := structured["moments"]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("worker: encode dream output: %w", err)
	}
	var dreams []DreamMoment
	if err := json.Unmarshal(data, &dreams); err != nil {
		return nil, fmt.Errorf("worker: parse dream output: %w", err)
	}
	return dreams, nil
}
