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

package rem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/kv"
	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/internal/pgutil"
	"github.com/percolationlabs/percolate/internal/store"
)

const (
	defaultLimit         = 10
	defaultFuzzyMinScore = 0.3
)

// Scope narrows results to a tenant and/or user. Applied as a filter on
// every row every mode returns.
type Scope struct {
	TenantID string
	UserID   string
}

// Result is one hit from any mode. Entity is populated on lookup and on
// traverse with LOAD; Row carries raw SQL columns.
type Result struct {
	Key        string
	Table      string
	EntityID   string
	Summary    string
	Metadata   map[string]any
	GraphEdges []store.GraphEdge
	Similarity float64
	Depth      int
	Entity     *store.Entity
	Row        map[string]any
}

// Engine executes parsed queries.
type Engine struct {
	pool          *pgxpool.Pool
	entities      *store.Store
	llm           llm.Client
	minSimilarity float64
	log           *zap.SugaredLogger
}

// NewEngine creates an Engine. minSimilarity is the default SEARCH floor.
func NewEngine(pool *pgxpool.Pool, entities *store.Store, llmClient llm.Client, minSimilarity float64, log *zap.SugaredLogger) *Engine {
	if minSimilarity <= 0 {
		minSimilarity = defaultFuzzyMinScore
	}
	return &Engine{pool: pool, entities: entities, llm: llmClient, minSimilarity: minSimilarity, log: log}
}

// Execute parses and dispatches one query string.
func (e *Engine) Execute(ctx context.Context, input string, scope Scope) ([]Result, error) {
	q, err := Parse(input)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, q, scope)
}

// Run dispatches a parsed query.
func (e *Engine) Run(ctx context.Context, q *Query, scope Scope) ([]Result, error) {
	switch q.Mode {
	case ModeLookup:
		return e.lookup(ctx, q, scope)
	case ModeSearch:
		return e.search(ctx, q, scope)
	case ModeFuzzy:
		return e.fuzzy(ctx, q, scope)
	case ModeTraverse:
		return e.traverse(ctx, q, scope)
	case ModeSQL:
		return e.rawSQL(ctx, q, scope)
	default:
		return nil, fmt.Errorf("rem: unknown mode %q", q.Mode)
	}
}

// --- lookup -----------------------------------------------------------------

const kvColumns = `tenant_id, entity_key, entity_type, entity_id, content_summary, metadata, graph_edges`

func scanKVRow(row pgx.Row) (*Result, error) {
	var r Result
	var tenantID string
	var summary *string
	var metadataJSON, edgesJSON []byte

	err := row.Scan(&tenantID, &r.Key, &r.Table, &r.EntityID, &summary, &metadataJSON, &edgesJSON)
	if err != nil {
		return nil, err
	}
	r.Summary = pgutil.DerefString(summary)
	r.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
	r.GraphEdges = pgutil.UnmarshalJSONBSlice[store.GraphEdge](edgesJSON)
	return &r, nil
}

func (e *Engine) kvGet(ctx context.Context, scope Scope, key string) (*Result, error) {
	normalized := kv.NormalizeKey(key)
	row := e.pool.QueryRow(ctx,
		"SELECT "+kvColumns+" FROM kv_store WHERE tenant_id=$1 AND entity_key=$2",
		scope.TenantID, normalized)
	r, err := scanKVRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rem: kv lookup: %w", err)
	}
	return r, nil
}

func (e *Engine) lookup(ctx context.Context, q *Query, scope Scope) ([]Result, error) {
	r, err := e.kvGet(ctx, scope, q.Text)
	if err != nil || r == nil {
		return nil, err
	}

	entity, err := e.entities.Get(ctx, r.Table, r.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil // index row outlived its source; self-heal pass will drop it
	}
	if err != nil {
		return nil, err
	}
	if !inUserScope(entity.UserID, scope) {
		return nil, nil
	}
	r.Entity = entity
	return []Result{*r}, nil
}

func inUserScope(ownerID string, scope Scope) bool {
	return scope.UserID == "" || ownerID == "" || ownerID == scope.UserID
}

// --- search -----------------------------------------------------------------

func (e *Engine) search(ctx context.Context, q *Query, scope Scope) ([]Result, error) {
	spec, err := e.entities.Registry().Get(ctx, q.Table)
	if err != nil {
		return nil, err
	}
	if !spec.HasEmbeddings {
		return nil, fmt.Errorf("rem: table %s has no embeddings", q.Table)
	}

	vectors, err := e.llm.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("rem: embedding query text: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	minSim := q.MinSimilarity
	if minSim <= 0 {
		minSim = e.minSimilarity
	}

	// The vector parameter appears in both the filter and the ordering, so
	// arguments are positioned by hand here.
	args := []any{pgvector.NewVector(vectors[0]), minSim}
	conds := []string{"src.deleted_at IS NULL", "1 - (e.embedding <=> $1) >= $2"}
	if scope.TenantID != "" {
		args = append(args, scope.TenantID)
		conds = append(conds, fmt.Sprintf("src.tenant_id = $%d", len(args)))
	}
	if scope.UserID != "" {
		args = append(args, scope.UserID)
		conds = append(conds, fmt.Sprintf("(src.user_id IS NULL OR src.user_id = $%d)", len(args)))
	}
	if q.Category != "" {
		args = append(args, q.Category)
		conds = append(conds, fmt.Sprintf("src.category = $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT src.id, src.name, 1 - (e.embedding <=> $1) AS similarity
		FROM embeddings_%[1]s e
		JOIN %[1]s src ON src.id = e.entity_id
		WHERE %[2]s
		ORDER BY e.embedding <=> $1 ASC
		LIMIT $%[3]d`, spec.Name, strings.Join(conds, " AND "), len(args))

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rem: search %s: %w", q.Table, err)
	}
	defer rows.Close()

	type hit struct {
		id, name   string
		similarity float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		var name *string
		if err := rows.Scan(&h.id, &name, &h.similarity); err != nil {
			return nil, fmt.Errorf("rem: scan search hit: %w", err)
		}
		h.name = pgutil.DerefString(name)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rem: iterate search hits: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		entity, err := e.entities.Get(ctx, q.Table, h.id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			Key:        kv.NormalizeKey(h.name),
			Table:      q.Table,
			EntityID:   h.id,
			Summary:    entity.Name,
			Metadata:   entity.Metadata,
			GraphEdges: entity.GraphEdges,
			Similarity: h.similarity,
			Entity:     entity,
		})
	}
	return results, nil
}

// --- fuzzy ------------------------------------------------------------------

func (e *Engine) fuzzy(ctx context.Context, q *Query, scope Scope) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	const scoreExpr = "GREATEST(similarity(entity_key, $1), similarity(coalesce(content_summary, ''), $1))"

	args := []any{q.Text, defaultFuzzyMinScore}
	conds := []string{scoreExpr + " >= $2"}
	if scope.TenantID != "" {
		args = append(args, scope.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s, %s AS score
		FROM kv_store
		WHERE %s
		ORDER BY score DESC, entity_key ASC
		LIMIT $%d`, kvColumns, scoreExpr, strings.Join(conds, " AND "), len(args))

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rem: fuzzy: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var tenantID string
		var summary *string
		var metadataJSON, edgesJSON []byte
		if err := rows.Scan(&tenantID, &r.Key, &r.Table, &r.EntityID, &summary, &metadataJSON, &edgesJSON, &r.Similarity); err != nil {
			return nil, fmt.Errorf("rem: scan fuzzy hit: %w", err)
		}
		r.Summary = pgutil.DerefString(summary)
		r.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
		r.GraphEdges = pgutil.UnmarshalJSONBSlice[store.GraphEdge](edgesJSON)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rem: iterate fuzzy hits: %w", err)
	}
	return results, nil
}

// --- traverse ---------------------------------------------------------------

func (e *Engine) traverse(ctx context.Context, q *Query, scope Scope) ([]Result, error) {
	seed, err := e.kvGet(ctx, scope, q.Text)
	if err != nil || seed == nil {
		return nil, err
	}
	seed.Depth = 0

	results := []Result{*seed}
	visited := map[string]bool{seed.Key: true}
	frontier := []*Result{seed}

	for depth := 1; depth <= q.Depth && len(frontier) > 0; depth++ {
		// Collect unvisited edge targets of the frontier. Cycles are broken
		// by the visited set; within a level, targets order by key.
		targetSet := map[string]bool{}
		for _, r := range frontier {
			for _, edge := range r.GraphEdges {
				if q.EdgeType != "" && edge.Relation != q.EdgeType {
					continue
				}
				key := kv.NormalizeKey(edge.Target)
				if key == "" || visited[key] {
					continue
				}
				targetSet[key] = true
			}
		}
		targets := make([]string, 0, len(targetSet))
		for key := range targetSet {
			targets = append(targets, key)
		}
		sort.Strings(targets)

		var next []*Result
		for _, key := range targets {
			visited[key] = true
			r, err := e.kvGet(ctx, scope, key)
			if err != nil {
				return nil, err
			}
			if r == nil {
				continue // dangling edge
			}
			r.Depth = depth
			results = append(results, *r)
			next = append(next, r)
		}
		frontier = next
	}

	if q.Load {
		for i := range results {
			entity, err := e.entities.Get(ctx, results[i].Table, results[i].EntityID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			results[i].Entity = entity
		}
	}
	return results, nil
}

// --- raw SQL ----------------------------------------------------------------

// rawSQL executes a read-only statement and returns generic rows. Scope
// filters apply when the result exposes tenant_id / user_id columns.
func (e *Engine) rawSQL(ctx context.Context, q *Query, scope Scope) ([]Result, error) {
	rows, err := e.pool.Query(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("rem: sql: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var results []Result
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("rem: read sql row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		if !rowInScope(row, scope) {
			continue
		}
		results = append(results, Result{Row: row})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rem: iterate sql rows: %w", err)
	}
	return results, nil
}

func rowInScope(row map[string]any, scope Scope) bool {
	if scope.TenantID != "" {
		if v, ok := row["tenant_id"].(string); ok && v != "" && v != scope.TenantID {
			return false
		}
	}
	if scope.UserID != "" {
		if v, ok := row["user_id"].(string); ok && v != "" && v != scope.UserID {
			return false
		}
	}
	return true
}
