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

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/crypto"
	"github.com/percolationlabs/percolate/internal/pgutil"
)

// envelopeColumns is the shared column set every entity table carries,
// in scan order.
const envelopeColumns = `id, name, tenant_id, user_id, tags, metadata,
	graph_edges, encryption_level, created_at, updated_at, deleted_at`

// identPattern guards table and column names that originate in registry
// rows before they are spliced into SQL.
var (
	identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	orderPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*( (ASC|DESC))?$`)
)

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("store: invalid identifier %q", name)
	}
	return nil
}

// Store is the typed entity store. All reads and writes go through the
// table registry; encrypted fields are sealed at write time and opened on
// read when the row's level permits.
type Store struct {
	pool     *pgxpool.Pool
	registry *Registry
	crypto   *crypto.Service
	log      *zap.SugaredLogger
}

// New creates a Store.
func New(pool *pgxpool.Pool, registry *Registry, cryptoSvc *crypto.Service, log *zap.SugaredLogger) *Store {
	return &Store{pool: pool, registry: registry, crypto: cryptoSvc, log: log}
}

// Registry exposes the table registry for callers that iterate entity
// tables.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Pool exposes the underlying pool for components that share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// --- upsert -----------------------------------------------------------------

// Upsert inserts or updates an entity. Missing ids are allocated
// (deterministically for registry-flagged tables), timestamps are stamped,
// designated fields are encrypted per tenant mode, metadata merges by
// shallow union and graph edges merge-dedup on (target, relation).
// Tenant and user scope are preserved on conflict.
func (s *Store) Upsert(ctx context.Context, e *Entity) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.UpsertTx(ctx, tx, e)
	})
}

// WithTx runs fn in one transaction, committing on nil error. Multi-row
// writes that must land together (a chat turn, a moment plus its session
// update) go through here with UpsertTx.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// UpsertTx is Upsert within a caller-owned transaction.
func (s *Store) UpsertTx(ctx context.Context, tx pgx.Tx, e *Entity) error {
	spec, err := s.registry.Get(ctx, e.Table)
	if err != nil {
		return err
	}
	if err := validIdent(spec.Name); err != nil {
		return err
	}

	if e.ID == "" {
		if spec.DeterministicIDs {
			if e.Name == "" {
				return fmt.Errorf("%w: table %s uses deterministic ids", ErrMissingName, e.Table)
			}
			e.ID = DeterministicID(e.Table, e.Name, e.UserID)
		} else {
			e.ID = NewID()
		}
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	stored, level, err := s.sealFields(ctx, spec, e)
	if err != nil {
		return err
	}
	e.EncryptionLevel = level

	edges, err := s.mergeExistingEdges(ctx, tx, spec.Name, e.ID, e.GraphEdges)
	if err != nil {
		return err
	}
	e.GraphEdges = edges

	query, args, err := buildUpsert(spec, e, stored)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: upsert %s: %w", spec.Name, err)
	}
	return nil
}

// sealFields encrypts the spec's designated fields in place of the entity's
// plaintext, returning the stored field map and the level to stamp. The id
// must be allocated before this call so the AAD is known.
func (s *Store) sealFields(ctx context.Context, spec TableSpec, e *Entity) (map[string]any, crypto.Level, error) {
	stored := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		stored[k] = v
	}

	encrypted := spec.EncryptedFields()
	if len(encrypted) == 0 {
		return stored, crypto.LevelNone, nil
	}

	level := crypto.LevelNone
	for _, name := range encrypted {
		f, _ := spec.fieldSpec(name)
		plaintext, ok := stored[name].(string)
		if !ok || plaintext == "" {
			continue
		}
		sealed, l, err := s.crypto.EncryptField(ctx, e.TenantID, e.ID, plaintext, crypto.EncryptOptions{
			Deterministic: f.Deterministic,
			ChatPath:      spec.ChatPath,
		})
		if err != nil {
			return nil, "", err
		}
		stored[name] = sealed
		level = l
	}
	if level == crypto.LevelNone {
		// No sensitive content in this write; stamp the level the tenant
		// would have used so readers take a consistent path.
		mode, err := s.crypto.TenantMode(ctx, e.TenantID)
		if err != nil {
			return nil, "", err
		}
		if mode == crypto.ModeDisabled {
			level = crypto.LevelDisabled
		}
	}
	return stored, level, nil
}

// mergeExistingEdges locks the current row and merges incoming edges onto
// its stored graph_edges. Edges on the source row are authoritative; the KV
// index only mirrors them.
func (s *Store) mergeExistingEdges(ctx context.Context, tx pgx.Tx, table, id string, incoming []GraphEdge) ([]GraphEdge, error) {
	var edgesJSON []byte
	err := tx.QueryRow(ctx,
		"SELECT graph_edges FROM "+table+" WHERE id=$1 FOR UPDATE", id,
	).Scan(&edgesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return incoming, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock %s row: %w", table, err)
	}
	existing := pgutil.UnmarshalJSONBSlice[GraphEdge](edgesJSON)
	return MergeEdges(existing, incoming), nil
}

// buildUpsert assembles the dynamic INSERT ... ON CONFLICT statement for a
// table spec. Tenant and user columns are not updated on conflict.
func buildUpsert(spec TableSpec, e *Entity, stored map[string]any) (string, []any, error) {
	cols := []string{
		"id", "name", "tenant_id", "user_id", "tags", "metadata",
		"graph_edges", "encryption_level", "created_at", "updated_at",
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	args := []any{
		e.ID, pgutil.NullString(e.Name), pgutil.NullString(e.TenantID), pgutil.NullString(e.UserID),
		tags, pgutil.MarshalJSONB(e.Metadata),
		pgutil.MarshalJSONBSlice(e.GraphEdges), string(e.EncryptionLevel),
		e.CreatedAt, e.UpdatedAt,
	}

	for _, f := range spec.Fields {
		if err := validIdent(f.Name); err != nil {
			return "", nil, err
		}
		value, ok := stored[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		args = append(args, fieldArg(value))
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var sets []string
	for _, col := range cols {
		switch col {
		case "id", "tenant_id", "user_id", "created_at":
			continue
		case "metadata":
			sets = append(sets, fmt.Sprintf(
				"metadata = COALESCE(%s.metadata, '{}'::jsonb) || EXCLUDED.metadata", spec.Name))
		default:
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		spec.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
	)
	return query, args, nil
}

func sortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fieldArg maps Go field values to pgx arguments. Maps and slices go to
// JSONB; everything else passes through.
func fieldArg(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return pgutil.MarshalJSONB(v)
	case []any:
		return pgutil.MarshalJSONBSlice(v)
	default:
		return v
	}
}

// --- read path --------------------------------------------------------------

// Get loads one entity by id, decrypting server-decryptable fields.
// Soft-deleted rows are not returned.
func (s *Store) Get(ctx context.Context, table, id string) (*Entity, error) {
	spec, err := s.registry.Get(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := validIdent(spec.Name); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1 AND deleted_at IS NULL LIMIT 1",
		selectColumns(spec), spec.Name)

	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", table, err)
	}
	entities, err := s.collect(ctx, spec, rows)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return entities[0], nil
}

// GetByName loads one entity by normalised name within a tenant scope.
func (s *Store) GetByName(ctx context.Context, table, tenantID, name string) (*Entity, error) {
	spec, err := s.registry.Get(ctx, table)
	if err != nil {
		return nil, err
	}

	qb := &pgutil.QueryBuilder{}
	qb.Add("name = $?", name)
	qb.AddClause("deleted_at IS NULL")
	if tenantID != "" {
		qb.Add("tenant_id = $?", tenantID)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s LIMIT 1",
		selectColumns(spec), spec.Name, qb.Where())

	rows, err := s.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("store: get %s by name: %w", table, err)
	}
	entities, err := s.collect(ctx, spec, rows)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, name)
	}
	return entities[0], nil
}

// FindFilter narrows a Find query. Zero values are ignored.
type FindFilter struct {
	TenantID       string
	UserID         string
	Name           string
	Tags           []string
	// Fields adds equality conditions on table-specific columns.
	Fields         map[string]any
	IncludeDeleted bool
	// OrderBy overrides the default "updated_at DESC" ordering. The column
	// must be an envelope or registered field column.
	OrderBy string
	Limit   int
	Offset  int
}

// Find lists entities matching the filter, newest-updated first.
func (s *Store) Find(ctx context.Context, table string, filter FindFilter) ([]*Entity, error) {
	spec, err := s.registry.Get(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := validIdent(spec.Name); err != nil {
		return nil, err
	}

	qb := &pgutil.QueryBuilder{}
	if filter.TenantID != "" {
		qb.Add("tenant_id = $?", filter.TenantID)
	}
	if filter.UserID != "" {
		qb.Add("user_id = $?", filter.UserID)
	}
	if filter.Name != "" {
		qb.Add("name = $?", filter.Name)
	}
	if len(filter.Tags) > 0 {
		qb.Add("tags @> $?", filter.Tags)
	}
	for _, name := range sortedFieldNames(filter.Fields) {
		if err := validIdent(name); err != nil {
			return nil, err
		}
		qb.Add(name+" = $?", fieldArg(filter.Fields[name]))
	}
	if !filter.IncludeDeleted {
		qb.AddClause("deleted_at IS NULL")
	}

	orderBy := filter.OrderBy
	if orderBy == "" {
		orderBy = "updated_at DESC"
	}
	if !orderPattern.MatchString(orderBy) {
		return nil, fmt.Errorf("store: invalid order clause %q", orderBy)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s ORDER BY %s",
		selectColumns(spec), spec.Name, qb.Where(), orderBy)
	query = qb.AppendPagination(query, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", table, err)
	}
	return s.collect(ctx, spec, rows)
}

// SoftDelete marks an entity deleted. Derived rows (KV, embeddings) are
// removed by triggers on the same statement.
func (s *Store) SoftDelete(ctx context.Context, table, id string) error {
	spec, err := s.registry.Get(ctx, table)
	if err != nil {
		return err
	}
	if err := validIdent(spec.Name); err != nil {
		return err
	}

	query := fmt.Sprintf(
		"UPDATE %s SET deleted_at = now(), updated_at = now() WHERE id=$1 AND deleted_at IS NULL",
		spec.Name)
	res, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: soft delete %s: %w", table, err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return nil
}

// MergeEdgesInto merges edges onto a source entity's graph_edges under a
// row lock. Used for back-edge writes (e.g. dreamed_from); the source table
// is authoritative and the KV index is reconciled by trigger.
func (s *Store) MergeEdgesInto(ctx context.Context, table, id string, edges []GraphEdge) error {
	spec, err := s.registry.Get(ctx, table)
	if err != nil {
		return err
	}
	if err := validIdent(spec.Name); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var edgesJSON []byte
	err = tx.QueryRow(ctx,
		"SELECT graph_edges FROM "+spec.Name+" WHERE id=$1 AND deleted_at IS NULL FOR UPDATE", id,
	).Scan(&edgesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	if err != nil {
		return fmt.Errorf("store: lock %s row: %w", table, err)
	}

	merged := MergeEdges(pgutil.UnmarshalJSONBSlice[GraphEdge](edgesJSON), edges)
	_, err = tx.Exec(ctx,
		"UPDATE "+spec.Name+" SET graph_edges=$2, updated_at=now() WHERE id=$1",
		id, pgutil.MarshalJSONBSlice(merged))
	if err != nil {
		return fmt.Errorf("store: merge edges on %s: %w", table, err)
	}
	return tx.Commit(ctx)
}

// --- scanning ---------------------------------------------------------------

func selectColumns(spec TableSpec) string {
	cols := envelopeColumns
	for _, f := range spec.Fields {
		cols += ", " + f.Name
	}
	return cols
}

// collect scans rows into entities and opens server-decryptable fields.
func (s *Store) collect(ctx context.Context, spec TableSpec, rows pgx.Rows) ([]*Entity, error) {
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(spec, rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate %s: %w", spec.Name, err)
	}

	for _, e := range entities {
		if err := s.openFields(ctx, spec, e); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

func scanEntity(spec TableSpec, rows pgx.Rows) (*Entity, error) {
	var (
		e             Entity
		name          *string
		tenantID      *string
		userID        *string
		metadataJSON  []byte
		edgesJSON     []byte
		level         *string
		deletedAt     *time.Time
		fieldPointers []any
	)

	dest := []any{
		&e.ID, &name, &tenantID, &userID, &e.Tags, &metadataJSON,
		&edgesJSON, &level, &e.CreatedAt, &e.UpdatedAt, &deletedAt,
	}
	for range spec.Fields {
		p := new(any)
		fieldPointers = append(fieldPointers, p)
		dest = append(dest, p)
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", spec.Name, err)
	}

	e.Table = spec.Name
	e.Name = pgutil.DerefString(name)
	e.TenantID = pgutil.DerefString(tenantID)
	e.UserID = pgutil.DerefString(userID)
	e.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
	e.GraphEdges = pgutil.UnmarshalJSONBSlice[GraphEdge](edgesJSON)
	e.EncryptionLevel = crypto.Level(pgutil.DerefString(level))
	e.DeletedAt = pgutil.TimeOrZero(deletedAt)
	if e.Tags == nil {
		e.Tags = []string{}
	}

	for i, f := range spec.Fields {
		value := *(fieldPointers[i].(*any))
		if value == nil {
			continue
		}
		e.SetField(f.Name, value)
	}
	return &e, nil
}

// openFields decrypts the row's designated fields when its stamped level
// permits. Ciphertext is left in place otherwise; the level on the entity
// tells callers which they got.
func (s *Store) openFields(ctx context.Context, spec TableSpec, e *Entity) error {
	for _, name := range spec.EncryptedFields() {
		stored, ok := e.Field(name).(string)
		if !ok || stored == "" {
			continue
		}
		value, _, err := s.crypto.DecryptField(ctx, e.TenantID, e.ID, stored, e.EncryptionLevel)
		if err != nil {
			return fmt.Errorf("store: %s.%s: %w", spec.Name, name, err)
		}
		e.SetField(name, value)
	}
	return nil
}
