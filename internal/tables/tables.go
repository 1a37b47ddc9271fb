// Package tables manages the dynamically-schema'd per-tenant tables. A
// table springs into existence on the first insert that names it, with
// column types inferred from the payload; later inserts widen it one
// ALTER at a time. The _table_registry row is the catalog the rest of
// the system (and the agents, via SQL) reads.
package tables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/metering"
	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/sandbox"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// standardColumns ship with every dynamic table and are never writable
// through row data.
var standardColumns = map[string]bool{
	"id":          true,
	"created_at":  true,
	"updated_at":  true,
	"_deleted_at": true,
	"_meta_id":    true,
}

// protectedTables are system tables agents must not write through the
// row API. Underscore-prefixed names are rejected wholesale.
var protectedTables = map[string]bool{
	"memory_meta":            true,
	"profile_versions":       true,
	"vectors":                true,
	"entities":               true,
	"edges":                  true,
	"edge_quarantine":        true,
	"audit_log":              true,
	"consent_rules":          true,
	"knowledge_claims":       true,
	"knowledge_claim_events": true,
	"memory_backlog":         true,
}

// Column is one registry column entry.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Info is a registry row describing one dynamic table.
type Info struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Columns     []Column  `json:"columns"`
	RecordCount int64     `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Row is one record in a dynamic table. Data holds the user columns
// only; the standard columns surface as struct fields.
type Row struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	Data      map[string]any `json:"data"`
	MetaID    string         `json:"meta_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

// Store reads and writes dynamic tables.
type Store struct {
	quality *quality.Engine
	meter   *metering.Meter
	log     *zap.Logger
}

// NewStore builds a tables store. meter may be nil for internal callers
// that are not subject to tier caps.
func NewStore(q *quality.Engine, m *metering.Meter, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{quality: q, meter: m, log: log.Named("tables")}
}

// InsertInput is one row insert.
type InsertInput struct {
	Table string
	Data  map[string]any
	// Description seeds the registry entry when this insert creates the
	// table.
	Description string
	AgentID     string
	Origin      types.Origin
	// Tier enables the table cap on auto-create. Zero skips enforcement
	// (trusted internal writes).
	Tier types.Tier
}

// Insert writes a row, creating or widening the table as needed.
func (s *Store) Insert(ctx context.Context, tx *storage.Tx, in InsertInput) (*Row, error) {
	table, err := normalizeTable(in.Table)
	if err != nil {
		return nil, err
	}
	if !in.Origin.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown origin %q", in.Origin)
	}
	data, err := normalizeData(in.Data)
	if err != nil {
		return nil, err
	}

	info, err := s.registryInfo(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	var cols []Column
	if info == nil {
		cols, err = s.createTable(ctx, tx, table, data, in)
	} else {
		cols, err = s.ensureColumns(ctx, tx, table, info, data)
	}
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	meta, err := s.quality.CreateMeta(ctx, tx, types.SourceTable,
		fmt.Sprintf("table:%s:%s", table, id), in.Origin)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	names := []string{"id"}
	args := []any{id}
	for _, c := range cols {
		v, ok := data[c.Name]
		if !ok {
			continue
		}
		bound, err := coerce(c.Name, c.Type, v)
		if err != nil {
			return nil, err
		}
		names = append(names, storage.QuoteIdent(c.Name))
		args = append(args, bound)
	}
	names = append(names, "_meta_id", "created_at", "updated_at")
	args = append(args, meta.ID, now, now)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err = tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		storage.QuoteIdent(table), strings.Join(names, ", "), strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE _table_registry SET record_count = record_count + 1, updated_at = now()
		WHERE table_name = $1`, table); err != nil {
		return nil, fmt.Errorf("failed to bump record count for %s: %w", table, err)
	}

	return &Row{
		ID:        id,
		Table:     table,
		Data:      data,
		MetaID:    meta.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdateInput is one row update.
type UpdateInput struct {
	Table   string
	ID      string
	Data    map[string]any
	AgentID string
	Origin  types.Origin
}

// Update rewrites the named fields of a live row. Each changed field
// records a contradiction between the row's previous meta and a fresh
// one; each re-stated field sends the previous meta a mention.
func (s *Store) Update(ctx context.Context, tx *storage.Tx, in UpdateInput) (*Row, error) {
	table, err := normalizeTable(in.Table)
	if err != nil {
		return nil, err
	}
	if !in.Origin.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown origin %q", in.Origin)
	}
	data, err := normalizeData(in.Data)
	if err != nil {
		return nil, err
	}

	info, err := s.registryInfo(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, types.NewError(types.KindNotFound, "table %s does not exist", table)
	}

	old, err := s.lockRow(ctx, tx, table, in.ID)
	if err != nil {
		return nil, err
	}
	cols, err := s.ensureColumns(ctx, tx, table, info, data)
	if err != nil {
		return nil, err
	}
	colType := make(map[string]string, len(cols))
	for _, c := range cols {
		colType[c.Name] = c.Type
	}

	meta, err := s.quality.CreateMeta(ctx, tx, types.SourceTable,
		fmt.Sprintf("table:%s:%s", table, in.ID), in.Origin)
	if err != nil {
		return nil, err
	}

	keys := sortedKeys(data)
	if old.MetaID != "" {
		for _, k := range keys {
			prior, had := old.Data[k]
			if !had || prior == nil {
				continue
			}
			if sameValue(prior, data[k]) {
				if err := s.quality.RecordMention(ctx, tx, old.MetaID); err != nil {
					return nil, err
				}
				continue
			}
			err := s.quality.RecordContradiction(ctx, tx, quality.ContradictionInput{
				PriorMetaID: old.MetaID,
				NextMetaID:  meta.ID,
				Field:       table + "." + k,
				PriorValue:  jsonString(prior),
				NextValue:   jsonString(data[k]),
				Reason:      "row update by " + in.AgentID,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	sets := make([]string, 0, len(keys)+2)
	args := make([]any, 0, len(keys)+3)
	for _, k := range keys {
		bound, err := coerce(k, colType[k], data[k])
		if err != nil {
			return nil, err
		}
		args = append(args, bound)
		sets = append(sets, fmt.Sprintf("%s = $%d", storage.QuoteIdent(k), len(args)))
	}
	args = append(args, meta.ID)
	sets = append(sets, fmt.Sprintf("_meta_id = $%d", len(args)))
	args = append(args, in.ID)

	_, err = tx.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET %s, updated_at = now() WHERE id = $%d",
		storage.QuoteIdent(table), strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s row %s: %w", table, in.ID, err)
	}

	for k, v := range data {
		old.Data[k] = v
	}
	old.MetaID = meta.ID
	old.UpdatedAt = time.Now().UTC()
	return old, nil
}

// SoftDelete marks a row deleted. The row stays queryable with
// include-deleted reads and keeps its meta history.
func (s *Store) SoftDelete(ctx context.Context, tx *storage.Tx, table, id string) error {
	table, err := normalizeTable(table)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET _deleted_at = now(), updated_at = now() WHERE id = $1 AND _deleted_at IS NULL",
		storage.QuoteIdent(table)), id)
	if err != nil {
		if storage.IsUndefinedTable(err) {
			return types.NewError(types.KindNotFound, "table %s does not exist", table)
		}
		return fmt.Errorf("failed to delete %s row %s: %w", table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewError(types.KindNotFound, "row %s not found in %s", id, table)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE _table_registry SET record_count = GREATEST(record_count - 1, 0), updated_at = now()
		WHERE table_name = $1`, table); err != nil {
		return fmt.Errorf("failed to drop record count for %s: %w", table, err)
	}
	return nil
}

// Get returns a live row.
func (s *Store) Get(ctx context.Context, tx *storage.Tx, table, id string) (*Row, error) {
	table, err := normalizeTable(table)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT row_to_json(t) FROM %s t WHERE id = $1 AND _deleted_at IS NULL",
		storage.QuoteIdent(table)), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "row %s not found in %s", id, table)
	}
	if err != nil {
		if storage.IsUndefinedTable(err) {
			return nil, types.NewError(types.KindNotFound, "table %s does not exist", table)
		}
		return nil, fmt.Errorf("failed to load %s row %s: %w", table, id, err)
	}
	return rowFromJSON(table, raw)
}

// ListRecent returns live rows created since the cutoff, oldest first.
// The nightly extraction pass feeds on this.
func (s *Store) ListRecent(ctx context.Context, tx *storage.Tx, table string, since time.Time, limit int) ([]*Row, error) {
	table, err := normalizeTable(table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Query(ctx, fmt.Sprintf(
		"SELECT row_to_json(t) FROM %s t WHERE created_at >= $1 AND _deleted_at IS NULL ORDER BY created_at LIMIT $2",
		storage.QuoteIdent(table)), since, limit)
	if err != nil {
		if storage.IsUndefinedTable(err) {
			return nil, types.NewError(types.KindNotFound, "table %s does not exist", table)
		}
		return nil, fmt.Errorf("failed to list recent %s rows: %w", table, err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		r, err := rowFromJSON(table, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Describe returns the registry entry for one table, or NOT_FOUND.
func (s *Store) Describe(ctx context.Context, tx *storage.Tx, table string) (*Info, error) {
	table, err := normalizeTable(table)
	if err != nil {
		return nil, err
	}
	info, err := s.registryInfo(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, types.NewError(types.KindNotFound, "table %s does not exist", table)
	}
	return info, nil
}

// List returns every registered table.
func (s *Store) List(ctx context.Context, tx *storage.Tx) ([]*Info, error) {
	rows, err := tx.Query(ctx, `
		SELECT table_name, description, columns, record_count, created_at, updated_at
		FROM _table_registry ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []*Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) createTable(ctx context.Context, tx *storage.Tx, table string, data map[string]any, in InsertInput) ([]Column, error) {
	if s.meter != nil && in.Tier.IsValid() {
		if err := s.meter.EnforceLimit(ctx, tx, in.Tier, types.ResourceTables); err != nil {
			return nil, err
		}
	}

	cols := make([]Column, 0, len(data))
	for _, k := range sortedKeys(data) {
		cols = append(cols, Column{Name: k, Type: InferType(data[k])})
	}

	qt := storage.QuoteIdent(table)
	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TABLE IF NOT EXISTS %s (\n    id UUID PRIMARY KEY,\n", qt)
	for _, c := range cols {
		fmt.Fprintf(&ddl, "    %s %s,\n", storage.QuoteIdent(c.Name), c.Type)
	}
	ddl.WriteString("    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),\n")
	ddl.WriteString("    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),\n")
	ddl.WriteString("    _deleted_at TIMESTAMPTZ,\n")
	ddl.WriteString("    _meta_id UUID\n)")
	if _, err := tx.Exec(ctx, ddl.String()); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (created_at) WHERE _deleted_at IS NULL",
		storage.QuoteIdent("idx_"+table+"_live"), qt)); err != nil {
		return nil, fmt.Errorf("failed to index table %s: %w", table, err)
	}

	colsJSON, err := json.Marshal(cols)
	if err != nil {
		return nil, fmt.Errorf("failed to encode columns: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO _table_registry (table_name, description, columns, record_count)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (table_name) DO NOTHING`, table, in.Description, colsJSON); err != nil {
		return nil, fmt.Errorf("failed to register table %s: %w", table, err)
	}

	s.log.Info("table created",
		zap.String("tenant_id", tx.TenantID),
		zap.String("table", table),
		zap.Int("columns", len(cols)))
	return cols, nil
}

// ensureColumns widens the table for any data key it does not yet have.
func (s *Store) ensureColumns(ctx context.Context, tx *storage.Tx, table string, info *Info, data map[string]any) ([]Column, error) {
	known := make(map[string]bool, len(info.Columns))
	for _, c := range info.Columns {
		known[c.Name] = true
	}

	cols := info.Columns
	var added []Column
	for _, k := range sortedKeys(data) {
		if known[k] {
			continue
		}
		col := Column{Name: k, Type: InferType(data[k])}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			storage.QuoteIdent(table), storage.QuoteIdent(col.Name), col.Type)); err != nil {
			return nil, fmt.Errorf("failed to add column %s to %s: %w", col.Name, table, err)
		}
		cols = append(cols, col)
		added = append(added, col)
	}
	if len(added) == 0 {
		return cols, nil
	}

	colsJSON, err := json.Marshal(cols)
	if err != nil {
		return nil, fmt.Errorf("failed to encode columns: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE _table_registry SET columns = $2, updated_at = now() WHERE table_name = $1`,
		table, colsJSON); err != nil {
		return nil, fmt.Errorf("failed to update registry for %s: %w", table, err)
	}
	s.log.Debug("table widened",
		zap.String("tenant_id", tx.TenantID),
		zap.String("table", table),
		zap.Int("added", len(added)))
	return cols, nil
}

func (s *Store) registryInfo(ctx context.Context, tx *storage.Tx, table string) (*Info, error) {
	row := tx.QueryRow(ctx, `
		SELECT table_name, description, columns, record_count, created_at, updated_at
		FROM _table_registry WHERE table_name = $1`, table)
	info, err := scanInfo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Store) lockRow(ctx context.Context, tx *storage.Tx, table, id string) (*Row, error) {
	var raw []byte
	err := tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT row_to_json(t) FROM %s t WHERE id = $1 AND _deleted_at IS NULL FOR UPDATE",
		storage.QuoteIdent(table)), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "row %s not found in %s", id, table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s row %s: %w", table, id, err)
	}
	return rowFromJSON(table, raw)
}

func scanInfo(row pgx.Row) (*Info, error) {
	var (
		info     Info
		colsJSON []byte
	)
	if err := row.Scan(&info.Name, &info.Description, &colsJSON, &info.RecordCount, &info.CreatedAt, &info.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan table registry row: %w", err)
	}
	if err := json.Unmarshal(colsJSON, &info.Columns); err != nil {
		return nil, fmt.Errorf("failed to decode columns of %s: %w", info.Name, err)
	}
	return &info, nil
}

func rowFromJSON(table string, raw []byte) (*Row, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s row: %w", table, err)
	}
	row := &Row{Table: table, Data: make(map[string]any, len(m))}
	for k, v := range m {
		switch k {
		case "id":
			row.ID, _ = v.(string)
		case "created_at":
			if s, ok := v.(string); ok {
				if ts, ok := parseTime(s); ok {
					row.CreatedAt = ts
				}
			}
		case "updated_at":
			if s, ok := v.(string); ok {
				if ts, ok := parseTime(s); ok {
					row.UpdatedAt = ts
				}
			}
		case "_deleted_at":
			if s, ok := v.(string); ok {
				if ts, ok := parseTime(s); ok {
					row.DeletedAt = &ts
				}
			}
		case "_meta_id":
			if s, ok := v.(string); ok {
				row.MetaID = s
			}
		default:
			row.Data[k] = v
		}
	}
	return row, nil
}

// normalizeTable lowercases and validates a user-supplied table name.
func normalizeTable(name string) (string, error) {
	table := strings.ToLower(strings.TrimSpace(name))
	if table == "" {
		return "", types.NewError(types.KindValidation, "table name must not be empty")
	}
	if !sandbox.ValidIdentifier(table) {
		return "", types.NewError(types.KindValidation, "invalid table name %q", name)
	}
	if protectedTables[table] {
		return "", types.NewReasonError(types.KindValidation, "protected_table",
			"table %s is write-protected", table)
	}
	return table, nil
}

// normalizeData lowercases keys and validates them as column names.
func normalizeData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return nil, types.NewError(types.KindValidation, "row data must not be empty")
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		col := strings.ToLower(strings.TrimSpace(k))
		if standardColumns[col] {
			return nil, types.NewError(types.KindValidation,
				"column %q is reserved", k)
		}
		if !sandbox.ValidIdentifier(col) {
			return nil, types.NewError(types.KindValidation, "invalid column name %q", k)
		}
		if _, dup := out[col]; dup {
			return nil, types.NewError(types.KindValidation,
				"column %q appears more than once", col)
		}
		out[col] = v
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sameValue compares a stored value with an incoming one. Timestamps
// compare by instant so "2026-01-02" matches the stored
// "2026-01-02T00:00:00+00:00".
func sameValue(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		at, apt := parseTime(as)
		bt, bpt := parseTime(bs)
		if apt && bpt {
			return at.Equal(bt)
		}
	}
	return jsonString(a) == jsonString(b)
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
