package sandbox

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Execution clamps. Zero-valued options select the defaults; out-of-range
// values are pulled into range, never rejected.
const (
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 60
	DefaultTimeoutSeconds = 30
	MinResultRows         = 1
	MaxResultRows         = 10000
	DefaultResultRows     = 1000
)

// Options tune a single sandbox execution.
type Options struct {
	TimeoutSeconds int
	MaxRows        int
	IncludeDeleted bool
}

// Result is the wire shape of a sandbox query result.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"rowCount"`
	Truncated bool     `json:"truncated"`
}

// Executor runs validated agent queries inside an existing tenant
// transaction.
type Executor struct {
	log *zap.Logger
}

func NewExecutor(log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log.Named("sandbox")}
}

// Query validates and executes an agent query. Before running, the search
// path is narrowed to the tenant schema alone, so shared tables stop
// resolving even without a qualifier, and the transaction is flipped
// read-only as a second line of defense behind the scanner. The statement
// timeout and result row count are clamped to the sandbox bounds.
func (e *Executor) Query(ctx context.Context, tx *storage.Tx, query string, opts Options) (*Result, error) {
	if err := Validate(query); err != nil {
		return nil, err
	}
	timeout := clamp(opts.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds, DefaultTimeoutSeconds)
	maxRows := clamp(opts.MaxRows, MinResultRows, MaxResultRows, DefaultResultRows)

	if _, err := tx.Exec(ctx, "SET LOCAL search_path = "+storage.QuoteIdent(tx.Schema)); err != nil {
		return nil, fmt.Errorf("failed to narrow search path: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout*1000)); err != nil {
		return nil, fmt.Errorf("failed to set statement timeout: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL transaction_read_only = on"); err != nil {
		return nil, fmt.Errorf("failed to set read-only mode: %w", err)
	}

	// The closing paren sits on its own line so a trailing line comment in
	// the query cannot swallow it.
	wrapped := fmt.Sprintf("WITH q AS (\n%s\n) SELECT * FROM q LIMIT %d",
		strings.TrimRight(strings.TrimSpace(query), ";"), maxRows+1)

	rows, err := tx.Query(ctx, wrapped)
	if err != nil {
		return nil, classifyExecError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	deletedIdx := -1
	for i, f := range fields {
		columns[i] = f.Name
		if f.Name == "_deleted_at" {
			deletedIdx = i
		}
	}

	result := &Result{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classifyExecError(err)
		}
		if !opts.IncludeDeleted && deletedIdx >= 0 && values[deletedIdx] != nil {
			continue
		}
		if len(result.Rows) == maxRows {
			result.Truncated = true
			break
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyExecError(err)
	}
	result.RowCount = len(result.Rows)
	e.log.Debug("sandbox query executed",
		zap.String("tenant_id", tx.TenantID),
		zap.Int("rows", result.RowCount),
		zap.Bool("truncated", result.Truncated))
	return result, nil
}

func clamp(v, min, max, def int) int {
	switch {
	case v == 0:
		return def
	case v < min:
		return min
	case v > max:
		return max
	default:
		return v
	}
}

func classifyExecError(err error) error {
	switch {
	case storage.IsStatementTimeout(err):
		return types.WrapError(types.KindTransient, err, "query exceeded its time budget")
	case storage.IsSerializationError(err):
		return types.WrapError(types.KindTransient, err, "query lost a concurrency race")
	case storage.IsUndefinedTable(err), storage.IsUndefinedColumn(err):
		return types.WrapError(types.KindValidation, err, "query references an unknown relation or column")
	default:
		return types.WrapError(types.KindValidation, err, "query failed")
	}
}
