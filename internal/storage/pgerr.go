package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the pipeline branches on.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateUndefinedTable       = "42P01"
	sqlstateUndefinedColumn      = "42703"
	sqlstateUniqueViolation      = "23505"
	sqlstateInvalidSchemaName    = "3F000"
	sqlstateQueryCanceled        = "57014"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsSerializationError reports whether the transaction lost a concurrency
// race and is safe to retry wholesale.
func IsSerializationError(err error) bool {
	code := pgCode(err)
	return code == sqlstateSerializationFailure || code == sqlstateDeadlockDetected
}

// IsUndefinedTable reports whether the statement referenced a table that
// does not exist. The pipeline uses this for degraded-mode detection
// (missing queue tables) and for table auto-creation.
func IsUndefinedTable(err error) bool {
	return pgCode(err) == sqlstateUndefinedTable
}

// IsUndefinedColumn reports whether the statement referenced a column that
// does not exist; the dynamic-table layer extends the schema on this.
func IsUndefinedColumn(err error) bool {
	return pgCode(err) == sqlstateUndefinedColumn
}

// IsUniqueViolation reports a unique-constraint conflict.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == sqlstateUniqueViolation
}

// IsMissingSchema reports that the search path named a schema that is gone.
func IsMissingSchema(err error) bool {
	return pgCode(err) == sqlstateInvalidSchemaName
}

// IsStatementTimeout reports that the server canceled the statement, which
// the sandbox surfaces as a timeout rather than a transient failure.
func IsStatementTimeout(err error) bool {
	return pgCode(err) == sqlstateQueryCanceled
}
