package storage

import (
	"context"
	"fmt"
	"hash/fnv"
)

// AdvisoryKey hashes (tenant, resource) into the 64-bit advisory lock
// space. FNV-1a keeps the key stable across processes and releases.
func AdvisoryKey(tenantID, resource string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{':'})
	h.Write([]byte(resource))
	return int64(h.Sum64())
}

// AdvisoryXactLock blocks until the transaction holds the advisory lock for
// key. The lock is transactional: released automatically on commit or
// rollback, so callers cannot leak it.
func AdvisoryXactLock(ctx context.Context, tx *Tx, key int64) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return fmt.Errorf("failed to take advisory lock: %w", err)
	}
	return nil
}
