package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/storage"
)

// ResolveIdentity looks up an external identity, inserting the row on first
// sight. The insert tolerates a concurrent winner: losing the race simply
// falls through to the lookup.
func (q *queries) ResolveIdentity(ctx context.Context, externalID, displayName string, now time.Time) (storage.IdentityRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdentityRecord{}, false, err
	}
	if q == nil || q.db == nil {
		return storage.IdentityRecord{}, false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(externalID) == "" {
		return storage.IdentityRecord{}, false, fmt.Errorf("external id is required")
	}

	result, err := q.db.ExecContext(ctx, `
INSERT INTO identities (external_id, display_name, created_at)
VALUES (?, ?, ?)
ON CONFLICT(external_id) DO NOTHING`,
		externalID, displayName, toMillis(now))
	if err != nil {
		return storage.IdentityRecord{}, false, fmt.Errorf("resolve identity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.IdentityRecord{}, false, fmt.Errorf("resolve identity rows: %w", err)
	}

	rec, err := q.FindIdentity(ctx, externalID)
	if err != nil {
		return storage.IdentityRecord{}, false, err
	}
	return rec, affected == 1, nil
}

// FindIdentity looks up an external identity without creating it.
func (q *queries) FindIdentity(ctx context.Context, externalID string) (storage.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdentityRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.IdentityRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(externalID) == "" {
		return storage.IdentityRecord{}, fmt.Errorf("external id is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT id, external_id, display_name, created_at
FROM identities WHERE external_id = ?`, externalID)

	var rec storage.IdentityRecord
	var createdAt int64
	if err := row.Scan(&rec.ID, &rec.ExternalID, &rec.DisplayName, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.IdentityRecord{}, storage.ErrNotFound
		}
		return storage.IdentityRecord{}, fmt.Errorf("find identity: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}
