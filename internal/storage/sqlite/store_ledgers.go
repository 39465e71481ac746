package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/storage"
)

// CreateLedger inserts one usage ledger row.
func (q *queries) CreateLedger(ctx context.Context, rec storage.LedgerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(rec.ResourceType) == "" {
		return fmt.Errorf("resource type is required")
	}
	if rec.Used < 0 {
		return fmt.Errorf("ledger usage must not be negative")
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO resource_ledgers (session_id, resource_type, used, max_per_interval, max_total, reset_interval_ms, last_reset, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID,
		rec.ResourceType,
		rec.Used,
		rec.MaxPerInterval,
		rec.MaxTotal,
		rec.ResetInterval.Milliseconds(),
		toMillis(rec.LastReset),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("create ledger: %w", err)
	}
	return nil
}

// GetLedger retrieves one ledger row by its composite key.
func (q *queries) GetLedger(ctx context.Context, sessionID, resourceType string) (storage.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.LedgerRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.LedgerRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.LedgerRecord{}, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(resourceType) == "" {
		return storage.LedgerRecord{}, fmt.Errorf("resource type is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT session_id, resource_type, used, max_per_interval, max_total, reset_interval_ms, last_reset, updated_at
FROM resource_ledgers WHERE session_id = ? AND resource_type = ?`, sessionID, resourceType)
	rec, err := scanLedger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.LedgerRecord{}, storage.ErrNotFound
		}
		return storage.LedgerRecord{}, fmt.Errorf("get ledger: %w", err)
	}
	return rec, nil
}

// ListLedgers returns every ledger row for a session.
func (q *queries) ListLedgers(ctx context.Context, sessionID string) ([]storage.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}

	rows, err := q.db.QueryContext(ctx, `
SELECT session_id, resource_type, used, max_per_interval, max_total, reset_interval_ms, last_reset, updated_at
FROM resource_ledgers WHERE session_id = ? ORDER BY resource_type`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	defer rows.Close()

	var records []storage.LedgerRecord
	for rows.Next() {
		rec, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ledgers: %w", err)
	}
	return records, nil
}

// ApplyAllocation performs the maybe-reset, ceiling check, and increment as
// one guarded UPDATE. An interval reset that falls due at evaluation time is
// folded into the same statement, so the ceilings always see the usage that
// would exist after the reset. A ceiling of zero is unbounded.
func (q *queries) ApplyAllocation(ctx context.Context, sessionID, resourceType string, amount int64, now time.Time) (storage.LedgerRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.LedgerRecord{}, false, err
	}
	if q == nil || q.db == nil {
		return storage.LedgerRecord{}, false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.LedgerRecord{}, false, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(resourceType) == "" {
		return storage.LedgerRecord{}, false, fmt.Errorf("resource type is required")
	}
	if amount <= 0 {
		return storage.LedgerRecord{}, false, fmt.Errorf("allocation amount must be positive")
	}

	result, err := q.db.ExecContext(ctx, `
UPDATE resource_ledgers SET
    used = (CASE WHEN reset_interval_ms > 0 AND (?1 - last_reset) >= reset_interval_ms THEN 0 ELSE used END) + ?2,
    last_reset = (CASE WHEN reset_interval_ms > 0 AND (?1 - last_reset) >= reset_interval_ms THEN ?1 ELSE last_reset END),
    updated_at = ?1
WHERE session_id = ?3 AND resource_type = ?4
    AND (max_per_interval <= 0 OR (CASE WHEN reset_interval_ms > 0 AND (?1 - last_reset) >= reset_interval_ms THEN 0 ELSE used END) + ?2 <= max_per_interval)
    AND (max_total <= 0 OR (CASE WHEN reset_interval_ms > 0 AND (?1 - last_reset) >= reset_interval_ms THEN 0 ELSE used END) + ?2 <= max_total)`,
		toMillis(now), amount, sessionID, resourceType)
	if err != nil {
		return storage.LedgerRecord{}, false, fmt.Errorf("apply allocation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.LedgerRecord{}, false, fmt.Errorf("apply allocation rows: %w", err)
	}

	rec, err := q.GetLedger(ctx, sessionID, resourceType)
	if err != nil {
		return storage.LedgerRecord{}, false, err
	}
	return rec, affected == 1, nil
}

// ReleaseAllocation decrements usage, floored at zero.
func (q *queries) ReleaseAllocation(ctx context.Context, sessionID, resourceType string, amount int64, now time.Time) (storage.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.LedgerRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.LedgerRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.LedgerRecord{}, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(resourceType) == "" {
		return storage.LedgerRecord{}, fmt.Errorf("resource type is required")
	}
	if amount <= 0 {
		return storage.LedgerRecord{}, fmt.Errorf("release amount must be positive")
	}

	result, err := q.db.ExecContext(ctx, `
UPDATE resource_ledgers SET used = MAX(0, used - ?), updated_at = ?
WHERE session_id = ? AND resource_type = ?`,
		amount, toMillis(now), sessionID, resourceType)
	if err != nil {
		return storage.LedgerRecord{}, fmt.Errorf("release allocation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.LedgerRecord{}, fmt.Errorf("release allocation rows: %w", err)
	}
	if affected == 0 {
		return storage.LedgerRecord{}, storage.ErrNotFound
	}

	return q.GetLedger(ctx, sessionID, resourceType)
}

// DeleteStaleLedgers removes ledger rows whose parent session carries one of
// the given statuses and which were last touched before staleBefore. One
// statement selects and deletes, so a row touched while the sweep runs is
// never removed. The deleted keys come back so callers can evict cache
// entries.
func (q *queries) DeleteStaleLedgers(ctx context.Context, sessionStatuses []string, staleBefore time.Time) ([]storage.LedgerKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(sessionStatuses) == 0 {
		return nil, fmt.Errorf("at least one session status is required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sessionStatuses)), ", ")
	args := make([]any, 0, len(sessionStatuses)+1)
	args = append(args, toMillis(staleBefore))
	for _, status := range sessionStatuses {
		args = append(args, status)
	}

	rows, err := q.db.QueryContext(ctx, `
DELETE FROM resource_ledgers
WHERE updated_at < ?
    AND session_id IN (SELECT id FROM sessions WHERE status IN (`+placeholders+`))
RETURNING session_id, resource_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("delete stale ledgers: %w", err)
	}
	defer rows.Close()

	var keys []storage.LedgerKey
	for rows.Next() {
		var key storage.LedgerKey
		if err := rows.Scan(&key.SessionID, &key.ResourceType); err != nil {
			return nil, fmt.Errorf("scan stale ledger: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stale ledgers: %w", err)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SessionID != keys[j].SessionID {
			return keys[i].SessionID < keys[j].SessionID
		}
		return keys[i].ResourceType < keys[j].ResourceType
	})
	return keys, nil
}

func scanLedger(row scanner) (storage.LedgerRecord, error) {
	var rec storage.LedgerRecord
	var resetIntervalMillis, lastReset, updatedAt int64
	if err := row.Scan(&rec.SessionID, &rec.ResourceType, &rec.Used, &rec.MaxPerInterval, &rec.MaxTotal, &resetIntervalMillis, &lastReset, &updatedAt); err != nil {
		return storage.LedgerRecord{}, err
	}
	rec.ResetInterval = time.Duration(resetIntervalMillis) * time.Millisecond
	rec.LastReset = fromMillis(lastReset)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}
