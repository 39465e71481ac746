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

// Session methods

// CreateSession inserts a session metadata row.
func (q *queries) CreateSession(ctx context.Context, rec storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(rec.CreatorIdentity) == "" {
		return fmt.Errorf("creator identity is required")
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO sessions (id, creator_identity, title, description, settings_json, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.CreatorIdentity,
		rec.Title,
		rec.Description,
		jsonOrEmptyObject(rec.SettingsJSON),
		rec.Status,
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (q *queries) GetSession(ctx context.Context, id string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.SessionRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.SessionRecord{}, fmt.Errorf("session id is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT id, creator_identity, title, description, settings_json, status, created_at, updated_at
FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// UpdateSessionStatus rewrites the status column for a session.
func (q *queries) UpdateSessionStatus(ctx context.Context, id, status string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("session status is required")
	}

	result, err := q.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, toMillis(updatedAt), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListSessionsByCreator returns sessions created by the given identity,
// newest first.
func (q *queries) ListSessionsByCreator(ctx context.Context, creatorIdentity string) ([]storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(creatorIdentity) == "" {
		return nil, fmt.Errorf("creator identity is required")
	}

	rows, err := q.db.QueryContext(ctx, `
SELECT id, creator_identity, title, description, settings_json, status, created_at, updated_at
FROM sessions WHERE creator_identity = ? ORDER BY created_at DESC`, creatorIdentity)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []storage.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	return records, nil
}

// Session state methods

// CreateState inserts the 1:1 state row for a session.
func (q *queries) CreateState(ctx context.Context, rec storage.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(rec.Status) == "" {
		return fmt.Errorf("state status is required")
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO session_states (session_id, status, current_scene_json, history_json, event_history_json, flags_json, variables_json, progress_json, version, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID,
		rec.Status,
		jsonOrEmptyObject(rec.CurrentSceneJSON),
		jsonOrEmptyArray(rec.HistoryJSON),
		jsonOrEmptyArray(rec.EventHistoryJSON),
		jsonOrEmptyObject(rec.FlagsJSON),
		jsonOrEmptyObject(rec.VariablesJSON),
		jsonOrEmptyObject(rec.ProgressJSON),
		rec.Version,
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("create session state: %w", err)
	}
	return nil
}

// GetState retrieves the state row for a session.
func (q *queries) GetState(ctx context.Context, sessionID string) (storage.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.StateRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.StateRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.StateRecord{}, fmt.Errorf("session id is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT session_id, status, current_scene_json, history_json, event_history_json, flags_json, variables_json, progress_json, version, updated_at
FROM session_states WHERE session_id = ?`, sessionID)
	rec, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.StateRecord{}, storage.ErrNotFound
		}
		return storage.StateRecord{}, fmt.Errorf("get session state: %w", err)
	}
	return rec, nil
}

// UpdateState writes rec guarded by the optimistic version check.
func (q *queries) UpdateState(ctx context.Context, rec storage.StateRecord, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if rec.Version <= expectedVersion {
		return fmt.Errorf("state version must advance past %d", expectedVersion)
	}

	result, err := q.db.ExecContext(ctx, `
UPDATE session_states SET status = ?, current_scene_json = ?, history_json = ?, event_history_json = ?, flags_json = ?, variables_json = ?, progress_json = ?, version = ?, updated_at = ?
WHERE session_id = ? AND version = ?`,
		rec.Status,
		jsonOrEmptyObject(rec.CurrentSceneJSON),
		jsonOrEmptyArray(rec.HistoryJSON),
		jsonOrEmptyArray(rec.EventHistoryJSON),
		jsonOrEmptyObject(rec.FlagsJSON),
		jsonOrEmptyObject(rec.VariablesJSON),
		jsonOrEmptyObject(rec.ProgressJSON),
		rec.Version,
		toMillis(rec.UpdatedAt),
		rec.SessionID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session state rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a missing row from a concurrent writer.
	if _, err := q.GetState(ctx, rec.SessionID); err != nil {
		return err
	}
	return storage.ErrVersionConflict
}

// PutStateSnapshot flushes rec unless the stored version already advanced
// past it. Zero rows affected is success here: a newer state won.
func (q *queries) PutStateSnapshot(ctx context.Context, rec storage.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := q.db.ExecContext(ctx, `
UPDATE session_states SET status = ?, current_scene_json = ?, history_json = ?, event_history_json = ?, flags_json = ?, variables_json = ?, progress_json = ?, version = ?, updated_at = ?
WHERE session_id = ? AND version <= ?`,
		rec.Status,
		jsonOrEmptyObject(rec.CurrentSceneJSON),
		jsonOrEmptyArray(rec.HistoryJSON),
		jsonOrEmptyArray(rec.EventHistoryJSON),
		jsonOrEmptyObject(rec.FlagsJSON),
		jsonOrEmptyObject(rec.VariablesJSON),
		jsonOrEmptyObject(rec.ProgressJSON),
		rec.Version,
		toMillis(rec.UpdatedAt),
		rec.SessionID,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("put state snapshot: %w", err)
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (storage.SessionRecord, error) {
	var rec storage.SessionRecord
	var createdAt, updatedAt int64
	var settings string
	if err := row.Scan(&rec.ID, &rec.CreatorIdentity, &rec.Title, &rec.Description, &settings, &rec.Status, &createdAt, &updatedAt); err != nil {
		return storage.SessionRecord{}, err
	}
	rec.SettingsJSON = []byte(settings)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func scanState(row scanner) (storage.StateRecord, error) {
	var rec storage.StateRecord
	var updatedAt int64
	var scene, history, events, flags, variables, progress string
	if err := row.Scan(&rec.SessionID, &rec.Status, &scene, &history, &events, &flags, &variables, &progress, &rec.Version, &updatedAt); err != nil {
		return storage.StateRecord{}, err
	}
	rec.CurrentSceneJSON = []byte(scene)
	rec.HistoryJSON = []byte(history)
	rec.EventHistoryJSON = []byte(events)
	rec.FlagsJSON = []byte(flags)
	rec.VariablesJSON = []byte(variables)
	rec.ProgressJSON = []byte(progress)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func jsonOrEmptyObject(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func jsonOrEmptyArray(raw []byte) string {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}
