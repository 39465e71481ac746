package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lorekeep/lorekeep/internal/storage"
)

// Party methods

// CreateParty inserts a party row.
func (q *queries) CreateParty(ctx context.Context, rec storage.PartyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("party id is required")
	}
	if rec.LeaderIdentityID <= 0 {
		return fmt.Errorf("leader identity id is required")
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO parties (id, leader_identity_id, min_size, max_size, status, session_id, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.LeaderIdentityID,
		rec.MinSize,
		rec.MaxSize,
		rec.Status,
		rec.SessionID,
		boolToInt(rec.IsActive),
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("create party: %w", err)
	}
	return nil
}

// GetParty retrieves a party by id.
func (q *queries) GetParty(ctx context.Context, id string) (storage.PartyRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.PartyRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.PartyRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.PartyRecord{}, fmt.Errorf("party id is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT id, leader_identity_id, min_size, max_size, status, session_id, is_active, created_at, updated_at
FROM parties WHERE id = ?`, id)
	rec, err := scanParty(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PartyRecord{}, storage.ErrNotFound
		}
		return storage.PartyRecord{}, fmt.Errorf("get party: %w", err)
	}
	return rec, nil
}

// UpdateParty rewrites the mutable party columns.
func (q *queries) UpdateParty(ctx context.Context, rec storage.PartyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("party id is required")
	}

	result, err := q.db.ExecContext(ctx, `
UPDATE parties SET min_size = ?, max_size = ?, status = ?, session_id = ?, is_active = ?, updated_at = ?
WHERE id = ?`,
		rec.MinSize,
		rec.MaxSize,
		rec.Status,
		rec.SessionID,
		boolToInt(rec.IsActive),
		toMillis(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update party: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update party rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// FindOpenPartyByMember returns the non-disbanded party the identity belongs
// to. Membership in at most one open party is a manager invariant, so a
// single row is expected.
func (q *queries) FindOpenPartyByMember(ctx context.Context, identityID int64) (storage.PartyRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.PartyRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.PartyRecord{}, fmt.Errorf("storage is not configured")
	}
	if identityID <= 0 {
		return storage.PartyRecord{}, fmt.Errorf("identity id is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT p.id, p.leader_identity_id, p.min_size, p.max_size, p.status, p.session_id, p.is_active, p.created_at, p.updated_at
FROM parties p
JOIN party_members m ON m.party_id = p.id
WHERE m.identity_id = ? AND p.status != 'disbanded'
ORDER BY p.created_at DESC
LIMIT 1`, identityID)
	rec, err := scanParty(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PartyRecord{}, storage.ErrNotFound
		}
		return storage.PartyRecord{}, fmt.Errorf("find open party: %w", err)
	}
	return rec, nil
}

// FindPartyBySession returns the party currently linked to a session.
func (q *queries) FindPartyBySession(ctx context.Context, sessionID string) (storage.PartyRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.PartyRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.PartyRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.PartyRecord{}, fmt.Errorf("session id is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT id, leader_identity_id, min_size, max_size, status, session_id, is_active, created_at, updated_at
FROM parties WHERE session_id = ?
LIMIT 1`, sessionID)
	rec, err := scanParty(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PartyRecord{}, storage.ErrNotFound
		}
		return storage.PartyRecord{}, fmt.Errorf("find party by session: %w", err)
	}
	return rec, nil
}

// Party member methods

// AddMember inserts one membership row.
func (q *queries) AddMember(ctx context.Context, rec storage.MemberRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.PartyID) == "" {
		return fmt.Errorf("party id is required")
	}
	if rec.IdentityID <= 0 {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(rec.CharacterName) == "" {
		return fmt.Errorf("character name is required")
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO party_members (party_id, identity_id, character_name, backstory, role, joined_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.PartyID,
		rec.IdentityID,
		rec.CharacterName,
		rec.Backstory,
		rec.Role,
		toMillis(rec.JoinedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("add party member: %w", err)
	}
	return nil
}

// GetMember retrieves one membership row.
func (q *queries) GetMember(ctx context.Context, partyID string, identityID int64) (storage.MemberRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MemberRecord{}, err
	}
	if q == nil || q.db == nil {
		return storage.MemberRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(partyID) == "" {
		return storage.MemberRecord{}, fmt.Errorf("party id is required")
	}
	if identityID <= 0 {
		return storage.MemberRecord{}, fmt.Errorf("identity id is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT party_id, identity_id, character_name, backstory, role, joined_at
FROM party_members WHERE party_id = ? AND identity_id = ?`, partyID, identityID)
	rec, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MemberRecord{}, storage.ErrNotFound
		}
		return storage.MemberRecord{}, fmt.Errorf("get party member: %w", err)
	}
	return rec, nil
}

// RemoveMember deletes one membership row.
func (q *queries) RemoveMember(ctx context.Context, partyID string, identityID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(partyID) == "" {
		return fmt.Errorf("party id is required")
	}
	if identityID <= 0 {
		return fmt.Errorf("identity id is required")
	}

	result, err := q.db.ExecContext(ctx, `
DELETE FROM party_members WHERE party_id = ? AND identity_id = ?`, partyID, identityID)
	if err != nil {
		return fmt.Errorf("remove party member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove party member rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RemoveAllMembers deletes every membership row for a party. Removing zero
// rows is not an error: disband is idempotent.
func (q *queries) RemoveAllMembers(ctx context.Context, partyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(partyID) == "" {
		return fmt.Errorf("party id is required")
	}

	if _, err := q.db.ExecContext(ctx, `
DELETE FROM party_members WHERE party_id = ?`, partyID); err != nil {
		return fmt.Errorf("remove party members: %w", err)
	}
	return nil
}

// ListMembers returns party members in join order.
func (q *queries) ListMembers(ctx context.Context, partyID string) ([]storage.MemberRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(partyID) == "" {
		return nil, fmt.Errorf("party id is required")
	}

	rows, err := q.db.QueryContext(ctx, `
SELECT party_id, identity_id, character_name, backstory, role, joined_at
FROM party_members WHERE party_id = ? ORDER BY joined_at, identity_id`, partyID)
	if err != nil {
		return nil, fmt.Errorf("list party members: %w", err)
	}
	defer rows.Close()

	var records []storage.MemberRecord
	for rows.Next() {
		rec, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan party member: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read party members: %w", err)
	}
	return records, nil
}

// CountMembers returns the number of members in a party.
func (q *queries) CountMembers(ctx context.Context, partyID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if q == nil || q.db == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(partyID) == "" {
		return 0, fmt.Errorf("party id is required")
	}

	row := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM party_members WHERE party_id = ?`, partyID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count party members: %w", err)
	}
	return count, nil
}

func scanParty(row scanner) (storage.PartyRecord, error) {
	var rec storage.PartyRecord
	var isActive int
	var createdAt, updatedAt int64
	if err := row.Scan(&rec.ID, &rec.LeaderIdentityID, &rec.MinSize, &rec.MaxSize, &rec.Status, &rec.SessionID, &isActive, &createdAt, &updatedAt); err != nil {
		return storage.PartyRecord{}, err
	}
	rec.IsActive = isActive != 0
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func scanMember(row scanner) (storage.MemberRecord, error) {
	var rec storage.MemberRecord
	var joinedAt int64
	if err := row.Scan(&rec.PartyID, &rec.IdentityID, &rec.CharacterName, &rec.Backstory, &rec.Role, &joinedAt); err != nil {
		return storage.MemberRecord{}, err
	}
	rec.JoinedAt = fromMillis(joinedAt)
	return rec, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
