package party

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/cache"
	platerrors "github.com/lorekeep/lorekeep/internal/platform/errors"
	"github.com/lorekeep/lorekeep/internal/platform/id"
	"github.com/lorekeep/lorekeep/internal/storage"
)

// storeAttempts is the transient-retry budget handed to the gateway.
const storeAttempts = 3

// SessionFailer marks a session failed inside the caller's transaction.
// The session manager implements it; the indirection keeps the disband
// cascade from coupling this package to session internals.
type SessionFailer interface {
	Fail(ctx context.Context, tx storage.Tx, sessionID, reason string) error
}

// Manager coordinates party lifecycle over the storage gateway. Identity
// resolution happens inside the same transaction as the membership
// mutation, and the cache is refreshed only after commit.
type Manager struct {
	gateway  storage.Gateway
	sessions SessionFailer
	cache    *cache.Cache[string, Party]

	// allowPlaceholders permits creating an identity row on first sight
	// of an unknown external identity.
	allowPlaceholders bool

	now   func() time.Time
	newID func() (string, error)
}

// NewManager returns a party manager. sessions may be nil when no session
// cascade is wired; Disband then skips the session step.
func NewManager(gateway storage.Gateway, sessions SessionFailer) *Manager {
	return &Manager{
		gateway:           gateway,
		sessions:          sessions,
		cache:             cache.New[string, Party](cache.DefaultMaxEntries, cache.DefaultTTL),
		allowPlaceholders: true,
		now:               time.Now,
		newID:             id.NewID,
	}
}

func fromPartyRecord(rec storage.PartyRecord) Party {
	return Party{
		ID:               rec.ID,
		LeaderIdentityID: rec.LeaderIdentityID,
		MinSize:          rec.MinSize,
		MaxSize:          rec.MaxSize,
		Status:           Status(rec.Status),
		SessionID:        rec.SessionID,
		IsActive:         rec.IsActive,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func toPartyRecord(p Party) storage.PartyRecord {
	return storage.PartyRecord{
		ID:               p.ID,
		LeaderIdentityID: p.LeaderIdentityID,
		MinSize:          p.MinSize,
		MaxSize:          p.MaxSize,
		Status:           string(p.Status),
		SessionID:        p.SessionID,
		IsActive:         p.IsActive,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func fromMemberRecord(rec storage.MemberRecord) Member {
	return Member{
		PartyID:       rec.PartyID,
		IdentityID:    rec.IdentityID,
		CharacterName: rec.CharacterName,
		Backstory:     rec.Backstory,
		Role:          rec.Role,
		JoinedAt:      rec.JoinedAt,
	}
}

// resolveIdentity maps an external identity to its internal id inside tx,
// creating a placeholder row when configured to.
func (m *Manager) resolveIdentity(ctx context.Context, tx storage.Tx, externalID, displayName string) (storage.IdentityRecord, error) {
	if m.allowPlaceholders {
		rec, _, err := tx.Identities().ResolveIdentity(ctx, externalID, displayName, m.now().UTC())
		return rec, err
	}
	rec, err := tx.Identities().FindIdentity(ctx, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.IdentityRecord{}, platerrors.WithMetadata(platerrors.CodeValidationFailed, "unknown identity", map[string]string{
				"identity": externalID,
			})
		}
		return storage.IdentityRecord{}, err
	}
	return rec, nil
}

// CreateParams carries the caller-supplied fields for a new party.
type CreateParams struct {
	LeaderIdentity string
	CharacterName  string
	Backstory      string
	MinSize        int
	MaxSize        int
}

// Create validates the size settings, resolves the leader identity, rejects
// leaders already in a non-disbanded party, and atomically inserts the
// party row plus the leader's membership.
func (m *Manager) Create(ctx context.Context, params CreateParams) (Party, error) {
	if strings.TrimSpace(params.LeaderIdentity) == "" {
		return Party{}, platerrors.New(platerrors.CodeValidationFailed, "leader identity is required")
	}
	if strings.TrimSpace(params.CharacterName) == "" {
		return Party{}, platerrors.New(platerrors.CodeValidationFailed, "character name is required")
	}
	if params.MinSize < 1 || params.MinSize > params.MaxSize || params.MaxSize > MaxPartySize {
		return Party{}, ErrInvalidSize
	}

	var party Party
	err := m.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		leader, err := m.resolveIdentity(ctx, tx, params.LeaderIdentity, params.CharacterName)
		if err != nil {
			return err
		}

		if _, err := tx.Parties().FindOpenPartyByMember(ctx, leader.ID); err == nil {
			return ErrMemberClaimed
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		partyID, err := m.newID()
		if err != nil {
			return fmt.Errorf("generate party id: %w", err)
		}

		now := m.now().UTC()
		party = Party{
			ID:               partyID,
			LeaderIdentityID: leader.ID,
			MinSize:          params.MinSize,
			MaxSize:          params.MaxSize,
			Status:           StatusRecruiting,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if params.MaxSize == 1 {
			party.Status = StatusActive
		}

		if err := tx.Parties().CreateParty(ctx, toPartyRecord(party)); err != nil {
			return err
		}
		if err := tx.Parties().AddMember(ctx, storage.MemberRecord{
			PartyID:       party.ID,
			IdentityID:    leader.ID,
			CharacterName: params.CharacterName,
			Backstory:     params.Backstory,
			Role:          RoleLeader,
			JoinedAt:      now,
		}); err != nil {
			return err
		}

		cached := party
		tx.OnCommit(func() { m.cache.Put(cached.ID, cached) })
		return nil
	})
	if err != nil {
		return Party{}, err
	}
	return party, nil
}

// AddMember joins an identity to a recruiting party. Re-adding an existing
// member is a no-op success. Reaching configured capacity flips the party
// to active.
func (m *Manager) AddMember(ctx context.Context, partyID, externalIdentity, characterName, backstory string) (Member, error) {
	if strings.TrimSpace(partyID) == "" {
		return Member{}, platerrors.New(platerrors.CodeValidationFailed, "party id is required")
	}
	if strings.TrimSpace(externalIdentity) == "" {
		return Member{}, platerrors.New(platerrors.CodeValidationFailed, "member identity is required")
	}
	if strings.TrimSpace(characterName) == "" {
		return Member{}, platerrors.New(platerrors.CodeValidationFailed, "character name is required")
	}

	var member Member
	err := m.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		partyRec, err := tx.Parties().GetParty(ctx, partyID)
		if err != nil {
			return err
		}
		party := fromPartyRecord(partyRec)

		// A known identity may already be a member; re-adding is a no-op.
		// The lookup never creates a row, so a rejected join leaves no
		// placeholder identity behind.
		var known *storage.IdentityRecord
		if found, err := tx.Identities().FindIdentity(ctx, externalIdentity); err == nil {
			known = &found
			if existing, err := tx.Parties().GetMember(ctx, partyID, found.ID); err == nil {
				member = fromMemberRecord(existing)
				return nil
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if party.Status == StatusDisbanded {
			return ErrDisbanded
		}

		count, err := tx.Parties().CountMembers(ctx, partyID)
		if err != nil {
			return err
		}
		if count >= party.MaxSize {
			return ErrPartyFull
		}
		if party.Status != StatusRecruiting {
			return ErrNotRecruiting
		}

		// A freshly created placeholder cannot be claimed anywhere else.
		if known != nil {
			if _, err := tx.Parties().FindOpenPartyByMember(ctx, known.ID); err == nil {
				return ErrMemberClaimed
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}

		identity, err := m.resolveIdentity(ctx, tx, externalIdentity, characterName)
		if err != nil {
			return err
		}

		now := m.now().UTC()
		rec := storage.MemberRecord{
			PartyID:       partyID,
			IdentityID:    identity.ID,
			CharacterName: characterName,
			Backstory:     backstory,
			Role:          RoleMember,
			JoinedAt:      now,
		}
		if err := tx.Parties().AddMember(ctx, rec); err != nil {
			return err
		}
		member = fromMemberRecord(rec)

		if count+1 >= party.MaxSize {
			party.Status = StatusActive
		}
		party.UpdatedAt = now
		if err := tx.Parties().UpdateParty(ctx, toPartyRecord(party)); err != nil {
			return err
		}

		cached := party
		tx.OnCommit(func() { m.cache.Put(cached.ID, cached) })
		return nil
	})
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

// RemoveMember removes a non-leader member. Removing the leader always
// fails; leaders disband instead. When only the leader remains afterwards,
// an active party reverts to recruiting.
func (m *Manager) RemoveMember(ctx context.Context, partyID, externalIdentity string) error {
	if strings.TrimSpace(partyID) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "party id is required")
	}
	if strings.TrimSpace(externalIdentity) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "member identity is required")
	}

	return m.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		partyRec, err := tx.Parties().GetParty(ctx, partyID)
		if err != nil {
			return err
		}
		party := fromPartyRecord(partyRec)

		identity, err := tx.Identities().FindIdentity(ctx, externalIdentity)
		if err != nil {
			return err
		}

		memberRec, err := tx.Parties().GetMember(ctx, partyID, identity.ID)
		if err != nil {
			return err
		}
		if memberRec.Role == RoleLeader || identity.ID == party.LeaderIdentityID {
			return ErrLeaderRemoval
		}

		if err := tx.Parties().RemoveMember(ctx, partyID, identity.ID); err != nil {
			return err
		}

		count, err := tx.Parties().CountMembers(ctx, partyID)
		if err != nil {
			return err
		}
		if count == 1 && party.Status == StatusActive {
			party.Status = StatusRecruiting
		}
		party.UpdatedAt = m.now().UTC()
		if err := tx.Parties().UpdateParty(ctx, toPartyRecord(party)); err != nil {
			return err
		}

		cached := party
		tx.OnCommit(func() { m.cache.Put(cached.ID, cached) })
		return nil
	})
}

// LinkSession attaches a session to the party and flips it active. A party
// holds at most one session at a time.
func (m *Manager) LinkSession(ctx context.Context, tx storage.Tx, partyID, sessionID string) error {
	if tx == nil {
		return platerrors.New(platerrors.CodeMissingTransaction, "operation requires a transaction")
	}
	if strings.TrimSpace(sessionID) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "session id is required")
	}

	partyRec, err := tx.Parties().GetParty(ctx, partyID)
	if err != nil {
		return err
	}
	party := fromPartyRecord(partyRec)

	if party.Status == StatusDisbanded {
		return ErrDisbanded
	}
	if party.SessionID != "" && party.SessionID != sessionID {
		return ErrSessionLinked
	}

	party.SessionID = sessionID
	party.Status = StatusActive
	party.UpdatedAt = m.now().UTC()
	if err := tx.Parties().UpdateParty(ctx, toPartyRecord(party)); err != nil {
		return err
	}

	cached := party
	tx.OnCommit(func() { m.cache.Put(cached.ID, cached) })
	return nil
}

// UnlinkSession clears the session link after the session ended. The party
// is disbanded and deactivated; memberships are removed so identities are
// free to regroup.
func (m *Manager) UnlinkSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "session id is required")
	}

	return m.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		party, err := m.findBySession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		return m.disbandInTx(ctx, tx, party, false, "session ended")
	})
}

// Disband is idempotent: disbanding an already-disbanded party is a no-op.
// A linked session is marked failed and unlinked, all memberships are
// removed, and the party becomes disbanded and inactive.
func (m *Manager) Disband(ctx context.Context, partyID string) error {
	if strings.TrimSpace(partyID) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "party id is required")
	}

	return m.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		partyRec, err := tx.Parties().GetParty(ctx, partyID)
		if err != nil {
			return err
		}
		return m.disbandInTx(ctx, tx, fromPartyRecord(partyRec), true, "party disbanded")
	})
}

// disbandInTx performs the disband cascade inside tx. failSession controls
// whether the linked session is marked failed; the unlink path skips that
// when the session already ended.
func (m *Manager) disbandInTx(ctx context.Context, tx storage.Tx, party Party, failSession bool, reason string) error {
	if party.Status == StatusDisbanded {
		return nil
	}

	if party.SessionID != "" && failSession && m.sessions != nil {
		if err := m.sessions.Fail(ctx, tx, party.SessionID, reason); err != nil {
			return fmt.Errorf("fail linked session: %w", err)
		}
	}

	if err := tx.Parties().RemoveAllMembers(ctx, party.ID); err != nil {
		return err
	}

	party.SessionID = ""
	party.Status = StatusDisbanded
	party.IsActive = false
	party.UpdatedAt = m.now().UTC()
	if err := tx.Parties().UpdateParty(ctx, toPartyRecord(party)); err != nil {
		return err
	}

	cached := party
	tx.OnCommit(func() { m.cache.Put(cached.ID, cached) })
	return nil
}

// findBySession locates the party linked to sessionID. The lookup goes
// through the store because the cache may be stale.
func (m *Manager) findBySession(ctx context.Context, tx storage.Tx, sessionID string) (Party, error) {
	rec, err := tx.Parties().FindPartyBySession(ctx, sessionID)
	if err != nil {
		return Party{}, err
	}
	return fromPartyRecord(rec), nil
}

// Get returns a party, cache first.
func (m *Manager) Get(ctx context.Context, partyID string) (Party, error) {
	if cached, ok := m.cache.Get(partyID); ok {
		return cached, nil
	}

	rec, err := m.gateway.View().Parties().GetParty(ctx, partyID)
	if err != nil {
		return Party{}, err
	}
	party := fromPartyRecord(rec)
	m.cache.Put(partyID, party)
	return party, nil
}

// Members returns the party's members in join order.
func (m *Manager) Members(ctx context.Context, partyID string) ([]Member, error) {
	records, err := m.gateway.View().Parties().ListMembers(ctx, partyID)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(records))
	for _, rec := range records {
		members = append(members, fromMemberRecord(rec))
	}
	return members, nil
}

// FindByMember returns the non-disbanded party an identity belongs to.
func (m *Manager) FindByMember(ctx context.Context, externalIdentity string) (Party, error) {
	identity, err := m.gateway.View().Identities().FindIdentity(ctx, externalIdentity)
	if err != nil {
		return Party{}, err
	}
	rec, err := m.gateway.View().Parties().FindOpenPartyByMember(ctx, identity.ID)
	if err != nil {
		return Party{}, err
	}
	return fromPartyRecord(rec), nil
}

// StartCacheSweepWorker runs the cache expiry sweep for this manager.
func (m *Manager) StartCacheSweepWorker(ctx context.Context, interval time.Duration) (context.CancelFunc, chan struct{}) {
	return m.cache.StartSweepWorker(ctx, interval)
}
