// Package storage defines the persistence contracts for the session
// coordination core: entity records, per-entity store interfaces, and the
// transactional gateway that managers share.
//
// Records deliberately carry storage-level types (string statuses, raw JSON
// payloads) so this package never depends on the domain packages above it.
// Managers own the conversion in both directions.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict indicates an optimistic-concurrency guard rejected a
// write because another writer committed first.
var ErrVersionConflict = errors.New("record version conflict")

// ErrDuplicate indicates a create collided with an existing primary key.
var ErrDuplicate = errors.New("record already exists")

// ErrTimeout indicates a store call exceeded its deadline. Deadline expiry
// is a transient failure class: the gateway retries it like any other
// transient store error.
var ErrTimeout = errors.New("store call timed out")

// IsTransient reports whether err belongs to the failure classes the
// gateway may safely retry: lock contention, busy handles, connection
// resets, and deadline expiry. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	value := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(value, marker) {
			return true
		}
	}
	return false
}

// transientMarkers match the SQLite busy/locked family plus the network
// failure classes seen when the store lives behind a socket.
var transientMarkers = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"sqlite_locked",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"interrupted",
}

// SessionRecord persists session metadata.
type SessionRecord struct {
	ID              string
	CreatorIdentity string
	Title           string
	Description     string
	SettingsJSON    []byte
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StateRecord persists the 1:1 session state row.
type StateRecord struct {
	SessionID        string
	Status           string
	CurrentSceneJSON []byte
	HistoryJSON      []byte
	EventHistoryJSON []byte
	FlagsJSON        []byte
	VariablesJSON    []byte
	ProgressJSON     []byte
	Version          int64
	UpdatedAt        time.Time
}

// LedgerRecord persists one per-session, per-resource-type usage counter.
// A ceiling of zero means unbounded; a reset interval of zero means the
// counter never resets.
type LedgerRecord struct {
	SessionID      string
	ResourceType   string
	Used           int64
	MaxPerInterval int64
	MaxTotal       int64
	ResetInterval  time.Duration
	LastReset      time.Time
	UpdatedAt      time.Time
}

// LedgerKey identifies a ledger row.
type LedgerKey struct {
	SessionID    string
	ResourceType string
}

// IdentityRecord maps an opaque external identity to a stable internal id.
type IdentityRecord struct {
	ID          int64
	ExternalID  string
	DisplayName string
	CreatedAt   time.Time
}

// PartyRecord persists party metadata. SessionID is empty while the party
// is not linked to a session.
type PartyRecord struct {
	ID               string
	LeaderIdentityID int64
	MinSize          int
	MaxSize          int
	Status           string
	SessionID        string
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MemberRecord persists a party-scoped membership row.
type MemberRecord struct {
	PartyID       string
	IdentityID    int64
	CharacterName string
	Backstory     string
	Role          string
	JoinedAt      time.Time
}

// SessionStore persists sessions and their state rows.
type SessionStore interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	// UpdateSessionStatus rewrites only the status column; the primary key
	// is never part of an update's SET clause.
	UpdateSessionStatus(ctx context.Context, id, status string, updatedAt time.Time) error
	ListSessionsByCreator(ctx context.Context, creatorIdentity string) ([]SessionRecord, error)

	CreateState(ctx context.Context, rec StateRecord) error
	GetState(ctx context.Context, sessionID string) (StateRecord, error)
	// UpdateState commits rec only when the stored version still equals
	// expectedVersion; otherwise it returns ErrVersionConflict.
	UpdateState(ctx context.Context, rec StateRecord, expectedVersion int64) error
	// PutStateSnapshot writes rec unless the stored version has advanced
	// past it. Autosave flushes go through here so a stale snapshot never
	// clobbers a newer committed state.
	PutStateSnapshot(ctx context.Context, rec StateRecord) error
}

// LedgerStore persists resource usage ledgers.
type LedgerStore interface {
	CreateLedger(ctx context.Context, rec LedgerRecord) error
	GetLedger(ctx context.Context, sessionID, resourceType string) (LedgerRecord, error)
	ListLedgers(ctx context.Context, sessionID string) ([]LedgerRecord, error)
	// ApplyAllocation performs the maybe-reset, ceiling check, and
	// increment as one atomic statement against the ledger row. It returns
	// the resulting record and false, without error, when a ceiling would
	// be exceeded.
	ApplyAllocation(ctx context.Context, sessionID, resourceType string, amount int64, now time.Time) (LedgerRecord, bool, error)
	// ReleaseAllocation decrements usage, floored at zero.
	ReleaseAllocation(ctx context.Context, sessionID, resourceType string, amount int64, now time.Time) (LedgerRecord, error)
	// DeleteStaleLedgers removes ledger rows whose parent session carries
	// one of the given statuses and which were last touched before
	// staleBefore. It returns the deleted keys for cache eviction.
	DeleteStaleLedgers(ctx context.Context, sessionStatuses []string, staleBefore time.Time) ([]LedgerKey, error)
}

// IdentityStore maps external identities to internal numeric ids.
type IdentityStore interface {
	// ResolveIdentity looks up an external identity, creating the row on
	// first sight. The boolean reports whether a row was created.
	ResolveIdentity(ctx context.Context, externalID, displayName string, now time.Time) (IdentityRecord, bool, error)
	// FindIdentity looks up an external identity without creating it.
	FindIdentity(ctx context.Context, externalID string) (IdentityRecord, error)
}

// PartyStore persists parties and their memberships.
type PartyStore interface {
	CreateParty(ctx context.Context, rec PartyRecord) error
	GetParty(ctx context.Context, id string) (PartyRecord, error)
	UpdateParty(ctx context.Context, rec PartyRecord) error

	AddMember(ctx context.Context, rec MemberRecord) error
	GetMember(ctx context.Context, partyID string, identityID int64) (MemberRecord, error)
	RemoveMember(ctx context.Context, partyID string, identityID int64) error
	RemoveAllMembers(ctx context.Context, partyID string) error
	ListMembers(ctx context.Context, partyID string) ([]MemberRecord, error)
	CountMembers(ctx context.Context, partyID string) (int, error)
	// FindOpenPartyByMember returns the non-disbanded party the identity
	// belongs to, or ErrNotFound when there is none.
	FindOpenPartyByMember(ctx context.Context, identityID int64) (PartyRecord, error)
	// FindPartyBySession returns the party linked to a session, or
	// ErrNotFound when no party holds the link.
	FindPartyBySession(ctx context.Context, sessionID string) (PartyRecord, error)
}

// Stores bundles the per-entity stores behind one accessor surface.
type Stores interface {
	Sessions() SessionStore
	Ledgers() LedgerStore
	Identities() IdentityStore
	Parties() PartyStore
}

// Tx is the scoped transaction handle passed through a unit of work. It is
// acquired once, passed by reference down the call chain, and released
// exactly once by the gateway on every exit path.
type Tx interface {
	Stores

	// OnCommit registers a hook the gateway runs after a successful
	// commit. Managers use it to refresh in-process caches only once the
	// mutation is durable.
	OnCommit(fn func())
}

// Gateway executes units of work against the durable store.
type Gateway interface {
	// Execute runs op inside one transaction, committing on nil error and
	// rolling back otherwise. Transient failures are retried with
	// exponential backoff up to maxAttempts; every attempt is bounded by a
	// deadline even when the caller supplies none.
	Execute(ctx context.Context, maxAttempts int, op func(ctx context.Context, tx Tx) error) error

	// View returns auto-committing stores for reads and single-statement
	// operations.
	View() Stores
}
