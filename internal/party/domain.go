// Package party manages group membership lifecycle: creation, joins and
// leaves under the leader invariant, session linking, and idempotent
// disband with cascade.
package party

import (
	"time"

	platerrors "github.com/lorekeep/lorekeep/internal/platform/errors"
)

// Status is the party lifecycle status.
type Status string

const (
	StatusRecruiting Status = "recruiting"
	StatusActive     Status = "active"
	StatusDisbanded  Status = "disbanded"
)

// Member roles. Exactly one member holds RoleLeader while the party is not
// disbanded.
const (
	RoleLeader = "leader"
	RoleMember = "member"
)

// MaxPartySize is the hard upper bound on configured party capacity.
const MaxPartySize = 8

// ErrInvalidSize rejects party settings outside 1 <= min <= max <= 8.
var ErrInvalidSize = platerrors.New(platerrors.CodePartyInvalidSize, "party size settings out of range")

// ErrPartyFull rejects joins at configured capacity.
var ErrPartyFull = platerrors.New(platerrors.CodePartyFull, "party is full")

// ErrNotRecruiting rejects joins while the party is not accepting members.
var ErrNotRecruiting = platerrors.New(platerrors.CodePartyNotRecruiting, "party is not accepting members")

// ErrLeaderRemoval rejects removing the leader; leaders disband instead.
var ErrLeaderRemoval = platerrors.New(platerrors.CodePartyLeaderRemoval, "party leader cannot be removed")

// ErrMemberClaimed rejects an identity that already belongs to another
// non-disbanded party.
var ErrMemberClaimed = platerrors.New(platerrors.CodePartyMemberClaimed, "identity already belongs to a party")

// ErrDisbanded rejects mutations on a disbanded party.
var ErrDisbanded = platerrors.New(platerrors.CodePartyDisbanded, "party is disbanded")

// ErrSessionLinked rejects linking a party that already has a live session.
var ErrSessionLinked = platerrors.New(platerrors.CodePartySessionLinked, "party is already linked to a session")

// Party is the group entity. SessionID is empty while unlinked.
type Party struct {
	ID               string
	LeaderIdentityID int64
	MinSize          int
	MaxSize          int
	Status           Status
	SessionID        string
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Member is one party membership.
type Member struct {
	PartyID       string
	IdentityID    int64
	CharacterName string
	Backstory     string
	Role          string
	JoinedAt      time.Time
}
