package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/internal/storage"
)

var testTime = time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "adventure.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store
}

func seedSession(t *testing.T, store *Store, id string) {
	t.Helper()

	err := store.View().Sessions().CreateSession(context.Background(), storage.SessionRecord{
		ID:              id,
		CreatorIdentity: "creator-1",
		Title:           "The Sunken Vault",
		Status:          "initialized",
		CreatedAt:       testTime,
		UpdatedAt:       testTime,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("   "); err == nil {
		t.Fatal("Open() error = nil, want error for blank path")
	}
}

func TestCloseNilSafe(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v, want nil", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessions := store.View().Sessions()

	seedSession(t, store, "sess-1")

	rec, err := sessions.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.Title != "The Sunken Vault" {
		t.Fatalf("Title = %q, want %q", rec.Title, "The Sunken Vault")
	}
	if rec.Status != "initialized" {
		t.Fatalf("Status = %q, want %q", rec.Status, "initialized")
	}
	if !rec.CreatedAt.Equal(testTime) {
		t.Fatalf("CreatedAt = %v, want %v", rec.CreatedAt, testTime)
	}

	err = sessions.CreateSession(ctx, storage.SessionRecord{
		ID:              "sess-1",
		CreatorIdentity: "creator-1",
		Title:           "Duplicate",
		Status:          "initialized",
		CreatedAt:       testTime,
		UpdatedAt:       testTime,
	})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("CreateSession() duplicate error = %v, want ErrDuplicate", err)
	}

	later := testTime.Add(time.Minute)
	if err := sessions.UpdateSessionStatus(ctx, "sess-1", "active", later); err != nil {
		t.Fatalf("UpdateSessionStatus() error = %v", err)
	}
	rec, err = sessions.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() after update error = %v", err)
	}
	if rec.Status != "active" {
		t.Fatalf("Status = %q, want %q", rec.Status, "active")
	}
	if !rec.UpdatedAt.Equal(later) {
		t.Fatalf("UpdatedAt = %v, want %v", rec.UpdatedAt, later)
	}

	if err := sessions.UpdateSessionStatus(ctx, "missing", "active", later); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("UpdateSessionStatus() missing error = %v, want ErrNotFound", err)
	}
	if _, err := sessions.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetSession() missing error = %v, want ErrNotFound", err)
	}
}

func TestListSessionsByCreatorOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessions := store.View().Sessions()

	for i, id := range []string{"sess-a", "sess-b", "sess-c"} {
		err := sessions.CreateSession(ctx, storage.SessionRecord{
			ID:              id,
			CreatorIdentity: "creator-1",
			Title:           "Adventure",
			Status:          "initialized",
			CreatedAt:       testTime.Add(time.Duration(i) * time.Minute),
			UpdatedAt:       testTime.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateSession(%s) error = %v", id, err)
		}
	}

	records, err := sessions.ListSessionsByCreator(ctx, "creator-1")
	if err != nil {
		t.Fatalf("ListSessionsByCreator() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	if records[0].ID != "sess-c" {
		t.Fatalf("records[0].ID = %q, want %q (newest first)", records[0].ID, "sess-c")
	}

	records, err = sessions.ListSessionsByCreator(ctx, "creator-2")
	if err != nil {
		t.Fatalf("ListSessionsByCreator() empty error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("len(records) = %d, want 0", len(records))
	}
}

func TestStateOptimisticConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessions := store.View().Sessions()

	seedSession(t, store, "sess-1")
	err := sessions.CreateState(ctx, storage.StateRecord{
		SessionID: "sess-1",
		Status:    "initialized",
		Version:   1,
		UpdatedAt: testTime,
	})
	if err != nil {
		t.Fatalf("CreateState() error = %v", err)
	}

	rec, err := sessions.GetState(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("Version = %d, want 1", rec.Version)
	}
	if string(rec.HistoryJSON) != "[]" {
		t.Fatalf("HistoryJSON = %q, want %q", rec.HistoryJSON, "[]")
	}

	rec.Status = "active"
	rec.Version = 2
	rec.UpdatedAt = testTime.Add(time.Second)
	if err := sessions.UpdateState(ctx, rec, 1); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}

	// A writer still holding version 1 must lose.
	stale := rec
	stale.Version = 2
	if err := sessions.UpdateState(ctx, stale, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("UpdateState() stale error = %v, want ErrVersionConflict", err)
	}

	missing := rec
	missing.SessionID = "missing"
	missing.Version = 3
	if err := sessions.UpdateState(ctx, missing, 2); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("UpdateState() missing error = %v, want ErrNotFound", err)
	}
}

func TestPutStateSnapshotNeverClobbersNewer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessions := store.View().Sessions()

	seedSession(t, store, "sess-1")
	err := sessions.CreateState(ctx, storage.StateRecord{
		SessionID: "sess-1",
		Status:    "active",
		Version:   5,
		UpdatedAt: testTime,
	})
	if err != nil {
		t.Fatalf("CreateState() error = %v", err)
	}

	stale := storage.StateRecord{
		SessionID: "sess-1",
		Status:    "initialized",
		Version:   3,
		UpdatedAt: testTime.Add(time.Second),
	}
	if err := sessions.PutStateSnapshot(ctx, stale); err != nil {
		t.Fatalf("PutStateSnapshot() stale error = %v", err)
	}
	rec, err := sessions.GetState(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if rec.Version != 5 || rec.Status != "active" {
		t.Fatalf("state = (%d, %q), want stale snapshot ignored", rec.Version, rec.Status)
	}

	fresh := stale
	fresh.Status = "paused"
	fresh.Version = 6
	if err := sessions.PutStateSnapshot(ctx, fresh); err != nil {
		t.Fatalf("PutStateSnapshot() fresh error = %v", err)
	}
	rec, err = sessions.GetState(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetState() after snapshot error = %v", err)
	}
	if rec.Version != 6 || rec.Status != "paused" {
		t.Fatalf("state = (%d, %q), want (6, paused)", rec.Version, rec.Status)
	}
}

func seedLedger(t *testing.T, store *Store, rec storage.LedgerRecord) {
	t.Helper()

	if err := store.View().Ledgers().CreateLedger(context.Background(), rec); err != nil {
		t.Fatalf("CreateLedger() error = %v", err)
	}
}

func TestApplyAllocationDeniesOverCeiling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedSession(t, store, "sess-1")
	seedLedger(t, store, storage.LedgerRecord{
		SessionID:      "sess-1",
		ResourceType:   "narration",
		Used:           8,
		MaxPerInterval: 10,
		MaxTotal:       50,
		ResetInterval:  24 * time.Hour,
		LastReset:      testTime.Add(-2 * time.Hour),
		UpdatedAt:      testTime.Add(-2 * time.Hour),
	})

	rec, ok, err := store.View().Ledgers().ApplyAllocation(ctx, "sess-1", "narration", 5, testTime)
	if err != nil {
		t.Fatalf("ApplyAllocation() error = %v", err)
	}
	if ok {
		t.Fatal("ApplyAllocation() ok = true, want denial over per-interval ceiling")
	}
	if rec.Used != 8 {
		t.Fatalf("Used = %d, want 8 (unchanged on denial)", rec.Used)
	}
}

func TestApplyAllocationResetsExpiredInterval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedSession(t, store, "sess-1")
	seedLedger(t, store, storage.LedgerRecord{
		SessionID:      "sess-1",
		ResourceType:   "narration",
		Used:           8,
		MaxPerInterval: 10,
		MaxTotal:       50,
		ResetInterval:  24 * time.Hour,
		LastReset:      testTime.Add(-25 * time.Hour),
		UpdatedAt:      testTime.Add(-25 * time.Hour),
	})

	rec, ok, err := store.View().Ledgers().ApplyAllocation(ctx, "sess-1", "narration", 5, testTime)
	if err != nil {
		t.Fatalf("ApplyAllocation() error = %v", err)
	}
	if !ok {
		t.Fatal("ApplyAllocation() ok = false, want reset then grant")
	}
	if rec.Used != 5 {
		t.Fatalf("Used = %d, want 5 after interval reset", rec.Used)
	}
	if !rec.LastReset.Equal(testTime) {
		t.Fatalf("LastReset = %v, want %v", rec.LastReset, testTime)
	}
}

func TestApplyAllocationUnboundedAndMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ledgers := store.View().Ledgers()

	seedSession(t, store, "sess-1")
	seedLedger(t, store, storage.LedgerRecord{
		SessionID:    "sess-1",
		ResourceType: "upstream_call",
		LastReset:    testTime,
		UpdatedAt:    testTime,
	})

	rec, ok, err := ledgers.ApplyAllocation(ctx, "sess-1", "upstream_call", 1000, testTime)
	if err != nil {
		t.Fatalf("ApplyAllocation() error = %v", err)
	}
	if !ok {
		t.Fatal("ApplyAllocation() ok = false, want grant for unbounded ledger")
	}
	if rec.Used != 1000 {
		t.Fatalf("Used = %d, want 1000", rec.Used)
	}

	if _, _, err := ledgers.ApplyAllocation(ctx, "sess-1", "missing", 1, testTime); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ApplyAllocation() missing error = %v, want ErrNotFound", err)
	}
	if _, _, err := ledgers.ApplyAllocation(ctx, "sess-1", "upstream_call", 0, testTime); err == nil {
		t.Fatal("ApplyAllocation() error = nil, want error for non-positive amount")
	}
}

func TestReleaseAllocationFloorsAtZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ledgers := store.View().Ledgers()

	seedSession(t, store, "sess-1")
	seedLedger(t, store, storage.LedgerRecord{
		SessionID:    "sess-1",
		ResourceType: "narration",
		Used:         3,
		LastReset:    testTime,
		UpdatedAt:    testTime,
	})

	rec, err := ledgers.ReleaseAllocation(ctx, "sess-1", "narration", 10, testTime)
	if err != nil {
		t.Fatalf("ReleaseAllocation() error = %v", err)
	}
	if rec.Used != 0 {
		t.Fatalf("Used = %d, want 0 (floored)", rec.Used)
	}

	if _, err := ledgers.ReleaseAllocation(ctx, "sess-1", "missing", 1, testTime); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ReleaseAllocation() missing error = %v, want ErrNotFound", err)
	}
}

func TestDeleteStaleLedgers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	view := store.View()

	seedSession(t, store, "sess-done")
	seedSession(t, store, "sess-live")
	if err := view.Sessions().UpdateSessionStatus(ctx, "sess-done", "completed", testTime); err != nil {
		t.Fatalf("UpdateSessionStatus() error = %v", err)
	}

	old := testTime.Add(-48 * time.Hour)
	seedLedger(t, store, storage.LedgerRecord{SessionID: "sess-done", ResourceType: "narration", LastReset: old, UpdatedAt: old})
	seedLedger(t, store, storage.LedgerRecord{SessionID: "sess-done", ResourceType: "illustration", LastReset: testTime, UpdatedAt: testTime})
	seedLedger(t, store, storage.LedgerRecord{SessionID: "sess-live", ResourceType: "narration", LastReset: old, UpdatedAt: old})

	keys, err := view.Ledgers().DeleteStaleLedgers(ctx, []string{"completed", "failed"}, testTime.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteStaleLedgers() error = %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(keys))
	}
	if keys[0].SessionID != "sess-done" || keys[0].ResourceType != "narration" {
		t.Fatalf("keys[0] = %+v, want stale ledger for terminal session", keys[0])
	}

	if _, err := view.Ledgers().GetLedger(ctx, "sess-done", "narration"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetLedger() deleted error = %v, want ErrNotFound", err)
	}
	if _, err := view.Ledgers().GetLedger(ctx, "sess-live", "narration"); err != nil {
		t.Fatalf("GetLedger() live session error = %v, want row kept", err)
	}
}

func TestDeleteStaleLedgersSkipsFreshlyTouchedRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	view := store.View()

	seedSession(t, store, "sess-done")
	if err := view.Sessions().UpdateSessionStatus(ctx, "sess-done", "completed", testTime); err != nil {
		t.Fatalf("UpdateSessionStatus() error = %v", err)
	}

	old := testTime.Add(-48 * time.Hour)
	seedLedger(t, store, storage.LedgerRecord{SessionID: "sess-done", ResourceType: "narration", Used: 2, LastReset: old, UpdatedAt: old})
	seedLedger(t, store, storage.LedgerRecord{SessionID: "sess-done", ResourceType: "illustration", Used: 1, LastReset: old, UpdatedAt: old})

	// A write lands on one of the stale rows before the sweep. The delete
	// checks updated_at itself, so the refreshed row must survive.
	if _, err := view.Ledgers().ReleaseAllocation(ctx, "sess-done", "illustration", 1, testTime); err != nil {
		t.Fatalf("ReleaseAllocation() error = %v", err)
	}

	keys, err := view.Ledgers().DeleteStaleLedgers(ctx, []string{"completed", "failed"}, testTime.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteStaleLedgers() error = %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(keys))
	}
	if keys[0].SessionID != "sess-done" || keys[0].ResourceType != "narration" {
		t.Fatalf("keys[0] = %+v, want only the untouched row", keys[0])
	}

	if _, err := view.Ledgers().GetLedger(ctx, "sess-done", "illustration"); err != nil {
		t.Fatalf("GetLedger() refreshed row error = %v, want row kept", err)
	}
}

func TestResolveIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	identities := store.View().Identities()

	rec, created, err := identities.ResolveIdentity(ctx, "ext-1", "Rowan", testTime)
	if err != nil {
		t.Fatalf("ResolveIdentity() error = %v", err)
	}
	if !created {
		t.Fatal("created = false, want true on first sight")
	}
	if rec.ID <= 0 {
		t.Fatalf("ID = %d, want positive internal id", rec.ID)
	}

	again, created, err := identities.ResolveIdentity(ctx, "ext-1", "Rowan Again", testTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("ResolveIdentity() repeat error = %v", err)
	}
	if created {
		t.Fatal("created = true, want false on repeat")
	}
	if again.ID != rec.ID {
		t.Fatalf("ID = %d, want stable id %d", again.ID, rec.ID)
	}
	if again.DisplayName != "Rowan" {
		t.Fatalf("DisplayName = %q, want first-write value %q", again.DisplayName, "Rowan")
	}

	if _, err := identities.FindIdentity(ctx, "ext-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("FindIdentity() missing error = %v, want ErrNotFound", err)
	}
}

func seedIdentity(t *testing.T, store *Store, externalID string) int64 {
	t.Helper()

	rec, _, err := store.View().Identities().ResolveIdentity(context.Background(), externalID, externalID, testTime)
	if err != nil {
		t.Fatalf("ResolveIdentity(%s) error = %v", externalID, err)
	}
	return rec.ID
}

func TestPartyMembership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	parties := store.View().Parties()

	leaderID := seedIdentity(t, store, "ext-leader")
	memberID := seedIdentity(t, store, "ext-member")

	err := parties.CreateParty(ctx, storage.PartyRecord{
		ID:               "party-1",
		LeaderIdentityID: leaderID,
		MinSize:          1,
		MaxSize:          4,
		Status:           "recruiting",
		IsActive:         true,
		CreatedAt:        testTime,
		UpdatedAt:        testTime,
	})
	if err != nil {
		t.Fatalf("CreateParty() error = %v", err)
	}

	member := storage.MemberRecord{
		PartyID:       "party-1",
		IdentityID:    memberID,
		CharacterName: "Thorn",
		Role:          "member",
		JoinedAt:      testTime,
	}
	if err := parties.AddMember(ctx, member); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := parties.AddMember(ctx, member); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("AddMember() duplicate error = %v, want ErrDuplicate", err)
	}

	count, err := parties.CountMembers(ctx, "party-1")
	if err != nil {
		t.Fatalf("CountMembers() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("CountMembers() = %d, want 1", count)
	}

	got, err := parties.GetMember(ctx, "party-1", memberID)
	if err != nil {
		t.Fatalf("GetMember() error = %v", err)
	}
	if got.CharacterName != "Thorn" {
		t.Fatalf("CharacterName = %q, want %q", got.CharacterName, "Thorn")
	}

	found, err := parties.FindOpenPartyByMember(ctx, memberID)
	if err != nil {
		t.Fatalf("FindOpenPartyByMember() error = %v", err)
	}
	if found.ID != "party-1" {
		t.Fatalf("found.ID = %q, want %q", found.ID, "party-1")
	}

	if err := parties.RemoveMember(ctx, "party-1", memberID); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if err := parties.RemoveMember(ctx, "party-1", memberID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("RemoveMember() repeat error = %v, want ErrNotFound", err)
	}
}

func TestFindPartyBySession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	parties := store.View().Parties()

	leaderID := seedIdentity(t, store, "ext-leader")
	seedSession(t, store, "sess-1")

	rec := storage.PartyRecord{
		ID:               "party-1",
		LeaderIdentityID: leaderID,
		MinSize:          1,
		MaxSize:          4,
		Status:           "active",
		SessionID:        "sess-1",
		IsActive:         true,
		CreatedAt:        testTime,
		UpdatedAt:        testTime,
	}
	if err := parties.CreateParty(ctx, rec); err != nil {
		t.Fatalf("CreateParty() error = %v", err)
	}

	found, err := parties.FindPartyBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("FindPartyBySession() error = %v", err)
	}
	if found.ID != "party-1" {
		t.Fatalf("found.ID = %q, want %q", found.ID, "party-1")
	}

	if _, err := parties.FindPartyBySession(ctx, "sess-none"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("FindPartyBySession() missing error = %v, want ErrNotFound", err)
	}
}

func TestFindOpenPartyByMemberSkipsDisbanded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	parties := store.View().Parties()

	leaderID := seedIdentity(t, store, "ext-leader")

	rec := storage.PartyRecord{
		ID:               "party-1",
		LeaderIdentityID: leaderID,
		MinSize:          1,
		MaxSize:          4,
		Status:           "recruiting",
		IsActive:         true,
		CreatedAt:        testTime,
		UpdatedAt:        testTime,
	}
	if err := parties.CreateParty(ctx, rec); err != nil {
		t.Fatalf("CreateParty() error = %v", err)
	}
	err := parties.AddMember(ctx, storage.MemberRecord{
		PartyID:       "party-1",
		IdentityID:    leaderID,
		CharacterName: "Vael",
		Role:          "leader",
		JoinedAt:      testTime,
	})
	if err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	rec.Status = "disbanded"
	rec.IsActive = false
	rec.UpdatedAt = testTime.Add(time.Hour)
	if err := parties.UpdateParty(ctx, rec); err != nil {
		t.Fatalf("UpdateParty() error = %v", err)
	}

	if _, err := parties.FindOpenPartyByMember(ctx, leaderID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("FindOpenPartyByMember() error = %v, want ErrNotFound for disbanded party", err)
	}
}

func TestExecuteCommitsAndRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	committed := false
	err := store.Execute(ctx, 1, func(ctx context.Context, tx storage.Tx) error {
		tx.OnCommit(func() { committed = true })
		return tx.Sessions().CreateSession(ctx, storage.SessionRecord{
			ID:              "sess-1",
			CreatorIdentity: "creator-1",
			Title:           "Committed",
			Status:          "initialized",
			CreatedAt:       testTime,
			UpdatedAt:       testTime,
		})
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !committed {
		t.Fatal("commit hook did not run after successful commit")
	}

	opErr := errors.New("boom")
	hookRan := false
	err = store.Execute(ctx, 1, func(ctx context.Context, tx storage.Tx) error {
		tx.OnCommit(func() { hookRan = true })
		if err := tx.Sessions().CreateSession(ctx, storage.SessionRecord{
			ID:              "sess-2",
			CreatorIdentity: "creator-1",
			Title:           "Rolled back",
			Status:          "initialized",
			CreatedAt:       testTime,
			UpdatedAt:       testTime,
		}); err != nil {
			return err
		}
		return opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("Execute() error = %v, want %v", err, opErr)
	}
	if hookRan {
		t.Fatal("commit hook ran after rollback")
	}
	if _, err := store.View().Sessions().GetSession(ctx, "sess-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetSession() after rollback error = %v, want ErrNotFound", err)
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	attempts := 0
	err := store.Execute(ctx, 3, func(ctx context.Context, tx storage.Tx) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("exec: database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	attempts := 0
	permanent := errors.New("validation rejected")
	err := store.Execute(ctx, 5, func(ctx context.Context, tx storage.Tx) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Execute() error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestExecuteStopsAtMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	attempts := 0
	err := store.Execute(ctx, 2, func(ctx context.Context, tx storage.Tx) error {
		attempts++
		return fmt.Errorf("exec: database is locked")
	})
	if err == nil {
		t.Fatal("Execute() error = nil, want exhausted transient failure")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}
