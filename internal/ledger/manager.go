package ledger

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/cache"
	platerrors "github.com/lorekeep/lorekeep/internal/platform/errors"
	"github.com/lorekeep/lorekeep/internal/storage"
)

const (
	// DefaultSweepInterval drives the stale-ledger cleanup loop.
	DefaultSweepInterval = 15 * time.Minute
	// DefaultStaleAfter is how long a terminal session's ledgers linger
	// before the sweep removes them.
	DefaultStaleAfter = 24 * time.Hour

	// storeAttempts is the transient-retry budget handed to the gateway.
	storeAttempts = 3
)

// ErrUnknownResource rejects a request against a resource type the session
// has no ledger for.
var ErrUnknownResource = platerrors.New(platerrors.CodeLedgerUnknownResource, "unknown resource type for session")

// ErrInvalidAmount rejects non-positive allocation amounts.
var ErrInvalidAmount = platerrors.New(platerrors.CodeLedgerInvalidAmount, "allocation amount must be positive")

// terminalSessionStatuses matches the session lifecycle's terminal states;
// the sweep only touches ledgers whose parent session can never resume.
var terminalSessionStatuses = []string{"completed", "failed"}

// Ledger is the usage counter for one (session, resource type) pair.
type Ledger struct {
	SessionID      string
	ResourceType   string
	Used           int64
	MaxPerInterval int64
	MaxTotal       int64
	ResetInterval  time.Duration
	LastReset      time.Time
	UpdatedAt      time.Time
}

func fromRecord(rec storage.LedgerRecord) Ledger {
	return Ledger{
		SessionID:      rec.SessionID,
		ResourceType:   rec.ResourceType,
		Used:           rec.Used,
		MaxPerInterval: rec.MaxPerInterval,
		MaxTotal:       rec.MaxTotal,
		ResetInterval:  rec.ResetInterval,
		LastReset:      rec.LastReset,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// Manager enforces resource budgets over the storage gateway. The guarded
// ledger update in the store is the serialization point; the cache is a
// read-side convenience refreshed only after commit.
type Manager struct {
	gateway storage.Gateway
	cache   *cache.Cache[storage.LedgerKey, Ledger]
	limits  Limits

	now func() time.Time
}

// NewManager returns a ledger manager. Nil limits fall back to the embedded
// defaults.
func NewManager(gateway storage.Gateway, limits Limits) (*Manager, error) {
	if limits == nil {
		defaults, err := DefaultLimits()
		if err != nil {
			return nil, err
		}
		limits = defaults
	}
	return &Manager{
		gateway: gateway,
		cache:   cache.New[storage.LedgerKey, Ledger](cache.DefaultMaxEntries, cache.DefaultTTL),
		limits:  limits,
		now:     time.Now,
	}, nil
}

// InitializeResources inserts one ledger row per configured resource type
// inside the caller's transaction, merging overrides with the defaults.
// Rows are cached only after the enclosing commit.
func (m *Manager) InitializeResources(ctx context.Context, tx storage.Tx, sessionID string, overrides Limits) ([]Ledger, error) {
	if tx == nil {
		return nil, platerrors.New(platerrors.CodeMissingTransaction, "operation requires a transaction")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, platerrors.New(platerrors.CodeValidationFailed, "session id is required")
	}

	merged := m.limits.Merge(overrides)
	types := make([]string, 0, len(merged))
	for resourceType := range merged {
		types = append(types, resourceType)
	}
	sort.Strings(types)

	now := m.now().UTC()
	ledgers := make([]Ledger, 0, len(types))
	for _, resourceType := range types {
		limit := merged[resourceType]
		rec := storage.LedgerRecord{
			SessionID:      sessionID,
			ResourceType:   resourceType,
			Used:           0,
			MaxPerInterval: limit.MaxPerInterval,
			MaxTotal:       limit.MaxTotal,
			ResetInterval:  limit.ResetInterval,
			LastReset:      now,
			UpdatedAt:      now,
		}
		if err := tx.Ledgers().CreateLedger(ctx, rec); err != nil {
			return nil, err
		}
		ledgers = append(ledgers, fromRecord(rec))
	}

	cached := append([]Ledger(nil), ledgers...)
	tx.OnCommit(func() {
		for _, l := range cached {
			m.cache.Put(storage.LedgerKey{SessionID: l.SessionID, ResourceType: l.ResourceType}, l)
		}
	})
	return ledgers, nil
}

// Request asks for amount units of a resource. The reset-if-due, ceiling
// check, and increment are one guarded statement in the store, so
// concurrent requests serialize on the row. A ceiling violation returns
// false without error; callers degrade instead of failing.
func (m *Manager) Request(ctx context.Context, sessionID, resourceType string, amount int64) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, platerrors.New(platerrors.CodeValidationFailed, "session id is required")
	}
	if strings.TrimSpace(resourceType) == "" {
		return false, platerrors.New(platerrors.CodeValidationFailed, "resource type is required")
	}
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	var granted bool
	err := m.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		rec, ok, err := tx.Ledgers().ApplyAllocation(ctx, sessionID, resourceType, amount, m.now().UTC())
		if err != nil {
			return err
		}
		granted = ok
		updated := fromRecord(rec)
		tx.OnCommit(func() {
			m.cache.Put(storage.LedgerKey{SessionID: sessionID, ResourceType: resourceType}, updated)
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, platerrors.Wrap(platerrors.CodeLedgerUnknownResource, "unknown resource type for session", err)
		}
		return false, err
	}
	return granted, nil
}

// Release returns amount units to the budget, floored at zero. It
// compensates for over-counted or rolled-back work.
func (m *Manager) Release(ctx context.Context, sessionID, resourceType string, amount int64) (Ledger, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Ledger{}, platerrors.New(platerrors.CodeValidationFailed, "session id is required")
	}
	if strings.TrimSpace(resourceType) == "" {
		return Ledger{}, platerrors.New(platerrors.CodeValidationFailed, "resource type is required")
	}
	if amount <= 0 {
		return Ledger{}, ErrInvalidAmount
	}

	var updated Ledger
	err := m.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.Ledgers().ReleaseAllocation(ctx, sessionID, resourceType, amount, m.now().UTC())
		if err != nil {
			return err
		}
		updated = fromRecord(rec)
		tx.OnCommit(func() {
			m.cache.Put(storage.LedgerKey{SessionID: sessionID, ResourceType: resourceType}, updated)
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Ledger{}, platerrors.Wrap(platerrors.CodeLedgerUnknownResource, "unknown resource type for session", err)
		}
		return Ledger{}, err
	}
	return updated, nil
}

// Get returns one ledger, cache first.
func (m *Manager) Get(ctx context.Context, sessionID, resourceType string) (Ledger, error) {
	key := storage.LedgerKey{SessionID: sessionID, ResourceType: resourceType}
	if cached, ok := m.cache.Get(key); ok {
		return cached, nil
	}

	rec, err := m.gateway.View().Ledgers().GetLedger(ctx, sessionID, resourceType)
	if err != nil {
		return Ledger{}, err
	}
	ledger := fromRecord(rec)
	m.cache.Put(key, ledger)
	return ledger, nil
}

// List returns every ledger for a session, store-fresh.
func (m *Manager) List(ctx context.Context, sessionID string) ([]Ledger, error) {
	records, err := m.gateway.View().Ledgers().ListLedgers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ledgers := make([]Ledger, 0, len(records))
	for _, rec := range records {
		ledgers = append(ledgers, fromRecord(rec))
	}
	return ledgers, nil
}

// StartSweepWorker deletes ledgers of terminal sessions untouched past
// staleAfter and evicts their cache entries. Per-tick failures are logged
// and never stop the loop.
func (m *Manager) StartSweepWorker(ctx context.Context, interval, staleAfter time.Duration) (context.CancelFunc, chan struct{}) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				m.sweepTick(workerCtx, staleAfter)
			}
		}
	}()

	return cancel, done
}

func (m *Manager) sweepTick(ctx context.Context, staleAfter time.Duration) {
	staleBefore := m.now().UTC().Add(-staleAfter)
	keys, err := m.gateway.View().Ledgers().DeleteStaleLedgers(ctx, terminalSessionStatuses, staleBefore)
	if err != nil {
		log.Printf("ledger sweep: %v", err)
		return
	}
	for _, key := range keys {
		m.cache.Delete(key)
	}
	if len(keys) > 0 {
		log.Printf("ledger sweep: removed %d stale ledgers", len(keys))
	}
}

// StartCacheSweepWorker runs the cache expiry sweep for this manager.
func (m *Manager) StartCacheSweepWorker(ctx context.Context, interval time.Duration) (context.CancelFunc, chan struct{}) {
	return m.cache.StartSweepWorker(ctx, interval)
}
