package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/cache"
	platerrors "github.com/lorekeep/lorekeep/internal/platform/errors"
	"github.com/lorekeep/lorekeep/internal/platform/id"
	"github.com/lorekeep/lorekeep/internal/storage"
)

const (
	// DefaultHistoryCap bounds the scene history list.
	DefaultHistoryCap = 50
	// DefaultEventCap bounds the audit event list.
	DefaultEventCap = 100
	// DefaultAutosaveInterval drives the background snapshot flush.
	DefaultAutosaveInterval = 30 * time.Second

	// maxUpdateAttempts bounds the optimistic read-validate-write loop.
	maxUpdateAttempts = 3
	// storeAttempts is the transient-retry budget handed to the gateway.
	storeAttempts = 3
)

// Manager coordinates session lifecycle and state updates. State reads go
// cache first; every mutation writes the cache only after its transaction
// commits.
type Manager struct {
	gateway    storage.Gateway
	cache      *cache.Cache[string, State]
	historyCap int
	eventCap   int

	now   func() time.Time
	newID func() (string, error)
}

// NewManager returns a session manager over the gateway.
func NewManager(gateway storage.Gateway) *Manager {
	return &Manager{
		gateway:    gateway,
		cache:      cache.New[string, State](cache.DefaultMaxEntries, cache.DefaultTTL),
		historyCap: DefaultHistoryCap,
		eventCap:   DefaultEventCap,
		now:        time.Now,
		newID:      id.NewID,
	}
}

// CreateParams carries the caller-supplied fields for a new session.
type CreateParams struct {
	CreatorIdentity string
	Title           string
	Description     string
	Settings        map[string]any
}

// Create inserts a new session row inside the caller's transaction. The
// session starts initialized; its state row is built by InitializeState.
func (m *Manager) Create(ctx context.Context, tx storage.Tx, params CreateParams) (Session, error) {
	if tx == nil {
		return Session{}, ErrMissingTransaction
	}
	if strings.TrimSpace(params.CreatorIdentity) == "" {
		return Session{}, platerrors.New(platerrors.CodeValidationFailed, "creator identity is required")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Session{}, platerrors.New(platerrors.CodeValidationFailed, "session title is required")
	}

	sessionID, err := m.newID()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	now := m.now().UTC()
	session := Session{
		ID:              sessionID,
		CreatorIdentity: params.CreatorIdentity,
		Title:           params.Title,
		Description:     params.Description,
		Settings:        params.Settings,
		Status:          StatusInitialized,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	rec, err := encodeSession(session)
	if err != nil {
		return Session{}, err
	}
	if err := tx.Sessions().CreateSession(ctx, rec); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// GetSession retrieves session metadata.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (Session, error) {
	rec, err := m.gateway.View().Sessions().GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	return decodeSession(rec)
}

// ListByCreator returns the creator's sessions, newest first.
func (m *Manager) ListByCreator(ctx context.Context, creatorIdentity string) ([]Session, error) {
	records, err := m.gateway.View().Sessions().ListSessionsByCreator(ctx, creatorIdentity)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(records))
	for _, rec := range records {
		session, err := decodeSession(rec)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// InitializeState builds and inserts the state row for a session inside the
// caller's transaction. The cache is populated only after the enclosing
// commit.
func (m *Manager) InitializeState(ctx context.Context, tx storage.Tx, sessionID string, initialScene Scene) (State, error) {
	if tx == nil {
		return State{}, ErrMissingTransaction
	}
	if strings.TrimSpace(sessionID) == "" {
		return State{}, platerrors.New(platerrors.CodeValidationFailed, "session id is required")
	}

	state := State{
		SessionID:    sessionID,
		Status:       StatusInitialized,
		CurrentScene: initialScene,
		Flags:        map[string]string{},
		Variables:    map[string]string{},
		Version:      0,
		UpdatedAt:    m.now().UTC(),
	}
	if state.CurrentScene.Environment == nil {
		state.CurrentScene.Environment = map[string]string{}
	}

	rec, err := encodeState(state)
	if err != nil {
		return State{}, err
	}
	if err := tx.Sessions().CreateState(ctx, rec); err != nil {
		return State{}, fmt.Errorf("initialize state: %w", err)
	}

	cached := state.Clone()
	tx.OnCommit(func() { m.cache.Put(sessionID, cached) })
	return state, nil
}

// GetState returns the session state, cache first.
func (m *Manager) GetState(ctx context.Context, sessionID string) (State, error) {
	if cached, ok := m.cache.Get(sessionID); ok {
		return cached.Clone(), nil
	}
	return m.readState(ctx, sessionID)
}

// readState always hits the store and refreshes the cache.
func (m *Manager) readState(ctx context.Context, sessionID string) (State, error) {
	rec, err := m.gateway.View().Sessions().GetState(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	state, err := decodeState(rec)
	if err != nil {
		return State{}, err
	}
	m.cache.Put(sessionID, state.Clone())
	return state, nil
}

// Updates is the set of field-level changes one UpdateState call applies.
// Nil and zero fields are left untouched.
type Updates struct {
	Status   *Status
	Scene    *Scene
	Decision string

	Flags     map[string]string
	Variables map[string]string

	CompleteObjectives []string
	DiscoverElements   []string
	ResourceUse        map[string]int64

	Events []EventEntry
}

// UpdateState applies updates through a bounded optimistic loop: read the
// latest state, validate any status transition, apply field updates, bump
// the version, and commit guarded by the version read. Losing the version
// race restarts from the read step; exhausting the attempts surfaces
// ErrConcurrencyConflict. On success the cache entry is replaced, not
// merged.
func (m *Manager) UpdateState(ctx context.Context, sessionID string, updates Updates, addToHistory bool) (State, error) {
	if strings.TrimSpace(sessionID) == "" {
		return State{}, platerrors.New(platerrors.CodeValidationFailed, "session id is required")
	}
	if updates.Status != nil && !updates.Status.Valid() {
		return State{}, platerrors.WithMetadata(platerrors.CodeValidationFailed, "unknown session status", map[string]string{
			"status": string(*updates.Status),
		})
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		current, err := m.readState(ctx, sessionID)
		if err != nil {
			return State{}, err
		}

		next, err := m.applyUpdates(current, updates, addToHistory)
		if err != nil {
			return State{}, err
		}

		err = m.commitState(ctx, next, current.Version, current.Status)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		return State{}, err
	}
	return State{}, ErrConcurrencyConflict
}

// applyUpdates builds the successor state. The input state is cloned first
// so a failed commit never leaks partial mutations.
func (m *Manager) applyUpdates(current State, updates Updates, addToHistory bool) (State, error) {
	next := current.Clone()
	now := m.now().UTC()

	if updates.Status != nil && *updates.Status != next.Status {
		if !CanTransition(next.Status, *updates.Status) {
			return State{}, platerrors.WithMetadata(platerrors.CodeSessionInvalidTransition, "invalid session status transition", map[string]string{
				"from": string(next.Status),
				"to":   string(*updates.Status),
			})
		}
		next.Status = *updates.Status
	}

	if updates.Scene != nil {
		if addToHistory && (next.CurrentScene.Title != "" || next.CurrentScene.Description != "") {
			next.History = prependHistory(next.History, HistoryEntry{
				Scene:      next.CurrentScene,
				Decision:   updates.Decision,
				RecordedAt: now,
			}, m.historyCap)
		}
		next.CurrentScene = updates.Scene.clone()
	} else if updates.Decision != "" && addToHistory {
		next.History = prependHistory(next.History, HistoryEntry{
			Scene:      next.CurrentScene,
			Decision:   updates.Decision,
			RecordedAt: now,
		}, m.historyCap)
	}
	if updates.Decision != "" {
		next.Events = prependEvents(next.Events, EventEntry{
			Type:       "decision",
			Detail:     updates.Decision,
			RecordedAt: now,
		}, m.eventCap)
	}

	for key, value := range updates.Flags {
		if next.Flags == nil {
			next.Flags = map[string]string{}
		}
		next.Flags[key] = value
	}
	for key, value := range updates.Variables {
		if next.Variables == nil {
			next.Variables = map[string]string{}
		}
		next.Variables[key] = value
	}

	next.Progress.CompletedObjectives = append(next.Progress.CompletedObjectives, updates.CompleteObjectives...)
	next.Progress.DiscoveredElements = append(next.Progress.DiscoveredElements, updates.DiscoverElements...)
	for resource, amount := range updates.ResourceUse {
		if next.Progress.ResourceUse == nil {
			next.Progress.ResourceUse = map[string]int64{}
		}
		next.Progress.ResourceUse[resource] += amount
	}

	for _, event := range updates.Events {
		if event.RecordedAt.IsZero() {
			event.RecordedAt = now
		}
		next.Events = prependEvents(next.Events, event, m.eventCap)
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// commitState persists next guarded by expectedVersion, keeping the session
// row's status column in step with the state machine.
func (m *Manager) commitState(ctx context.Context, next State, expectedVersion int64, previousStatus Status) error {
	rec, err := encodeState(next)
	if err != nil {
		return err
	}

	cached := next.Clone()
	return m.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Sessions().UpdateState(ctx, rec, expectedVersion); err != nil {
			return err
		}
		if next.Status != previousStatus {
			if err := tx.Sessions().UpdateSessionStatus(ctx, next.SessionID, string(next.Status), next.UpdatedAt); err != nil {
				return err
			}
		}
		tx.OnCommit(func() { m.cache.Put(next.SessionID, cached) })
		return nil
	})
}

// History returns the most recent limit entries, newest first. A
// non-positive or oversized limit falls back to the configured cap.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]HistoryEntry, error) {
	state, err := m.GetState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > m.historyCap {
		limit = m.historyCap
	}
	if limit > len(state.History) {
		limit = len(state.History)
	}
	return state.History[:limit], nil
}

// EventHistory returns the most recent limit events, newest first.
func (m *Manager) EventHistory(ctx context.Context, sessionID string, limit int) ([]EventEntry, error) {
	state, err := m.GetState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > m.eventCap {
		limit = m.eventCap
	}
	if limit > len(state.Events) {
		limit = len(state.Events)
	}
	return state.Events[:limit], nil
}

// SetFlag sets one flag through UpdateState, inheriting its concurrency and
// transition guarantees.
func (m *Manager) SetFlag(ctx context.Context, sessionID, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "flag key is required")
	}
	_, err := m.UpdateState(ctx, sessionID, Updates{Flags: map[string]string{key: value}}, false)
	return err
}

// SetVariable sets one variable through UpdateState.
func (m *Manager) SetVariable(ctx context.Context, sessionID, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "variable key is required")
	}
	_, err := m.UpdateState(ctx, sessionID, Updates{Variables: map[string]string{key: value}}, false)
	return err
}

// Fail moves a session and its state to failed inside the caller's
// transaction. Already-terminal sessions are left untouched, so cascades
// stay idempotent.
func (m *Manager) Fail(ctx context.Context, tx storage.Tx, sessionID, reason string) error {
	if tx == nil {
		return ErrMissingTransaction
	}

	rec, err := tx.Sessions().GetState(ctx, sessionID)
	if err != nil {
		return err
	}
	state, err := decodeState(rec)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}

	now := m.now().UTC()
	next := state.Clone()
	next.Status = StatusFailed
	next.Events = prependEvents(next.Events, EventEntry{
		Type:       "session_failed",
		Detail:     reason,
		RecordedAt: now,
	}, m.eventCap)
	next.Version = state.Version + 1
	next.UpdatedAt = now

	nextRec, err := encodeState(next)
	if err != nil {
		return err
	}
	if err := tx.Sessions().UpdateState(ctx, nextRec, state.Version); err != nil {
		return err
	}
	if err := tx.Sessions().UpdateSessionStatus(ctx, sessionID, string(StatusFailed), now); err != nil {
		return err
	}

	cached := next.Clone()
	tx.OnCommit(func() { m.cache.Put(sessionID, cached) })
	return nil
}

// StartAutosaveWorker flushes every cached state snapshot to the store on
// the given interval. A failed flush for one session is logged and never
// blocks the others or stops the loop.
func (m *Manager) StartAutosaveWorker(ctx context.Context, interval time.Duration) (context.CancelFunc, chan struct{}) {
	if interval <= 0 {
		interval = DefaultAutosaveInterval
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
				m.autosaveTick(workerCtx)
			}
		}
	}()

	return cancel, done
}

func (m *Manager) autosaveTick(ctx context.Context) {
	for sessionID, state := range m.cache.Snapshot() {
		rec, err := encodeState(state)
		if err != nil {
			log.Printf("autosave: encode state for session %s: %v", sessionID, err)
			continue
		}
		if err := m.gateway.View().Sessions().PutStateSnapshot(ctx, rec); err != nil {
			log.Printf("autosave: flush session %s: %v", sessionID, err)
		}
	}
}

// StartCacheSweepWorker runs the cache expiry sweep for this manager.
func (m *Manager) StartCacheSweepWorker(ctx context.Context, interval time.Duration) (context.CancelFunc, chan struct{}) {
	return m.cache.StartSweepWorker(ctx, interval)
}

func prependHistory(entries []HistoryEntry, entry HistoryEntry, limit int) []HistoryEntry {
	entries = append([]HistoryEntry{entry}, entries...)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func prependEvents(entries []EventEntry, entry EventEntry, limit int) []EventEntry {
	entries = append([]EventEntry{entry}, entries...)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
