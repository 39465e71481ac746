// Package session implements the session state machine: lifecycle status,
// scene history, flags and variables, and optimistic-concurrency updates
// over the storage gateway.
package session

import (
	"time"

	platerrors "github.com/lorekeep/lorekeep/internal/platform/errors"
)

// Status is the session lifecycle status.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ErrInvalidTransition rejects a status change outside the lifecycle table.
var ErrInvalidTransition = platerrors.New(platerrors.CodeSessionInvalidTransition, "invalid session status transition")

// ErrConcurrencyConflict surfaces after bounded optimistic retries lose to
// concurrent writers.
var ErrConcurrencyConflict = platerrors.New(platerrors.CodeSessionConcurrencyConflict, "session state modified concurrently")

// ErrMissingTransaction rejects calls that require a caller-supplied
// transaction.
var ErrMissingTransaction = platerrors.New(platerrors.CodeMissingTransaction, "operation requires a transaction")

// transitions is the permitted status edge table. Terminal statuses have no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusInitialized: {StatusActive, StatusFailed},
	StatusActive:      {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:      {StatusActive, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInitialized, StatusActive, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the edge from → to is permitted. A
// transition to the current status is not an edge.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Session is the session metadata entity.
type Session struct {
	ID              string
	CreatorIdentity string
	Title           string
	Description     string
	Settings        map[string]any
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Scene is one titled narrative beat with its ordered choices.
type Scene struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Choices     []string          `json:"choices,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// HistoryEntry records a past scene and the decision that left it.
type HistoryEntry struct {
	Scene      Scene     `json:"scene"`
	Decision   string    `json:"decision,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// EventEntry is one bounded audit-log record.
type EventEntry struct {
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Progress tracks completed objectives, discovered elements, and resource
// usage tallies.
type Progress struct {
	CompletedObjectives []string         `json:"completed_objectives,omitempty"`
	DiscoveredElements  []string         `json:"discovered_elements,omitempty"`
	ResourceUse         map[string]int64 `json:"resource_use,omitempty"`
}

// State is the mutable session state. History and Events are newest first.
// Version only increases; every write is guarded by the version read first.
type State struct {
	SessionID    string
	Status       Status
	CurrentScene Scene
	History      []HistoryEntry
	Events       []EventEntry
	Flags        map[string]string
	Variables    map[string]string
	Progress     Progress
	Version      int64
	UpdatedAt    time.Time
}

// Clone returns a deep copy so cached state is never aliased by callers.
func (s State) Clone() State {
	out := s
	out.CurrentScene = s.CurrentScene.clone()
	out.History = make([]HistoryEntry, len(s.History))
	for i, entry := range s.History {
		out.History[i] = entry
		out.History[i].Scene = entry.Scene.clone()
	}
	out.Events = append([]EventEntry(nil), s.Events...)
	out.Flags = cloneStringMap(s.Flags)
	out.Variables = cloneStringMap(s.Variables)
	out.Progress = Progress{
		CompletedObjectives: append([]string(nil), s.Progress.CompletedObjectives...),
		DiscoveredElements:  append([]string(nil), s.Progress.DiscoveredElements...),
		ResourceUse:         cloneCountMap(s.Progress.ResourceUse),
	}
	return out
}

func (s Scene) clone() Scene {
	out := s
	out.Choices = append([]string(nil), s.Choices...)
	out.Environment = cloneStringMap(s.Environment)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneCountMap(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
