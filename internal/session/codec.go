package session

import (
	"encoding/json"
	"fmt"

	"github.com/lorekeep/lorekeep/internal/storage"
)

// The codec pair maps domain state onto storage records. JSON columns are
// encoded here and nowhere else, so every storage path shares one binding.

func encodeSession(s Session) (storage.SessionRecord, error) {
	settings, err := json.Marshal(orEmptyMap(s.Settings))
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("encode session settings: %w", err)
	}
	return storage.SessionRecord{
		ID:              s.ID,
		CreatorIdentity: s.CreatorIdentity,
		Title:           s.Title,
		Description:     s.Description,
		SettingsJSON:    settings,
		Status:          string(s.Status),
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}, nil
}

func decodeSession(rec storage.SessionRecord) (Session, error) {
	var settings map[string]any
	if len(rec.SettingsJSON) > 0 {
		if err := json.Unmarshal(rec.SettingsJSON, &settings); err != nil {
			return Session{}, fmt.Errorf("decode session settings: %w", err)
		}
	}
	return Session{
		ID:              rec.ID,
		CreatorIdentity: rec.CreatorIdentity,
		Title:           rec.Title,
		Description:     rec.Description,
		Settings:        settings,
		Status:          Status(rec.Status),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

func encodeState(s State) (storage.StateRecord, error) {
	scene, err := json.Marshal(s.CurrentScene)
	if err != nil {
		return storage.StateRecord{}, fmt.Errorf("encode current scene: %w", err)
	}
	history, err := json.Marshal(orEmptySlice(s.History))
	if err != nil {
		return storage.StateRecord{}, fmt.Errorf("encode history: %w", err)
	}
	events, err := json.Marshal(orEmptySlice(s.Events))
	if err != nil {
		return storage.StateRecord{}, fmt.Errorf("encode events: %w", err)
	}
	flags, err := json.Marshal(orEmptyMap(s.Flags))
	if err != nil {
		return storage.StateRecord{}, fmt.Errorf("encode flags: %w", err)
	}
	variables, err := json.Marshal(orEmptyMap(s.Variables))
	if err != nil {
		return storage.StateRecord{}, fmt.Errorf("encode variables: %w", err)
	}
	progress, err := json.Marshal(s.Progress)
	if err != nil {
		return storage.StateRecord{}, fmt.Errorf("encode progress: %w", err)
	}

	return storage.StateRecord{
		SessionID:        s.SessionID,
		Status:           string(s.Status),
		CurrentSceneJSON: scene,
		HistoryJSON:      history,
		EventHistoryJSON: events,
		FlagsJSON:        flags,
		VariablesJSON:    variables,
		ProgressJSON:     progress,
		Version:          s.Version,
		UpdatedAt:        s.UpdatedAt,
	}, nil
}

func decodeState(rec storage.StateRecord) (State, error) {
	state := State{
		SessionID: rec.SessionID,
		Status:    Status(rec.Status),
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	}
	if err := json.Unmarshal(rec.CurrentSceneJSON, &state.CurrentScene); err != nil {
		return State{}, fmt.Errorf("decode current scene: %w", err)
	}
	if err := json.Unmarshal(rec.HistoryJSON, &state.History); err != nil {
		return State{}, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal(rec.EventHistoryJSON, &state.Events); err != nil {
		return State{}, fmt.Errorf("decode events: %w", err)
	}
	if err := json.Unmarshal(rec.FlagsJSON, &state.Flags); err != nil {
		return State{}, fmt.Errorf("decode flags: %w", err)
	}
	if err := json.Unmarshal(rec.VariablesJSON, &state.Variables); err != nil {
		return State{}, fmt.Errorf("decode variables: %w", err)
	}
	if err := json.Unmarshal(rec.ProgressJSON, &state.Progress); err != nil {
		return State{}, fmt.Errorf("decode progress: %w", err)
	}
	return state, nil
}

func orEmptyMap[V any](in map[string]V) map[string]V {
	if in == nil {
		return map[string]V{}
	}
	return in
}

func orEmptySlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
