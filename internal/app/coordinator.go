// Package app wires the managers into the runnable service: the
// unit-of-work coordinator, background workers, and the gRPC health
// surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lorekeep/lorekeep/internal/generator"
	"github.com/lorekeep/lorekeep/internal/ledger"
	platerrors "github.com/lorekeep/lorekeep/internal/platform/errors"
	"github.com/lorekeep/lorekeep/internal/party"
	"github.com/lorekeep/lorekeep/internal/session"
	"github.com/lorekeep/lorekeep/internal/storage"
)

// ResourceNarration is the budget consumed by scene generation.
const ResourceNarration = "narration"

// storeAttempts is the transient-retry budget for coordinator units of work.
const storeAttempts = 3

// Coordinator runs each user-initiated unit of work as one transaction
// spanning whichever managers must commit together.
type Coordinator struct {
	gateway  storage.Gateway
	sessions *session.Manager
	ledgers  *ledger.Manager
	parties  *party.Manager
	tracer   trace.Tracer
}

// NewCoordinator returns a coordinator over the wired managers.
func NewCoordinator(gateway storage.Gateway, sessions *session.Manager, ledgers *ledger.Manager, parties *party.Manager) *Coordinator {
	return &Coordinator{
		gateway:  gateway,
		sessions: sessions,
		ledgers:  ledgers,
		parties:  parties,
		tracer:   otel.Tracer("lorekeep/app"),
	}
}

// StartAdventureParams carries everything one adventure start touches.
type StartAdventureParams struct {
	PartyID         string
	CreatorIdentity string
	Title           string
	Description     string
	Settings        map[string]any
	InitialScene    generator.ScenePayload
	Limits          ledger.Limits
}

// StartAdventure creates the session, its state row, and its resource
// ledgers, and links the party, all in one transaction. Any failure rolls
// the whole unit back.
func (c *Coordinator) StartAdventure(ctx context.Context, params StartAdventureParams) (session.Session, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.start_adventure",
		trace.WithAttributes(attribute.String("party.id", params.PartyID)))
	defer span.End()

	if strings.TrimSpace(params.PartyID) == "" {
		return session.Session{}, platerrors.New(platerrors.CodeValidationFailed, "party id is required")
	}
	if err := generator.ValidatePayload(params.InitialScene); err != nil {
		return session.Session{}, err
	}

	var created session.Session
	err := c.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		var err error
		created, err = c.sessions.Create(ctx, tx, session.CreateParams{
			CreatorIdentity: params.CreatorIdentity,
			Title:           params.Title,
			Description:     params.Description,
			Settings:        params.Settings,
		})
		if err != nil {
			return err
		}
		if _, err := c.sessions.InitializeState(ctx, tx, created.ID, sceneFromPayload(params.InitialScene)); err != nil {
			return err
		}
		if _, err := c.ledgers.InitializeResources(ctx, tx, created.ID, params.Limits); err != nil {
			return err
		}
		return c.parties.LinkSession(ctx, tx, params.PartyID, created.ID)
	})
	if err != nil {
		span.RecordError(err)
		return session.Session{}, fmt.Errorf("start adventure: %w", err)
	}

	span.SetAttributes(attribute.String("session.id", created.ID))
	return created, nil
}

// AdvanceScene moves a session to its next scene. Generation budget is
// requested first; a denial is not an error: the decision is still
// recorded, along with a skipped-generation event, and the scene stays.
// The boolean reports whether the scene advanced.
func (c *Coordinator) AdvanceScene(ctx context.Context, sessionID, decision string, nextScene generator.ScenePayload) (session.State, bool, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.advance_scene",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	granted, err := c.ledgers.Request(ctx, sessionID, ResourceNarration, 1)
	if err != nil {
		span.RecordError(err)
		return session.State{}, false, fmt.Errorf("request narration budget: %w", err)
	}

	if !granted {
		state, err := c.sessions.UpdateState(ctx, sessionID, session.Updates{
			Decision: decision,
			Events: []session.EventEntry{{
				Type:   "generation_skipped",
				Detail: "narration budget exhausted",
			}},
		}, false)
		if err != nil {
			span.RecordError(err)
			return session.State{}, false, err
		}
		span.SetAttributes(attribute.Bool("scene.advanced", false))
		return state, false, nil
	}

	if err := generator.ValidatePayload(nextScene); err != nil {
		// The budget was spent on an unusable payload; hand it back.
		c.refundNarration(ctx, span, sessionID)
		return session.State{}, false, err
	}

	updates := session.Updates{
		Scene:       payloadScenePtr(nextScene),
		Decision:    decision,
		ResourceUse: map[string]int64{ResourceNarration: 1},
	}
	current, err := c.sessions.GetState(ctx, sessionID)
	if err != nil {
		c.refundNarration(ctx, span, sessionID)
		return session.State{}, false, err
	}
	if current.Status == session.StatusInitialized {
		active := session.StatusActive
		updates.Status = &active
	}

	state, err := c.sessions.UpdateState(ctx, sessionID, updates, true)
	if err != nil {
		// Nothing committed, so the granted unit must not stay spent.
		c.refundNarration(ctx, span, sessionID)
		span.RecordError(err)
		return session.State{}, false, err
	}
	span.SetAttributes(attribute.Bool("scene.advanced", true))
	return state, true, nil
}

// PauseAdventure suspends an active session.
func (c *Coordinator) PauseAdventure(ctx context.Context, sessionID string) error {
	paused := session.StatusPaused
	_, err := c.sessions.UpdateState(ctx, sessionID, session.Updates{Status: &paused}, false)
	return err
}

// ResumeAdventure reactivates a paused session.
func (c *Coordinator) ResumeAdventure(ctx context.Context, sessionID string) error {
	active := session.StatusActive
	_, err := c.sessions.UpdateState(ctx, sessionID, session.Updates{Status: &active}, false)
	return err
}

// CompleteAdventure moves the session to completed and releases its party.
func (c *Coordinator) CompleteAdventure(ctx context.Context, sessionID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.complete_adventure",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	completed := session.StatusCompleted
	if _, err := c.sessions.UpdateState(ctx, sessionID, session.Updates{
		Status: &completed,
		Events: []session.EventEntry{{Type: "session_completed"}},
	}, false); err != nil {
		span.RecordError(err)
		return err
	}
	return c.releaseParty(ctx, span, sessionID)
}

// FailAdventure moves the session to failed and releases its party.
func (c *Coordinator) FailAdventure(ctx context.Context, sessionID, reason string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.fail_adventure",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	err := c.gateway.Execute(ctx, storeAttempts, func(ctx context.Context, tx storage.Tx) error {
		return c.sessions.Fail(ctx, tx, sessionID, reason)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return c.releaseParty(ctx, span, sessionID)
}

// refundNarration returns one narration unit after work that never
// committed. A failed refund is traced, not surfaced; the original error is
// the one the caller needs.
func (c *Coordinator) refundNarration(ctx context.Context, span trace.Span, sessionID string) {
	if _, err := c.ledgers.Release(ctx, sessionID, ResourceNarration, 1); err != nil {
		span.RecordError(err)
	}
}

// releaseParty unlinks and disbands the party holding sessionID. A session
// without a party is fine.
func (c *Coordinator) releaseParty(ctx context.Context, span trace.Span, sessionID string) error {
	err := c.parties.UnlinkSession(ctx, sessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		return fmt.Errorf("release party: %w", err)
	}
	return nil
}

func sceneFromPayload(payload generator.ScenePayload) session.Scene {
	return session.Scene{
		Title:       payload.Title,
		Description: payload.Description,
		Choices:     append([]string(nil), payload.Choices...),
		Environment: payload.Environment,
	}
}

func payloadScenePtr(payload generator.ScenePayload) *session.Scene {
	scene := sceneFromPayload(payload)
	return &scene
}
