// Package generator defines the contract with the external content
// generator. The core never builds prompts or calls the generator itself;
// it only validates payloads before storing them.
package generator

import (
	"context"
	"strings"

	platerrors "github.com/lorekeep/lorekeep/internal/platform/errors"
)

const (
	// MaxChoices bounds the number of choices one scene may offer.
	MaxChoices = 6
	// MaxTitleLength bounds a scene title.
	MaxTitleLength = 200
	// MaxDescriptionLength bounds a scene description.
	MaxDescriptionLength = 4000
	// MaxChoiceLength bounds one choice's text.
	MaxChoiceLength = 300
)

// ScenePayload is the structured result the generator produces for one
// prompt.
type ScenePayload struct {
	Title       string
	Description string
	Choices     []string
	Environment map[string]string
}

// SceneSource produces scene payloads for a prompt and its context. The
// implementation lives outside the core.
type SceneSource interface {
	NextScene(ctx context.Context, prompt string, context map[string]string) (ScenePayload, error)
}

// ValidatePayload checks a generator payload before it is stored: non-empty
// title and description, one to six choices, and bounded field lengths.
func ValidatePayload(payload ScenePayload) error {
	if strings.TrimSpace(payload.Title) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "scene title is required")
	}
	if len(payload.Title) > MaxTitleLength {
		return platerrors.New(platerrors.CodeValidationFailed, "scene title is too long")
	}
	if strings.TrimSpace(payload.Description) == "" {
		return platerrors.New(platerrors.CodeValidationFailed, "scene description is required")
	}
	if len(payload.Description) > MaxDescriptionLength {
		return platerrors.New(platerrors.CodeValidationFailed, "scene description is too long")
	}
	if len(payload.Choices) == 0 {
		return platerrors.New(platerrors.CodeValidationFailed, "scene requires at least one choice")
	}
	if len(payload.Choices) > MaxChoices {
		return platerrors.New(platerrors.CodeValidationFailed, "scene offers too many choices")
	}
	for _, choice := range payload.Choices {
		if strings.TrimSpace(choice) == "" {
			return platerrors.New(platerrors.CodeValidationFailed, "scene choice must not be blank")
		}
		if len(choice) > MaxChoiceLength {
			return platerrors.New(platerrors.CodeValidationFailed, "scene choice is too long")
		}
	}
	return nil
}
