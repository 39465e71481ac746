package generator

import (
	"strings"
	"testing"
)

func TestValidatePayload(t *testing.T) {
	valid := ScenePayload{
		Title:       "Harbor Gate",
		Description: "Fog over the quay.",
		Choices:     []string{"enter", "wait"},
	}

	tests := []struct {
		name    string
		mutate  func(p *ScenePayload)
		wantErr bool
	}{
		{"valid", func(p *ScenePayload) {}, false},
		{"single choice", func(p *ScenePayload) { p.Choices = []string{"enter"} }, false},
		{"blank title", func(p *ScenePayload) { p.Title = "  " }, true},
		{"long title", func(p *ScenePayload) { p.Title = strings.Repeat("x", MaxTitleLength+1) }, true},
		{"blank description", func(p *ScenePayload) { p.Description = "" }, true},
		{"long description", func(p *ScenePayload) { p.Description = strings.Repeat("x", MaxDescriptionLength+1) }, true},
		{"no choices", func(p *ScenePayload) { p.Choices = nil }, true},
		{"too many choices", func(p *ScenePayload) { p.Choices = []string{"a", "b", "c", "d", "e", "f", "g"} }, true},
		{"blank choice", func(p *ScenePayload) { p.Choices = []string{"enter", " "} }, true},
		{"long choice", func(p *ScenePayload) { p.Choices = []string{strings.Repeat("x", MaxChoiceLength+1)} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := valid
			payload.Choices = append([]string(nil), valid.Choices...)
			tc.mutate(&payload)

			err := ValidatePayload(payload)
			if tc.wantErr && err == nil {
				t.Fatal("ValidatePayload() error = nil, want error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("ValidatePayload() error = %v, want nil", err)
			}
		})
	}
}
