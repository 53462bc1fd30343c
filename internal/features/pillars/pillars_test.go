package pillars_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-studio/keystone/orchestrator/internal/features/pillars"
	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
)

func TestValidate_InputContract(t *testing.T) {
	h := pillars.Validate{}

	err := h.ValidateInput(map[string]any{"name": "Core Mechanic", "description": "Players solve puzzles"})
	assert.NoError(t, err)

	err = h.ValidateInput(map[string]any{"description": "Players solve puzzles"})
	assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err))

	err = h.ValidateInput(map[string]any{"name": "Core Mechanic"})
	assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err))
}

func TestValidate_PromptCarriesPayload(t *testing.T) {
	h := pillars.Validate{}
	prompt, err := h.BuildPrompt(map[string]any{
		"name":            "Core Mechanic",
		"description":     "Players solve puzzles",
		"project_context": "A cozy puzzle game",
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(prompt, "Core Mechanic"))
	assert.True(t, strings.Contains(prompt, "Players solve puzzles"))
	assert.True(t, strings.Contains(prompt, "A cozy puzzle game"))
}

func TestValidate_OutputContractEnforced(t *testing.T) {
	h := pillars.Validate{}

	good := `{
		"status": "strong",
		"reasoning": "clear and testable",
		"strengths": ["concrete"],
		"risks": [],
		"suggestions": []
	}`
	out, err := handler.ParseOutput(h, good)
	require.NoError(t, err)
	assert.Equal(t, "strong", out["status"])

	// Unknown verdict value fails the enum.
	_, err = handler.ParseOutput(h, `{
		"status": "excellent",
		"reasoning": "x", "strengths": [], "risks": [], "suggestions": []
	}`)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	// Missing required field.
	_, err = handler.ParseOutput(h, `{"status": "strong"}`)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestSuggest_CountBounds(t *testing.T) {
	h := pillars.Suggest{}

	assert.NoError(t, h.ValidateInput(map[string]any{"concept": "lighthouse keeper sim"}))
	assert.NoError(t, h.ValidateInput(map[string]any{"concept": "x", "count": float64(5)}))

	for _, bad := range []any{float64(0), float64(8), float64(2.5), "three"} {
		err := h.ValidateInput(map[string]any{"concept": "x", "count": bad})
		assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err), "count=%v", bad)
	}
}

func TestSuggest_PromptAndContract(t *testing.T) {
	h := pillars.Suggest{}
	prompt, err := h.BuildPrompt(map[string]any{
		"concept": "lighthouse keeper sim",
		"genre":   "cozy management",
		"count":   float64(4),
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(prompt, "lighthouse keeper sim"))
	assert.True(t, strings.Contains(prompt, "exactly 4 pillars"))

	out, err := handler.ParseOutput(h, `{
		"pillars": [
			{"name": "Quiet Routine", "description": "Daily upkeep is calming", "rationale": "fits cozy"}
		]
	}`)
	require.NoError(t, err)
	assert.Len(t, out["pillars"], 1)

	// Empty pillar list violates minItems.
	_, err = handler.ParseOutput(h, `{"pillars": []}`)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
