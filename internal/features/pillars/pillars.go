// Package pillars implements the design-pillar operations. A pillar is
// a short statement of intended experience ("Players solve puzzles
// under time pressure") that the rest of a design document is judged
// against.
package pillars

import (
	"fmt"
	"strings"

	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// ── pillars.validate ─────────────────────────────────────────

var validateContract = handler.MustContract(`{
	"type": "object",
	"required": ["status", "reasoning", "strengths", "risks", "suggestions"],
	"properties": {
		"status": {"type": "string", "enum": ["strong", "adequate", "weak"]},
		"reasoning": {"type": "string"},
		"strengths": {"type": "array", "items": {"type": "string"}},
		"risks": {"type": "array", "items": {"type": "string"}},
		"suggestions": {"type": "array", "items": {"type": "string"}}
	}
}`)

// Validate judges one pillar for clarity, testability, and scope.
type Validate struct{}

func (Validate) OperationID() string { return "pillars.validate" }
func (Validate) Version() string     { return "1.2.0" }

func (Validate) RequiredCapabilities() []string {
	return []string{models.CapStructuredOutput}
}

func (Validate) InputContract() []string { return []string{"name", "description"} }

func (v Validate) ValidateInput(data map[string]any) error {
	if _, err := handler.RequireString(v.OperationID(), data, "name"); err != nil {
		return err
	}
	_, err := handler.RequireString(v.OperationID(), data, "description")
	return err
}

func (v Validate) BuildPrompt(data map[string]any) (string, error) {
	name, err := handler.RequireString(v.OperationID(), data, "name")
	if err != nil {
		return "", err
	}
	description, err := handler.RequireString(v.OperationID(), data, "description")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are a senior game designer reviewing a design pillar.\n\n")
	fmt.Fprintf(&b, "Pillar name: %s\n", name)
	fmt.Fprintf(&b, "Pillar description: %s\n", description)
	if ctx := handler.OptionalString(data, "project_context", ""); ctx != "" {
		fmt.Fprintf(&b, "Project context: %s\n", ctx)
	}
	b.WriteString(`
Judge this pillar on three criteria:
1. Clarity: can a team member tell whether a feature serves it?
2. Testability: could a playtest confirm or refute it?
3. Scope: is it one pillar, not several fused together?

Respond with a single JSON object:
{
  "status": "strong" | "adequate" | "weak",
  "reasoning": "<two or three sentences>",
  "strengths": ["<what works>"],
  "risks": ["<what could mislead the team>"],
  "suggestions": ["<concrete rewording or split, if any>"]
}
Return only the JSON object, no surrounding prose.
`)
	return b.String(), nil
}

func (Validate) OutputContract() *handler.Contract { return validateContract }

// ── pillars.suggest ──────────────────────────────────────────

var suggestContract = handler.MustContract(`{
	"type": "object",
	"required": ["pillars"],
	"properties": {
		"pillars": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "description", "rationale"],
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"rationale": {"type": "string"}
				}
			}
		}
	}
}`)

// Suggest proposes candidate pillars for a game concept.
type Suggest struct{}

func (Suggest) OperationID() string { return "pillars.suggest" }
func (Suggest) Version() string     { return "1.0.1" }

func (Suggest) RequiredCapabilities() []string {
	return []string{models.CapStructuredOutput}
}

func (Suggest) InputContract() []string { return []string{"concept"} }

func (s Suggest) ValidateInput(data map[string]any) error {
	if _, err := handler.RequireString(s.OperationID(), data, "concept"); err != nil {
		return err
	}
	if v, ok := data["count"]; ok {
		n, ok := v.(float64)
		if !ok || n < 1 || n > 7 || n != float64(int(n)) {
			return fault.New(fault.KindInvalidRequest, `field "count" must be an integer between 1 and 7`).
				With("operation_id", s.OperationID()).
				With("field", "count")
		}
	}
	return nil
}

func (s Suggest) BuildPrompt(data map[string]any) (string, error) {
	concept, err := handler.RequireString(s.OperationID(), data, "concept")
	if err != nil {
		return "", err
	}
	count := 3
	if n, ok := data["count"].(float64); ok {
		count = int(n)
	}

	var b strings.Builder
	b.WriteString("You are a senior game designer helping a team articulate design pillars.\n\n")
	fmt.Fprintf(&b, "Game concept: %s\n", concept)
	if genre := handler.OptionalString(data, "genre", ""); genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", genre)
	}
	fmt.Fprintf(&b, "\nPropose exactly %d pillars. Each must describe a player experience, not a feature list.\n", count)
	b.WriteString(`
Respond with a single JSON object:
{
  "pillars": [
    {"name": "<short name>", "description": "<one sentence>", "rationale": "<why this fits the concept>"}
  ]
}
Return only the JSON object, no surrounding prose.
`)
	return b.String(), nil
}

func (Suggest) OutputContract() *handler.Contract { return suggestContract }

var (
	_ handler.Handler = Validate{}
	_ handler.Handler = Suggest{}
)
