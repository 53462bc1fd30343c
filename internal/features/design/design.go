// Package design implements agentic evaluation of a design document.
// Each aspect agent judges one dimension of the document; the
// synthesizer folds the per-aspect verdicts into one overall read.
package design

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/internal/pipeline"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// OperationID is the routing key served by the design pipeline.
const OperationID = "design.evaluate"

// Version identifies the design.evaluate pipeline revision.
const Version = "1.1.0"

// aspectContract is shared by every aspect agent: they differ in what
// they look for, not in the shape of their answer.
var aspectContract = handler.MustContract(`{
	"type": "object",
	"required": ["status", "reasoning", "suggestions"],
	"properties": {
		"status": {"type": "string", "enum": ["strong", "adequate", "weak"]},
		"reasoning": {"type": "string"},
		"suggestions": {"type": "array", "items": {"type": "string"}}
	}
}`)

// aspect is a handler-shaped agent scoped to one evaluation dimension.
type aspect struct {
	name    string
	version string
	focus   string // what the reviewer looks for, spliced into the prompt
}

func (a aspect) OperationID() string { return "design." + a.name }
func (a aspect) Version() string     { return a.version }

func (aspect) RequiredCapabilities() []string {
	return []string{models.CapStructuredOutput}
}

func (aspect) InputContract() []string { return []string{"document"} }

func (a aspect) ValidateInput(data map[string]any) error {
	_, err := handler.RequireString(a.OperationID(), data, "document")
	return err
}

func (a aspect) BuildPrompt(data map[string]any) (string, error) {
	document, err := handler.RequireString(a.OperationID(), data, "document")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a game design reviewer focused on one dimension: %s.\n", a.name)
	fmt.Fprintf(&b, "%s\n\n", a.focus)
	if title := handler.OptionalString(data, "title", ""); title != "" {
		fmt.Fprintf(&b, "Document title: %s\n", title)
	}
	fmt.Fprintf(&b, "Document:\n%s\n", document)
	b.WriteString(`
Judge only your dimension. Respond with a single JSON object:
{
  "status": "strong" | "adequate" | "weak",
  "reasoning": "<two or three sentences>",
  "suggestions": ["<concrete improvement>"]
}
Return only the JSON object, no surrounding prose.
`)
	return b.String(), nil
}

func (aspect) OutputContract() *handler.Contract { return aspectContract }

// Agents returns the aspect agents evaluated by the design pipeline,
// each with the applicability rule consulted by the filtered policy.
// Player experience always applies; theme and gameplay only when the
// payload carries material for them.
func Agents() ([]pipeline.AspectAgent, error) {
	specs := []struct {
		name          string
		version       string
		focus         string
		applicability string
	}{
		{
			name:    "gameplay",
			version: "1.1.0",
			focus: "Assess the mechanics: are the core loops concrete, are rules " +
				"consistent, does challenge scale with player skill?",
			applicability: `mechanics != nil || gameplay != nil || len(document) > 200`,
		},
		{
			name:    "player_experience",
			version: "1.1.0",
			focus: "Assess what a player feels moment to moment: motivation, " +
				"feedback clarity, frustration points, and whether the stated " +
				"pillars are actually delivered by the described play.",
			applicability: "", // always applies
		},
		{
			name:    "theme",
			version: "1.0.2",
			focus: "Assess thematic coherence: does the setting reinforce the " +
				"mechanics, is the fiction consistent, does theme carry through " +
				"progression and presentation?",
			applicability: `theme != nil || setting != nil`,
		},
	}

	agents := make([]pipeline.AspectAgent, 0, len(specs))
	for _, s := range specs {
		a, err := pipeline.NewAspectAgent(s.name, aspect{name: s.name, version: s.version, focus: s.focus}, s.applicability)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// ── Synthesizer ──────────────────────────────────────────────

var synthesisContract = handler.MustContract(`{
	"type": "object",
	"required": ["overall_status", "overall_reasoning", "strongest_aspects", "weakest_aspects", "critical_gaps", "next_steps"],
	"properties": {
		"overall_status": {"type": "string", "enum": ["strong", "adequate", "weak"]},
		"overall_reasoning": {"type": "string"},
		"strongest_aspects": {"type": "array", "items": {"type": "string"}},
		"weakest_aspects": {"type": "array", "items": {"type": "string"}},
		"critical_gaps": {"type": "array", "items": {"type": "string"}},
		"next_steps": {"type": "array", "items": {"type": "string"}}
	}
}`)

// Synthesizer folds the successful aspect verdicts into one overall
// read. It receives only successes and must degrade gracefully when
// some aspects are absent.
type Synthesizer struct{}

func (Synthesizer) OperationID() string { return "design.synthesize" }
func (Synthesizer) Version() string     { return "1.1.0" }

func (Synthesizer) RequiredCapabilities() []string {
	return []string{models.CapStructuredOutput}
}

func (Synthesizer) InputContract() []string { return []string{"aspect_results"} }

func (s Synthesizer) ValidateInput(data map[string]any) error {
	if _, ok := data["aspect_results"]; !ok {
		return fault.New(fault.KindInvalidRequest, `missing required field "aspect_results"`).
			With("operation_id", s.OperationID()).
			With("field", "aspect_results")
	}
	return nil
}

func (s Synthesizer) BuildPrompt(data map[string]any) (string, error) {
	results, _ := json.MarshalIndent(data["aspect_results"], "", "  ")

	var b strings.Builder
	b.WriteString("You are the lead reviewer synthesizing per-aspect evaluations of a game design document.\n\n")
	fmt.Fprintf(&b, "Aspect evaluations:\n%s\n", results)
	b.WriteString(`
Some aspects may be missing because their evaluation failed; synthesize
from what is present and do not invent verdicts for absent aspects.

Respond with a single JSON object:
{
  "overall_status": "strong" | "adequate" | "weak",
  "overall_reasoning": "<a short paragraph>",
  "strongest_aspects": ["<aspect name>"],
  "weakest_aspects": ["<aspect name>"],
  "critical_gaps": ["<what the document is missing>"],
  "next_steps": ["<highest-leverage action>"]
}
Return only the JSON object, no surrounding prose.
`)
	return b.String(), nil
}

func (Synthesizer) OutputContract() *handler.Contract { return synthesisContract }

var (
	_ handler.Handler = aspect{}
	_ handler.Handler = Synthesizer{}
)
