// Package handler defines the per-operation contract: every operation
// the orchestrator can dispatch is one Handler that validates its
// input, builds a prompt, and declares the structural schema its model
// output must satisfy.
package handler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
)

// Handler is one operation's implementation. ValidateInput and
// BuildPrompt are pure: same data in, same result out.
type Handler interface {
	// OperationID returns the unique "feature.operation" key.
	OperationID() string

	// Version identifies the handler revision for execution metadata.
	Version() string

	// RequiredCapabilities lists provider capabilities this operation
	// needs. Checked before any network call.
	RequiredCapabilities() []string

	// InputContract names the required input fields. Descriptive only:
	// enforcement happens in ValidateInput.
	InputContract() []string

	// ValidateInput rejects missing or malformed fields with an
	// InvalidRequestError.
	ValidateInput(data map[string]any) error

	// BuildPrompt renders the prompt for the payload.
	BuildPrompt(data map[string]any) (string, error)

	// OutputContract is the contract the raw model output is validated
	// against after generation.
	OutputContract() *Contract
}

// Contract pairs a compiled JSON Schema with its source document so
// the operations listing can surface the declared shape.
type Contract struct {
	doc    map[string]any
	schema *jsonschema.Schema
}

// Validate checks a decoded value against the schema.
func (c *Contract) Validate(v any) error { return c.schema.Validate(v) }

// Doc returns the contract's JSON Schema document.
func (c *Contract) Doc() map[string]any { return c.doc }

// MustContract compiles a JSON Schema document. Contracts are static
// handler declarations, so a compile failure is a programming error
// and panics at startup.
func MustContract(raw string) *Contract {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("handler: invalid contract document: %v", err))
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		panic("handler: contract document must be a JSON object")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("contract.json", doc); err != nil {
		panic(fmt.Sprintf("handler: add contract resource: %v", err))
	}
	schema, err := c.Compile("contract.json")
	if err != nil {
		panic(fmt.Sprintf("handler: compile contract: %v", err))
	}
	return &Contract{doc: obj, schema: schema}
}

// ParseOutput extracts the JSON object from raw model text and
// validates it against the handler's output contract. A parse or shape
// failure is a ValidationError — "the model answered but didn't follow
// the contract" — distinct from provider-side failures.
func ParseOutput(h Handler, raw string) (map[string]any, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fault.New(fault.KindValidation, "model output contains no JSON object").
			With("operation_id", h.OperationID()).
			Suggest("retry may help if the model ignored formatting instructions")
	}

	var value any
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "model output is not valid JSON").
			With("operation_id", h.OperationID())
	}

	if err := h.OutputContract().Validate(value); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "model output violates the operation contract").
			With("operation_id", h.OperationID())
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindValidation, "model output is not a JSON object").
			With("operation_id", h.OperationID())
	}
	return obj, nil
}

// extractJSON pulls the first balanced JSON object out of model text,
// tolerating markdown code fences and surrounding prose.
func extractJSON(raw string) string {
	s := raw
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ── Input Field Helpers ──────────────────────────────────────

// RequireString returns a non-empty string field or an
// InvalidRequestError naming the field.
func RequireString(operationID string, data map[string]any, field string) (string, error) {
	v, ok := data[field]
	if !ok {
		return "", fault.Newf(fault.KindInvalidRequest, "missing required field %q", field).
			With("operation_id", operationID).
			With("field", field)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fault.Newf(fault.KindInvalidRequest, "field %q must be a non-empty string", field).
			With("operation_id", operationID).
			With("field", field)
	}
	return s, nil
}

// OptionalString returns a string field or the fallback.
func OptionalString(data map[string]any, field, fallback string) string {
	if v, ok := data[field].(string); ok && v != "" {
		return v
	}
	return fallback
}
