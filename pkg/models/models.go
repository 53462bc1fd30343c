// Package models defines the value types exchanged at the orchestrator
// boundary. These are immutable by convention: they are constructed once
// per call, handed across package boundaries, and never mutated after
// assembly into a response.
package models

import (
	"time"

	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
)

// ── Execution Mode ───────────────────────────────────────────

type ExecutionMode string

const (
	// ModeMonolithic is single-prompt, single-provider-call execution.
	ModeMonolithic ExecutionMode = "monolithic"
	// ModeAgentic is router + parallel aspect agents + synthesizer.
	ModeAgentic ExecutionMode = "agentic"
)

// ── Request / Response ───────────────────────────────────────

// Request is the unit of work submitted to the orchestrator.
// Feature and Operation together form the routing key; ModelID may be
// a short alias resolved by the model manager.
type Request struct {
	Feature        string         `json:"feature"`
	Operation      string         `json:"operation"`
	Data           map[string]any `json:"data"`
	ModelID        string         `json:"model_id"`
	RunID          string         `json:"run_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`

	// SelectionPolicy is consulted only in agentic mode.
	SelectionPolicy SelectionPolicy `json:"selection_policy,omitempty"`

	// TimeoutMs overrides the configured default request timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// OperationID returns the "feature.operation" routing key.
func (r *Request) OperationID() string {
	return r.Feature + "." + r.Operation
}

// Response carries the handler's structured result plus execution
// metadata.
type Response struct {
	Results  map[string]any    `json:"results"`
	Metadata ExecutionMetadata `json:"metadata"`
}

// ExecutionMetadata describes how a request was executed.
// The agentic fields are nil/empty in monolithic mode.
type ExecutionMetadata struct {
	ExecutionTimeMs   int64          `json:"execution_time_ms"`
	ModelsUsed        []string       `json:"models_used"`
	ExecutionMode     ExecutionMode  `json:"execution_mode"`
	OperationMetadata map[string]any `json:"operation_metadata,omitempty"`

	AllSucceeded          *bool                  `json:"all_succeeded,omitempty"`
	AgentsRun             []string               `json:"agents_run,omitempty"`
	AgentExecutionDetails []AgentExecutionDetail `json:"agent_execution_details,omitempty"`
}

// ── Handler Registration ─────────────────────────────────────

// HandlerRegistration is the registry's record of one operation.
type HandlerRegistration struct {
	OperationID    string         `json:"operation_id"` // unique, "feature.operation"
	Version        string         `json:"version"`
	InputContract  []string       `json:"input_contract"`  // required input fields
	OutputContract map[string]any `json:"output_contract"` // JSON Schema document
}

// ── Model Provider ───────────────────────────────────────────

// ProviderType distinguishes local backends from cloud APIs.
type ProviderType string

const (
	ProviderLocal ProviderType = "local"
	ProviderCloud ProviderType = "cloud"
)

// Provider capability names. An operation may require a capability;
// the model manager rejects the request before any network call when
// the owning provider lacks it.
const (
	CapStructuredOutput = "structured_output"
	CapStreaming        = "streaming"
	CapLongContext      = "long_context"
)

// ModelDetails describes a resolved model and its owning provider.
type ModelDetails struct {
	ProviderName string       `json:"provider_name"`
	ProviderType ProviderType `json:"provider_type"`
	ModelName    string       `json:"model_name"`
	Capabilities []string     `json:"capabilities"`
}

// HasCapability reports whether the provider declares the capability.
func (d *ModelDetails) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// TokenUsage is per-call token accounting reported by providers.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ── Agentic Pipeline ─────────────────────────────────────────

// SelectionPolicy controls how the router chooses the working set of
// aspects for an agentic evaluation.
type SelectionPolicy string

const (
	// SelectAll evaluates every registered aspect.
	SelectAll SelectionPolicy = "all"
	// SelectFiltered evaluates only aspects whose applicability rule
	// matches the payload.
	SelectFiltered SelectionPolicy = "filtered"
)

// Verdict grades one aspect, or the synthesized whole.
type Verdict string

const (
	VerdictStrong   Verdict = "strong"
	VerdictAdequate Verdict = "adequate"
	VerdictWeak     Verdict = "weak"
)

// AgentExecutionDetail records one agent invocation. Display ordering
// is router first, aspect agents alphabetical, synthesis last; this is
// a presentation contract only — agents run concurrently.
type AgentExecutionDetail struct {
	AgentName        string `json:"agent_name"`
	ExecutionTimeMs  int64  `json:"execution_time_ms"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Success          bool   `json:"success"`
}

// AspectResult is one aspect agent's evaluation of the payload.
type AspectResult struct {
	AspectName  string   `json:"aspect_name"`
	Status      Verdict  `json:"status"`
	Reasoning   string   `json:"reasoning"`
	Suggestions []string `json:"suggestions"`
}

// SynthesisResult is the aggregated verdict across all successful
// aspect evaluations.
type SynthesisResult struct {
	OverallStatus    Verdict  `json:"overall_status"`
	OverallReasoning string   `json:"overall_reasoning"`
	StrongestAspects []string `json:"strongest_aspects"`
	WeakestAspects   []string `json:"weakest_aspects"`
	CriticalGaps     []string `json:"critical_gaps"`
	NextSteps        []string `json:"next_steps"`
}

// ── Streaming ────────────────────────────────────────────────

// StreamEventType names the three event kinds emitted by a streamed
// agentic run.
type StreamEventType string

const (
	EventProgress StreamEventType = "progress"
	EventComplete StreamEventType = "complete"
	EventError    StreamEventType = "error"
)

// StreamEvent is one event on the evaluation stream. Exactly one
// terminal event (complete or error) is emitted per run, always last.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Stage   string          `json:"stage,omitempty"`
	Message string          `json:"message,omitempty"`
	Current int             `json:"current,omitempty"`
	Total   int             `json:"total,omitempty"`

	Response *Response       `json:"response,omitempty"` // complete only
	Error    *fault.Envelope `json:"error,omitempty"`    // error only
}

// Terminal reports whether no further events follow this one.
func (e *StreamEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// ── Run Records ──────────────────────────────────────────────

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the persisted record of one orchestrated request. It backs
// run retrieval and idempotency replay.
type Run struct {
	ID             string          `json:"id"`
	Feature        string          `json:"feature"`
	Operation      string          `json:"operation"`
	ModelID        string          `json:"model_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RequestDigest  string          `json:"request_digest"`
	Status         RunStatus       `json:"status"`
	Response       *Response       `json:"response,omitempty"`
	Error          *fault.Envelope `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
