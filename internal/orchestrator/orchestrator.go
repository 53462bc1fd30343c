// Package orchestrator implements monolithic-mode dispatch: resolve
// the handler, validate input, resolve the model, send one prompt,
// validate the structured output, and return it with execution
// metadata. Any failure short-circuits the request; monolithic mode
// never returns partial results.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/internal/modelmanager"
	"github.com/keystone-studio/keystone/orchestrator/internal/provider"
	"github.com/keystone-studio/keystone/orchestrator/internal/registry"
	"github.com/keystone-studio/keystone/orchestrator/internal/runlog"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// stage names the per-request state machine positions. Every request
// walks received → resolved → prompted → generating → validating →
// done; a failure at any stage is reported with the stage it died in.
type stage string

const (
	stageReceived   stage = "received"
	stageResolved   stage = "resolved"
	stagePrompted   stage = "prompted"
	stageGenerating stage = "generating"
	stageValidating stage = "validating"
	stageDone       stage = "done"
)

// Orchestrator executes one request against one provider.
type Orchestrator struct {
	registry *registry.Registry
	manager  *modelmanager.Manager
	runs     *runlog.Recorder

	defaultModel   string
	defaultTimeout time.Duration
	tracer         trace.Tracer
}

// New creates an orchestrator over the startup-populated registry and
// model manager.
func New(reg *registry.Registry, mgr *modelmanager.Manager, runs *runlog.Recorder, defaultModel string, defaultTimeout time.Duration) *Orchestrator {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		registry:       reg,
		manager:        mgr,
		runs:           runs,
		defaultModel:   defaultModel,
		defaultTimeout: defaultTimeout,
		tracer:         otel.Tracer("orchestrator"),
	}
}

// Timeout returns the effective deadline for a request.
func (o *Orchestrator) Timeout(req *models.Request) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return o.defaultTimeout
}

// Execute runs one monolithic request end to end.
func (o *Orchestrator) Execute(ctx context.Context, req *models.Request) (*models.Response, error) {
	start := time.Now()
	current := stageReceived

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("feature", req.Feature),
			attribute.String("operation", req.Operation),
			attribute.String("model_id", req.ModelID),
		))
	defer span.End()

	modelID := req.ModelID
	if modelID == "" {
		modelID = o.defaultModel
	}

	// Idempotency replay happens before any run record or provider
	// call is created for this request.
	digest := runlog.Digest(req, modelID)
	if resp, err, served := o.runs.Replay(ctx, req, digest); served {
		return resp, err
	}

	run, claimed := o.runs.Begin(ctx, req, modelID, digest)
	if !claimed {
		return o.runs.LostClaim(ctx, req, digest)
	}

	fail := func(err error) (*models.Response, error) {
		fe := fault.From(err).With("stage", string(current))
		o.runs.Finish(run, nil, fe)
		log.Warn().
			Str("operation_id", req.OperationID()).
			Str("stage", string(current)).
			Str("kind", string(fe.Kind)).
			Err(err).
			Msg("Request failed")
		return nil, fe
	}

	// RECEIVED → RESOLVED: handler lookup.
	h, err := o.registry.Resolve(req.Feature, req.Operation)
	if err != nil {
		return fail(err)
	}
	current = stageResolved

	if err := h.ValidateInput(req.Data); err != nil {
		return fail(err)
	}

	details, p, err := o.manager.Resolve(modelID, h.RequiredCapabilities())
	if err != nil {
		return fail(err)
	}

	// RESOLVED → PROMPTED: render the prompt.
	prompt, err := h.BuildPrompt(req.Data)
	if err != nil {
		return fail(err)
	}
	current = stagePrompted

	// PROMPTED → GENERATING: one bounded provider call.
	current = stageGenerating
	callCtx, cancel := context.WithTimeout(ctx, o.Timeout(req))
	defer cancel()

	result, err := p.Generate(callCtx, details.ModelName, prompt, provider.GenerateOptions{
		ForceJSON: details.HasCapability(models.CapStructuredOutput),
	})
	if err != nil {
		return fail(err)
	}

	// GENERATING → VALIDATING: enforce the output contract.
	current = stageValidating
	results, err := handler.ParseOutput(h, result.Text)
	if err != nil {
		return fail(err)
	}
	current = stageDone

	resp := &models.Response{
		Results: results,
		Metadata: models.ExecutionMetadata{
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			ModelsUsed:      []string{details.ModelName},
			ExecutionMode:   models.ModeMonolithic,
			OperationMetadata: map[string]any{
				"operation_id":      h.OperationID(),
				"handler_version":   h.Version(),
				"provider":          details.ProviderName,
				"prompt_tokens":     result.Usage.PromptTokens,
				"completion_tokens": result.Usage.CompletionTokens,
				"total_tokens":      result.Usage.TotalTokens,
			},
		},
	}

	o.runs.Finish(run, resp, nil)

	log.Info().
		Str("operation_id", h.OperationID()).
		Str("model", details.ModelName).
		Int64("execution_time_ms", resp.Metadata.ExecutionTimeMs).
		Msg("Request completed")

	return resp, nil
}
