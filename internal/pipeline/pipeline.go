// Package pipeline implements agentic-mode execution: a router selects
// the working set of aspects, one agent per aspect evaluates the
// payload concurrently, and a synthesizer aggregates the successful
// results into a single verdict. A failing aspect agent never aborts
// the pipeline; it is recorded and excluded from synthesis. Progress
// streams to the caller as it happens.
package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/internal/modelmanager"
	"github.com/keystone-studio/keystone/orchestrator/internal/provider"
	"github.com/keystone-studio/keystone/orchestrator/internal/runlog"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// routerAgentName is the reserved name for the routing step in
// execution details.
const routerAgentName = "router"

// synthesisAgentName is the reserved name for the synthesis step.
const synthesisAgentName = "synthesis"

// Pipeline fans one evaluation request out to aspect agents and
// synthesizes their results.
type Pipeline struct {
	operationID string
	manager     *modelmanager.Manager
	runs        *runlog.Recorder
	agents      []AspectAgent // sorted by name
	synthesizer handler.Handler

	defaultModel   string
	defaultTimeout time.Duration
	tracer         trace.Tracer
}

// New creates a pipeline serving one agentic operation. Agents are
// kept sorted by name: reported ordering is a presentation contract
// even though execution is concurrent.
func New(operationID string, mgr *modelmanager.Manager, runs *runlog.Recorder, agents []AspectAgent, synthesizer handler.Handler, defaultModel string, defaultTimeout time.Duration) *Pipeline {
	sorted := make([]AspectAgent, len(agents))
	copy(sorted, agents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	return &Pipeline{
		operationID:    operationID,
		manager:        mgr,
		runs:           runs,
		agents:         sorted,
		synthesizer:    synthesizer,
		defaultModel:   defaultModel,
		defaultTimeout: defaultTimeout,
		tracer:         otel.Tracer("pipeline"),
	}
}

// OperationID returns the "feature.operation" key this pipeline serves.
func (p *Pipeline) OperationID() string { return p.operationID }

// Registration adapts the pipeline into the registry's handler shape
// so agentic operations resolve and list alongside monolithic ones.
// Dispatch executes the pipeline through Evaluate; the registration
// describes it.
func (p *Pipeline) Registration(version string) handler.Handler {
	return registration{p: p, version: version}
}

type registration struct {
	p       *Pipeline
	version string
}

func (r registration) OperationID() string            { return r.p.operationID }
func (r registration) Version() string                { return r.version }
func (r registration) RequiredCapabilities() []string { return r.p.requiredCapabilities() }

// InputContract unions the declared fields of every aspect agent.
func (r registration) InputContract() []string {
	seen := make(map[string]struct{})
	var fields []string
	for _, a := range r.p.agents {
		for _, f := range a.Handler.InputContract() {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				fields = append(fields, f)
			}
		}
	}
	return fields
}

func (r registration) ValidateInput(data map[string]any) error {
	for _, a := range r.p.agents {
		if err := a.Handler.ValidateInput(data); err != nil {
			return err
		}
	}
	return nil
}

func (r registration) BuildPrompt(map[string]any) (string, error) {
	return "", fault.Newf(fault.KindInvalidRequest,
		"%s fans out to aspect agents and has no single prompt", r.p.operationID)
}

func (r registration) OutputContract() *handler.Contract { return r.p.synthesizer.OutputContract() }

// Evaluate runs the pipeline without streaming.
func (p *Pipeline) Evaluate(ctx context.Context, req *models.Request) (*models.Response, error) {
	return p.EvaluateStream(ctx, req, nil)
}

// EvaluateStream runs the pipeline, emitting progress events as it
// proceeds. Events are emitted strictly in temporal order; exactly one
// terminal event (complete or error) is emitted per request, and none
// after it.
func (p *Pipeline) EvaluateStream(ctx context.Context, req *models.Request, emit func(models.StreamEvent)) (*models.Response, error) {
	start := time.Now()
	out := &emitter{fn: emit}

	ctx, span := p.tracer.Start(ctx, "pipeline.evaluate",
		trace.WithAttributes(
			attribute.String("operation_id", p.operationID),
			attribute.String("model_id", req.ModelID),
		))
	defer span.End()

	modelID := req.ModelID
	if modelID == "" {
		modelID = p.defaultModel
	}

	digest := runlog.Digest(req, modelID)
	if resp, err, served := p.runs.Replay(ctx, req, digest); served {
		return out.settle(resp, err)
	}

	run, claimed := p.runs.Begin(ctx, req, modelID, digest)
	if !claimed {
		return out.settle(p.runs.LostClaim(ctx, req, digest))
	}

	fail := func(err error) (*models.Response, error) {
		fe := fault.From(err)
		p.runs.Finish(run, nil, fe)
		log.Warn().
			Str("operation_id", p.operationID).
			Str("kind", string(fe.Kind)).
			Err(err).
			Msg("Evaluation failed")
		return out.settle(nil, fe)
	}

	details, prov, err := p.manager.Resolve(modelID, p.requiredCapabilities())
	if err != nil {
		return fail(err)
	}

	// The whole pipeline shares one deadline. On timeout, running
	// aspect tasks are cancelled and recorded as failures.
	timeout := p.defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// ── Routing ──────────────────────────────────────

	out.emit(models.StreamEvent{
		Type:    models.EventProgress,
		Stage:   "routing",
		Message: "Selecting applicable aspects",
	})

	routerStart := time.Now()
	selected, err := policyFor(req.SelectionPolicy)(ctx, req.Data, p.agents)
	routerDetail := models.AgentExecutionDetail{
		AgentName:       routerAgentName,
		ExecutionTimeMs: time.Since(routerStart).Milliseconds(),
		Success:         err == nil,
	}
	if err != nil {
		// Router failure is fatal: no meaningful aspect set exists.
		return fail(err)
	}
	if len(selected) == 0 {
		return fail(fault.New(fault.KindAgentFailure, "no applicable aspects for this payload").
			With("operation_id", p.operationID).
			Suggest("use the \"all\" selection policy or enrich the payload"))
	}

	// Input problems are caller bugs, reported before any agent runs.
	// Only the working set vets the payload: an aspect the router
	// dropped has no claim on it.
	for _, a := range selected {
		if err := a.Handler.ValidateInput(req.Data); err != nil {
			return fail(err)
		}
	}

	// ── Aspect Fan-out ───────────────────────────────

	out.emit(models.StreamEvent{
		Type:    models.EventProgress,
		Stage:   "evaluating",
		Message: "Evaluating aspects",
		Total:   len(selected),
	})

	type agentOutcome struct {
		detail models.AgentExecutionDetail
		result *models.AspectResult
	}
	outcomes := make([]agentOutcome, len(selected))

	var settled int
	var settledMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range selected {
		g.Go(func() error {
			result, detail := p.runAspect(gctx, agent, details.ModelName, prov, req.Data)
			outcomes[i] = agentOutcome{detail: detail, result: result}

			settledMu.Lock()
			settled++
			current := settled
			settledMu.Unlock()

			out.emit(models.StreamEvent{
				Type:    models.EventProgress,
				Stage:   "evaluating",
				Message: agent.Name + " settled",
				Current: current,
				Total:   len(selected),
			})
			// Agent failures are tolerated; never cancel siblings.
			return nil
		})
	}
	_ = g.Wait() // join barrier; agents always return nil

	agentDetails := make([]models.AgentExecutionDetail, 0, len(selected))
	aspectResults := make([]models.AspectResult, 0, len(selected))
	agentsRun := make([]string, 0, len(selected))
	allSucceeded := true
	for _, oc := range outcomes {
		agentDetails = append(agentDetails, oc.detail)
		agentsRun = append(agentsRun, oc.detail.AgentName)
		if oc.result != nil {
			aspectResults = append(aspectResults, *oc.result)
		} else {
			allSucceeded = false
		}
	}

	if len(aspectResults) == 0 {
		return fail(fault.New(fault.KindAgentFailure, "every aspect agent failed").
			With("operation_id", p.operationID).
			With("agents_run", agentsRun).
			Suggest("retry the whole pipeline"))
	}

	// ── Synthesis ────────────────────────────────────

	out.emit(models.StreamEvent{
		Type:    models.EventProgress,
		Stage:   "synthesizing",
		Message: "Synthesizing verdict",
	})

	// A fan-out that ran to the deadline leaves the shared context
	// expired; synthesis still runs over what succeeded, on a bounded
	// grace window.
	synthCtx := ctx
	if ctx.Err() != nil {
		var cancelSynth context.CancelFunc
		synthCtx, cancelSynth = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancelSynth()
	}

	synthesis, synthDetail, err := p.runSynthesis(synthCtx, details.ModelName, prov, req.Data, aspectResults)
	if err != nil {
		return fail(err)
	}

	// ── Assemble ─────────────────────────────────────

	orderedDetails := make([]models.AgentExecutionDetail, 0, len(agentDetails)+2)
	orderedDetails = append(orderedDetails, routerDetail)
	orderedDetails = append(orderedDetails, agentDetails...)
	orderedDetails = append(orderedDetails, synthDetail)

	var usage models.TokenUsage
	for _, d := range orderedDetails {
		usage.Add(models.TokenUsage{
			PromptTokens:     d.PromptTokens,
			CompletionTokens: d.CompletionTokens,
			TotalTokens:      d.TotalTokens,
		})
	}

	resp := &models.Response{
		Results: map[string]any{
			"aspect_results": toAnySlice(aspectResults),
			"synthesis":      toAnyMap(synthesis),
		},
		Metadata: models.ExecutionMetadata{
			ExecutionTimeMs:       time.Since(start).Milliseconds(),
			ModelsUsed:            []string{details.ModelName},
			ExecutionMode:         models.ModeAgentic,
			AllSucceeded:          &allSucceeded,
			AgentsRun:             agentsRun,
			AgentExecutionDetails: orderedDetails,
			OperationMetadata: map[string]any{
				"operation_id": p.operationID,
				"provider":     details.ProviderName,
				"total_tokens": usage.TotalTokens,
			},
		},
	}

	p.runs.Finish(run, resp, nil)

	log.Info().
		Str("operation_id", p.operationID).
		Int("agents_run", len(agentsRun)).
		Bool("all_succeeded", allSucceeded).
		Int64("execution_time_ms", resp.Metadata.ExecutionTimeMs).
		Msg("Evaluation completed")

	return out.settle(resp, nil)
}

// requiredCapabilities unions the capability needs of every agent and
// the synthesizer.
func (p *Pipeline) requiredCapabilities() []string {
	seen := make(map[string]struct{})
	var caps []string
	add := func(list []string) {
		for _, c := range list {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				caps = append(caps, c)
			}
		}
	}
	for _, a := range p.agents {
		add(a.Handler.RequiredCapabilities())
	}
	add(p.synthesizer.RequiredCapabilities())
	return caps
}

// runAspect executes one aspect agent. Each task owns its own input
// and output; nothing is shared with sibling tasks.
func (p *Pipeline) runAspect(ctx context.Context, agent AspectAgent, model string, prov provider.Provider, data map[string]any) (*models.AspectResult, models.AgentExecutionDetail) {
	start := time.Now()
	detail := models.AgentExecutionDetail{AgentName: agent.Name}

	finish := func(result *models.AspectResult, err error) (*models.AspectResult, models.AgentExecutionDetail) {
		detail.ExecutionTimeMs = time.Since(start).Milliseconds()
		detail.Success = err == nil
		if err != nil {
			log.Warn().
				Str("aspect", agent.Name).
				Str("kind", string(fault.KindOf(err))).
				Err(err).
				Msg("Aspect agent failed")
		}
		return result, detail
	}

	prompt, err := agent.Handler.BuildPrompt(data)
	if err != nil {
		return finish(nil, err)
	}

	gen, err := prov.Generate(ctx, model, prompt, provider.GenerateOptions{ForceJSON: true})
	if err != nil {
		return finish(nil, err)
	}
	detail.PromptTokens = gen.Usage.PromptTokens
	detail.CompletionTokens = gen.Usage.CompletionTokens
	detail.TotalTokens = gen.Usage.TotalTokens

	parsed, err := handler.ParseOutput(agent.Handler, gen.Text)
	if err != nil {
		return finish(nil, err)
	}

	var result models.AspectResult
	if err := decodeInto(parsed, &result); err != nil {
		return finish(nil, fault.Wrap(fault.KindValidation, err, "aspect result has unexpected shape").
			With("aspect", agent.Name))
	}
	result.AspectName = agent.Name
	return finish(&result, nil)
}

// runSynthesis aggregates the successful aspect results. It receives
// only successes and degrades gracefully when some aspects failed.
func (p *Pipeline) runSynthesis(ctx context.Context, model string, prov provider.Provider, data map[string]any, results []models.AspectResult) (*models.SynthesisResult, models.AgentExecutionDetail, error) {
	start := time.Now()
	detail := models.AgentExecutionDetail{AgentName: synthesisAgentName}

	input := map[string]any{
		"document":       data,
		"aspect_results": toAnySlice(results),
	}

	prompt, err := p.synthesizer.BuildPrompt(input)
	if err != nil {
		detail.ExecutionTimeMs = time.Since(start).Milliseconds()
		return nil, detail, err
	}

	gen, err := prov.Generate(ctx, model, prompt, provider.GenerateOptions{ForceJSON: true})
	if err != nil {
		detail.ExecutionTimeMs = time.Since(start).Milliseconds()
		return nil, detail, err
	}
	detail.PromptTokens = gen.Usage.PromptTokens
	detail.CompletionTokens = gen.Usage.CompletionTokens
	detail.TotalTokens = gen.Usage.TotalTokens

	parsed, err := handler.ParseOutput(p.synthesizer, gen.Text)
	if err != nil {
		detail.ExecutionTimeMs = time.Since(start).Milliseconds()
		return nil, detail, err
	}

	var synthesis models.SynthesisResult
	if err := decodeInto(parsed, &synthesis); err != nil {
		detail.ExecutionTimeMs = time.Since(start).Milliseconds()
		return nil, detail, fault.Wrap(fault.KindValidation, err, "synthesis result has unexpected shape")
	}

	detail.ExecutionTimeMs = time.Since(start).Milliseconds()
	detail.Success = true
	return &synthesis, detail, nil
}

// ── Event Emission ───────────────────────────────────────────

// emitter serializes stream events and enforces the terminal-event
// contract: events in emission order, exactly one terminal, nothing
// after it.
type emitter struct {
	mu   sync.Mutex
	fn   func(models.StreamEvent)
	done bool
}

func (e *emitter) emit(ev models.StreamEvent) {
	if e.fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	if ev.Terminal() {
		e.done = true
	}
	e.fn(ev)
}

// settle emits the terminal event for the outcome and passes it
// through.
func (e *emitter) settle(resp *models.Response, err error) (*models.Response, error) {
	if err != nil {
		env := fault.From(err).Envelope()
		e.emit(models.StreamEvent{Type: models.EventError, Error: &env})
		return nil, err
	}
	e.emit(models.StreamEvent{Type: models.EventComplete, Response: resp})
	return resp, nil
}

// ── JSON Shape Helpers ───────────────────────────────────────

func decodeInto(m map[string]any, target any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func toAnyMap(v any) map[string]any {
	raw, _ := json.Marshal(v)
	out := make(map[string]any)
	_ = json.Unmarshal(raw, &out)
	return out
}

func toAnySlice[T any](items []T) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		raw, _ := json.Marshal(item)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, any(m))
	}
	return out
}
