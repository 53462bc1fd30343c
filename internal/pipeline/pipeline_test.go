package pipeline_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/internal/modelmanager"
	"github.com/keystone-studio/keystone/orchestrator/internal/pipeline"
	"github.com/keystone-studio/keystone/orchestrator/internal/provider"
	"github.com/keystone-studio/keystone/orchestrator/internal/runlog"
	"github.com/keystone-studio/keystone/orchestrator/internal/store"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

const aspectJSON = `{"status": "strong", "reasoning": "solid", "suggestions": []}`
const synthesisJSON = `{
	"overall_status": "adequate",
	"overall_reasoning": "good bones",
	"strongest_aspects": ["gameplay"],
	"weakest_aspects": [],
	"critical_gaps": [],
	"next_steps": ["playtest"]
}`

// scriptedProvider routes on prompt content: aspect prompts embed the
// aspect name, the synthesizer prompt embeds "synthesize".
type scriptedProvider struct {
	calls    atomic.Int64
	failing  map[string]bool // aspect name → fail its call
	blocking map[string]bool // aspect name → block until ctx done
}

func (s *scriptedProvider) Name() string                      { return "fake" }
func (s *scriptedProvider) Type() models.ProviderType         { return models.ProviderCloud }
func (s *scriptedProvider) Capabilities() []string            { return []string{models.CapStructuredOutput} }
func (s *scriptedProvider) Prefixes() []string                { return []string{"fake-"} }
func (s *scriptedProvider) HealthCheck(context.Context) error { return nil }

func (s *scriptedProvider) Generate(ctx context.Context, model, prompt string, opts provider.GenerateOptions) (*provider.Result, error) {
	s.calls.Add(1)
	usage := models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

	if strings.Contains(prompt, "synthesize") {
		return &provider.Result{Text: synthesisJSON, Usage: usage}, nil
	}
	for name := range s.blocking {
		if strings.Contains(prompt, name) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	for name := range s.failing {
		if strings.Contains(prompt, name) {
			return nil, fault.New(fault.KindProvider, "provider returned status 500")
		}
	}
	return &provider.Result{Text: aspectJSON, Usage: usage}, nil
}

// aspectStub is a minimal handler whose prompt carries its name.
type aspectStub struct {
	name     string
	requires []string // defaults to document
	contract *handler.Contract
}

func (a aspectStub) OperationID() string            { return "design." + a.name }
func (a aspectStub) Version() string                { return "0.0.1" }
func (a aspectStub) RequiredCapabilities() []string { return []string{models.CapStructuredOutput} }
func (a aspectStub) InputContract() []string {
	if a.requires != nil {
		return a.requires
	}
	return []string{"document"}
}
func (a aspectStub) ValidateInput(data map[string]any) error {
	for _, field := range a.InputContract() {
		if _, err := handler.RequireString(a.OperationID(), data, field); err != nil {
			return err
		}
	}
	return nil
}
func (a aspectStub) BuildPrompt(map[string]any) (string, error) {
	return "evaluate aspect " + a.name, nil
}
func (a aspectStub) OutputContract() *handler.Contract { return a.contract }

type synthStub struct {
	contract *handler.Contract
}

func (synthStub) OperationID() string                { return "design.synthesize" }
func (synthStub) Version() string                    { return "0.0.1" }
func (synthStub) RequiredCapabilities() []string     { return []string{models.CapStructuredOutput} }
func (synthStub) InputContract() []string            { return []string{"aspect_results"} }
func (synthStub) ValidateInput(map[string]any) error { return nil }
func (synthStub) BuildPrompt(map[string]any) (string, error) {
	return "synthesize the verdicts", nil
}
func (s synthStub) OutputContract() *handler.Contract { return s.contract }

func openContract(t *testing.T) *handler.Contract {
	t.Helper()
	return handler.MustContract(`{"type": "object"}`)
}

type fixture struct {
	pipe     *pipeline.Pipeline
	provider *scriptedProvider
	store    *store.MemoryStore
}

func newFixture(t *testing.T, p *scriptedProvider, rules map[string]string) *fixture {
	t.Helper()

	contract := openContract(t)
	var agents []pipeline.AspectAgent
	for _, name := range []string{"theme", "gameplay", "player_experience"} {
		a, err := pipeline.NewAspectAgent(name, aspectStub{name: name, contract: contract}, rules[name])
		require.NoError(t, err)
		agents = append(agents, a)
	}

	mgr := modelmanager.New(map[string]string{"fake": "fake-model-1"})
	mgr.Register(p)

	st := store.NewMemoryStore()
	pipe := pipeline.New("design.evaluate", mgr, runlog.New(st), agents,
		synthStub{contract: contract}, "fake", 5*time.Second)
	return &fixture{pipe: pipe, provider: p, store: st}
}

func evalRequest() *models.Request {
	return &models.Request{
		Feature:   "design",
		Operation: "evaluate",
		Data:      map[string]any{"document": "A cozy roguelike about tending a lighthouse."},
		ModelID:   "fake",
	}
}

func agentNames(details []models.AgentExecutionDetail) []string {
	out := make([]string, 0, len(details))
	for _, d := range details {
		out = append(out, d.AgentName)
	}
	return out
}

func TestEvaluate_AllAspectsSucceed(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{}, nil)

	resp, err := fx.pipe.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)

	assert.Equal(t, models.ModeAgentic, resp.Metadata.ExecutionMode)
	require.NotNil(t, resp.Metadata.AllSucceeded)
	assert.True(t, *resp.Metadata.AllSucceeded)
	assert.Equal(t, []string{"gameplay", "player_experience", "theme"}, resp.Metadata.AgentsRun)

	// Reported ordering: router, aspects alphabetical, synthesis.
	assert.Equal(t,
		[]string{"router", "gameplay", "player_experience", "theme", "synthesis"},
		agentNames(resp.Metadata.AgentExecutionDetails))

	results := resp.Results["aspect_results"].([]any)
	assert.Len(t, results, 3)
	synthesis := resp.Results["synthesis"].(map[string]any)
	assert.Equal(t, "adequate", synthesis["overall_status"])

	// 3 aspects + 1 synthesis.
	assert.EqualValues(t, 4, fx.provider.calls.Load())
}

func TestEvaluate_PartialFailureStillSynthesizes(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{failing: map[string]bool{"theme": true}}, nil)

	resp, err := fx.pipe.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)

	require.NotNil(t, resp.Metadata.AllSucceeded)
	assert.False(t, *resp.Metadata.AllSucceeded)
	// All selected agents are still listed.
	assert.Equal(t, []string{"gameplay", "player_experience", "theme"}, resp.Metadata.AgentsRun)

	for _, d := range resp.Metadata.AgentExecutionDetails {
		if d.AgentName == "theme" {
			assert.False(t, d.Success)
		}
		if d.AgentName == "synthesis" || d.AgentName == "gameplay" {
			assert.True(t, d.Success)
		}
	}

	// Synthesis derives from the two survivors only.
	results := resp.Results["aspect_results"].([]any)
	assert.Len(t, results, 2)
	assert.NotNil(t, resp.Results["synthesis"])
}

func TestEvaluate_AllAspectsFail(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{failing: map[string]bool{
		"theme": true, "gameplay": true, "player_experience": true,
	}}, nil)

	_, err := fx.pipe.Evaluate(context.Background(), evalRequest())
	require.Error(t, err)
	assert.Equal(t, fault.KindAgentFailure, fault.KindOf(err))
	// No synthesis call happened.
	assert.EqualValues(t, 3, fx.provider.calls.Load())
}

func TestEvaluate_TimeoutRecordsBlockedAspectAsFailure(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{blocking: map[string]bool{"theme": true}}, nil)

	req := evalRequest()
	req.TimeoutMs = 200

	resp, err := fx.pipe.Evaluate(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, resp.Metadata.AllSucceeded)
	assert.False(t, *resp.Metadata.AllSucceeded)

	var aspectDetails []models.AgentExecutionDetail
	for _, d := range resp.Metadata.AgentExecutionDetails {
		if d.AgentName != "router" && d.AgentName != "synthesis" {
			aspectDetails = append(aspectDetails, d)
		}
	}
	require.Len(t, aspectDetails, 3)
	for _, d := range aspectDetails {
		if d.AgentName == "theme" {
			assert.False(t, d.Success, "cancelled aspect is recorded, not dropped")
		} else {
			assert.True(t, d.Success)
		}
	}
	assert.NotNil(t, resp.Results["synthesis"])
}

func TestEvaluate_FilteredPolicySelectsSubset(t *testing.T) {
	rules := map[string]string{
		"theme":    `theme != nil || setting != nil`,
		"gameplay": ``, // always applies
	}
	fx := newFixture(t, &scriptedProvider{}, rules)

	req := evalRequest()
	req.SelectionPolicy = models.SelectFiltered
	// Payload has no theme or setting material.

	resp, err := fx.pipe.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"gameplay", "player_experience"}, resp.Metadata.AgentsRun)
}

func TestEvaluate_DroppedAspectDoesNotVetoInput(t *testing.T) {
	contract := openContract(t)
	// theme demands a "setting" field, but its rule drops it when the
	// payload has none; the remaining agent must still run.
	theme, err := pipeline.NewAspectAgent("theme",
		aspectStub{name: "theme", requires: []string{"document", "setting"}, contract: contract},
		`setting != nil`)
	require.NoError(t, err)
	gameplay, err := pipeline.NewAspectAgent("gameplay",
		aspectStub{name: "gameplay", contract: contract}, "")
	require.NoError(t, err)

	p := &scriptedProvider{}
	mgr := modelmanager.New(map[string]string{"fake": "fake-model-1"})
	mgr.Register(p)
	st := store.NewMemoryStore()
	pipe := pipeline.New("design.evaluate", mgr, runlog.New(st),
		[]pipeline.AspectAgent{theme, gameplay}, synthStub{contract: contract}, "fake", 5*time.Second)

	req := evalRequest()
	req.SelectionPolicy = models.SelectFiltered

	resp, err := pipe.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"gameplay"}, resp.Metadata.AgentsRun)
}

func TestEvaluate_InvalidInputIsFatal(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{}, nil)

	req := evalRequest()
	req.Data = map[string]any{}
	_, err := fx.pipe.Evaluate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err))
	assert.EqualValues(t, 0, fx.provider.calls.Load())
}

func TestEvaluate_IdempotentReplay(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{}, nil)

	req := evalRequest()
	req.IdempotencyKey = "key-1"

	first, err := fx.pipe.Evaluate(context.Background(), req)
	require.NoError(t, err)
	callsAfterFirst := fx.provider.calls.Load()

	second, err := fx.pipe.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, callsAfterFirst, fx.provider.calls.Load(), "replay must not call the provider")
}

func TestRegistration_DescribesThePipeline(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{}, nil)

	h := fx.pipe.Registration("1.1.0")
	assert.Equal(t, "design.evaluate", h.OperationID())
	assert.Equal(t, "1.1.0", h.Version())
	assert.Equal(t, []string{models.CapStructuredOutput}, h.RequiredCapabilities())
	assert.Equal(t, []string{"document"}, h.InputContract())
	assert.NotNil(t, h.OutputContract())

	require.NoError(t, h.ValidateInput(map[string]any{"document": "a game"}))
	require.Error(t, h.ValidateInput(map[string]any{}))

	// Agentic operations have no single prompt to render.
	_, err := h.BuildPrompt(map[string]any{"document": "a game"})
	assert.Error(t, err)
}

// ── Streaming ────────────────────────────────────────────────

func collectEvents(t *testing.T, fx *fixture, req *models.Request) ([]models.StreamEvent, error) {
	t.Helper()
	var events []models.StreamEvent
	_, err := fx.pipe.EvaluateStream(context.Background(), req, func(ev models.StreamEvent) {
		events = append(events, ev)
	})
	return events, err
}

func TestEvaluateStream_ExactlyOneTerminalEventLast(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{}, nil)

	events, err := collectEvents(t, fx, evalRequest())
	require.NoError(t, err)
	require.NotEmpty(t, events)

	terminals := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	last := events[len(events)-1]
	assert.Equal(t, models.EventComplete, last.Type)
	require.NotNil(t, last.Response)
	assert.NotNil(t, last.Response.Results["synthesis"])
}

func TestEvaluateStream_ErrorEndsStreamWithErrorEvent(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{failing: map[string]bool{
		"theme": true, "gameplay": true, "player_experience": true,
	}}, nil)

	events, err := collectEvents(t, fx, evalRequest())
	require.Error(t, err)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, models.EventError, last.Type)
	require.NotNil(t, last.Error)
	assert.Equal(t, string(fault.KindAgentFailure), last.Error.Code)

	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, models.EventProgress, ev.Type)
	}
}

func TestEvaluateStream_ProgressCoversStages(t *testing.T) {
	fx := newFixture(t, &scriptedProvider{}, nil)

	events, err := collectEvents(t, fx, evalRequest())
	require.NoError(t, err)

	stages := make(map[string]bool)
	for _, ev := range events {
		if ev.Type == models.EventProgress {
			stages[ev.Stage] = true
		}
	}
	assert.True(t, stages["routing"])
	assert.True(t, stages["evaluating"])
	assert.True(t, stages["synthesizing"])
}
