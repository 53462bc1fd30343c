package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

const anthropicVersion = "2023-06-01"

// defaultAnthropicMaxTokens is used when the caller does not cap the
// completion. The Messages API requires an explicit value.
const defaultAnthropicMaxTokens = 4096

// Anthropic drives the Anthropic Messages API.
type Anthropic struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewAnthropic constructs the Anthropic driver. Fails fast when the
// API key is missing.
func NewAnthropic(endpoint, apiKey string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindProvider, "anthropic: api key not configured").
			With("provider", "anthropic").
			Suggest("set ANTHROPIC_API_KEY before startup")
	}
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	return &Anthropic{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   newHTTPClient(),
	}, nil
}

func (p *Anthropic) Name() string              { return "anthropic" }
func (p *Anthropic) Type() models.ProviderType { return models.ProviderCloud }
func (p *Anthropic) Prefixes() []string        { return []string{"claude-"} }

func (p *Anthropic) Capabilities() []string {
	return []string{models.CapStructuredOutput, models.CapStreaming, models.CapLongContext}
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate sends one message and returns the concatenated text blocks.
func (p *Anthropic) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*Result, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		System:    opts.System,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, callFault(p.Name(), model, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, callFault(p.Name(), model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, callFault(p.Name(), model, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, statusFault(p.Name(), model, httpResp.StatusCode, drainError(httpResp))
	}

	var msg anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&msg); err != nil {
		return nil, fault.Wrap(fault.KindProvider, err, "decode provider response").
			With("provider", p.Name()).
			With("model", model)
	}

	text := ""
	for _, c := range msg.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	return &Result{
		Text: text,
		Usage: models.TokenUsage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}, nil
}

// HealthCheck lists models to validate credentials and reachability.
func (p *Anthropic) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/v1/models", nil)
	if err != nil {
		return callFault(p.Name(), "", err)
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return callFault(p.Name(), "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFault(p.Name(), "", resp.StatusCode, drainError(resp))
	}
	return nil
}

var _ Provider = (*Anthropic)(nil)
