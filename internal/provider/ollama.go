package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// Ollama drives a local Ollama instance through its OpenAI-compatible
// chat endpoint. No credentials required; the constructor only checks
// that an endpoint is configured.
type Ollama struct {
	endpoint string
	client   *http.Client
}

// NewOllama constructs the local driver.
func NewOllama(endpoint string) (*Ollama, error) {
	if endpoint == "" {
		return nil, fault.New(fault.KindProvider, "ollama: endpoint not configured").
			With("provider", "ollama")
	}
	return &Ollama{
		endpoint: endpoint,
		client:   newHTTPClient(),
	}, nil
}

func (p *Ollama) Name() string              { return "ollama" }
func (p *Ollama) Type() models.ProviderType { return models.ProviderLocal }
func (p *Ollama) Prefixes() []string        { return []string{"llama", "mistral", "qwen", "phi"} }

// Capabilities: local models stream but do not guarantee structured
// output, so operations requiring it are rejected up front.
func (p *Ollama) Capabilities() []string {
	return []string{models.CapStreaming}
}

// Generate sends one chat completion to the local instance.
func (p *Ollama) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*Result, error) {
	msgs := make([]chatMessage, 0, 2)
	if opts.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: opts.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return nil, callFault(p.Name(), model, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, callFault(p.Name(), model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, callFault(p.Name(), model, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, statusFault(p.Name(), model, httpResp.StatusCode, drainError(httpResp))
	}

	var chat chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chat); err != nil {
		return nil, fault.Wrap(fault.KindProvider, err, "decode provider response").
			With("provider", p.Name()).
			With("model", model)
	}
	if len(chat.Choices) == 0 {
		return nil, fault.New(fault.KindProvider, "provider returned no choices").
			With("provider", p.Name()).
			With("model", model)
	}

	return &Result{
		Text: chat.Choices[0].Message.Content,
		Usage: models.TokenUsage{
			PromptTokens:     chat.Usage.PromptTokens,
			CompletionTokens: chat.Usage.CompletionTokens,
			TotalTokens:      chat.Usage.TotalTokens,
		},
	}, nil
}

// HealthCheck verifies the instance is running by listing local tags.
func (p *Ollama) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return callFault(p.Name(), "", err)
	}

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

var _ Provider = (*Ollama)(nil)
