package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// OpenAICompat drives any OpenAI-compatible chat-completions endpoint.
// Besides api.openai.com it covers Gemini's compatibility surface, so
// both cloud backends share one wire codec.
type OpenAICompat struct {
	name     string
	endpoint string
	apiKey   string
	prefixes []string
	caps     []string
	client   *http.Client
}

// NewOpenAI constructs the OpenAI driver. Fails fast when the API key
// is missing.
func NewOpenAI(endpoint, apiKey string) (*OpenAICompat, error) {
	return newCompat("openai", endpoint, apiKey,
		[]string{"gpt-", "o1-", "o3-"},
		[]string{models.CapStructuredOutput, models.CapStreaming})
}

// NewGemini constructs the Gemini driver over Google's
// OpenAI-compatibility endpoint.
func NewGemini(endpoint, apiKey string) (*OpenAICompat, error) {
	return newCompat("gemini", endpoint, apiKey,
		[]string{"gemini-"},
		[]string{models.CapStructuredOutput, models.CapStreaming, models.CapLongContext})
}

func newCompat(name, endpoint, apiKey string, prefixes, caps []string) (*OpenAICompat, error) {
	if apiKey == "" {
		return nil, fault.Newf(fault.KindProvider, "%s: api key not configured", name).
			With("provider", name).
			Suggest("set the provider API key before startup")
	}
	if endpoint == "" {
		return nil, fault.Newf(fault.KindProvider, "%s: endpoint not configured", name).
			With("provider", name)
	}
	return &OpenAICompat{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		prefixes: prefixes,
		caps:     caps,
		client:   newHTTPClient(),
	}, nil
}

func (p *OpenAICompat) Name() string              { return p.name }
func (p *OpenAICompat) Type() models.ProviderType { return models.ProviderCloud }
func (p *OpenAICompat) Capabilities() []string    { return p.caps }
func (p *OpenAICompat) Prefixes() []string        { return p.prefixes }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends one chat completion and returns the raw text.
func (p *OpenAICompat) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*Result, error) {
	msgs := make([]chatMessage, 0, 2)
	if opts.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: opts.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	req := chatRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.ForceJSON {
		req.ResponseFormat = &respFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, callFault(p.name, model, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, callFault(p.name, model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, callFault(p.name, model, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, statusFault(p.name, model, httpResp.StatusCode, drainError(httpResp))
	}

	var chat chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chat); err != nil {
		return nil, fault.Wrap(fault.KindProvider, err, "decode provider response").
			With("provider", p.name).
			With("model", model)
	}
	if len(chat.Choices) == 0 {
		return nil, fault.New(fault.KindProvider, "provider returned no choices").
			With("provider", p.name).
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

// HealthCheck lists models to validate credentials and reachability.
func (p *OpenAICompat) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/models", nil)
	if err != nil {
		return callFault(p.name, "", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return callFault(p.name, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFault(p.name, "", resp.StatusCode, drainError(resp))
	}
	return nil
}

var _ Provider = (*OpenAICompat)(nil)

// String implements fmt.Stringer for log fields.
func (p *OpenAICompat) String() string {
	return fmt.Sprintf("%s(%s)", p.name, p.endpoint)
}
