package provider_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-studio/keystone/orchestrator/internal/provider"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
)

func chatServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestNewCompat_MissingKeyFailsFast(t *testing.T) {
	_, err := provider.NewOpenAI("https://api.openai.com/v1", "")
	require.Error(t, err)
	assert.Equal(t, fault.KindProvider, fault.KindOf(err))

	_, err = provider.NewAnthropic("", "")
	require.Error(t, err)

	_, err = provider.NewOllama("")
	require.Error(t, err)
}

func TestOpenAICompat_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   fault.Kind
	}{
		{http.StatusTooManyRequests, fault.KindRateLimit},
		{http.StatusUnauthorized, fault.KindAuthentication},
		{http.StatusForbidden, fault.KindAuthentication},
		{http.StatusNotFound, fault.KindModelUnavailable},
		{http.StatusInternalServerError, fault.KindProvider},
		{http.StatusBadGateway, fault.KindProvider},
	}
	for _, tc := range cases {
		srv := chatServer(t, tc.status, `{"error": "nope"}`)
		p, err := provider.NewOpenAI(srv.URL, "test-key")
		require.NoError(t, err)

		_, err = p.Generate(context.Background(), "gpt-4o-mini", "hello", provider.GenerateOptions{})
		require.Error(t, err, tc.status)
		assert.Equal(t, tc.want, fault.KindOf(err), "status %d", tc.status)

		fe := fault.From(err)
		assert.Equal(t, "openai", fe.Context["provider"])
		assert.Equal(t, tc.status, fe.Context["status"])

		srv.Close()
	}
}

func TestOpenAICompat_GenerateAndUsage(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(`{
			"choices": [{"message": {"content": "{\"status\": \"strong\"}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
		}`))
	}))
	defer srv.Close()

	p, err := provider.NewOpenAI(srv.URL, "test-key")
	require.NoError(t, err)

	result, err := p.Generate(context.Background(), "gpt-4o-mini", "judge this", provider.GenerateOptions{ForceJSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"status": "strong"}`, result.Text)
	assert.Equal(t, 19, result.Usage.TotalTokens)

	// ForceJSON asks for structured output on the wire.
	rf := gotReq["response_format"].(map[string]any)
	assert.Equal(t, "json_object", rf["type"])
}

func TestOpenAICompat_TimeoutIsTimeoutKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Consume the body first so the server notices the client
		// hanging up and cancels the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p, err := provider.NewOpenAI(srv.URL, "test-key")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Generate(ctx, "gpt-4o-mini", "hello", provider.GenerateOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
}

func TestAnthropic_ConcatenatesTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// The Messages API requires an explicit max_tokens.
		assert.Greater(t, req["max_tokens"].(float64), float64(0))

		w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "{\"status\": "},
				{"type": "text", "text": "\"weak\"}"}
			],
			"usage": {"input_tokens": 9, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	p, err := provider.NewAnthropic(srv.URL, "test-key")
	require.NoError(t, err)

	result, err := p.Generate(context.Background(), "claude-3-5-haiku-20241022", "judge", provider.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"status": "weak"}`, result.Text)
	assert.Equal(t, 13, result.Usage.TotalTokens)
}

func TestOllama_NoStructuredOutputCapability(t *testing.T) {
	p, err := provider.NewOllama("http://localhost:11434")
	require.NoError(t, err)
	assert.NotContains(t, p.Capabilities(), "structured_output")
	assert.Contains(t, p.Capabilities(), "streaming")
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.Write([]byte(`{"data": []}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := provider.NewOpenAI(srv.URL, "test-key")
	require.NoError(t, err)
	assert.NoError(t, p.HealthCheck(context.Background()))

	bad, err := provider.NewOpenAI(srv.URL+"/wrong", "test-key")
	require.NoError(t, err)
	assert.Error(t, bad.HealthCheck(context.Background()))
}
