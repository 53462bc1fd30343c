// Package provider implements the model backend drivers.
//
// Each driver adapts one backend (OpenAI-compatible cloud APIs,
// Anthropic, local Ollama) to the uniform Provider interface: a single
// text-in/text-out Generate call plus static identity, capability, and
// model-ownership metadata. Drivers validate their configuration at
// construction time — a missing API key fails at startup, not on the
// first request.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// GenerateOptions tunes a single generation call.
type GenerateOptions struct {
	// System is prepended as a system message when non-empty.
	System string
	// MaxTokens caps the completion length. Zero means driver default.
	MaxTokens int
	// Temperature of 0 means driver default.
	Temperature float64
	// ForceJSON asks the backend for structured output where the API
	// supports it. Output is schema-validated downstream regardless.
	ForceJSON bool
}

// Result is a completed generation.
type Result struct {
	Text  string
	Usage models.TokenUsage
}

// Provider is the uniform interface over heterogeneous model backends.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "ollama").
	Name() string

	// Type reports whether the backend is local or cloud.
	Type() models.ProviderType

	// Capabilities returns the static capability set.
	Capabilities() []string

	// Prefixes returns the model-name prefixes this provider owns.
	Prefixes() []string

	// Generate sends one prompt and returns the raw model text.
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*Result, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// newHTTPClient is shared by all drivers. Per-request deadlines come
// from the caller's context; the client timeout is a hard backstop.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 180 * time.Second}
}

// callFault converts a transport-level failure into a taxonomy error.
func callFault(providerName, model string, err error) *fault.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, err, "model call timed out").
			With("provider", providerName).
			With("model", model)
	}
	return fault.Wrap(fault.KindProvider, err, "model call failed").
		With("provider", providerName).
		With("model", model).
		Suggest("check provider endpoint and network connectivity")
}

// statusFault converts a non-200 provider response into a taxonomy
// error. The mapping keeps provider-side status distinctions the
// caller needs for retry decisions.
func statusFault(providerName, model string, status int, body []byte) *fault.Error {
	msg := fmt.Sprintf("provider returned status %d", status)
	detail := string(body)
	if len(detail) > 512 {
		detail = detail[:512]
	}

	var e *fault.Error
	switch {
	case status == http.StatusTooManyRequests:
		e = fault.New(fault.KindRateLimit, msg).
			Suggest("retry after backoff")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = fault.New(fault.KindAuthentication, msg).
			Suggest("check provider credentials")
	case status == http.StatusNotFound:
		e = fault.New(fault.KindModelUnavailable, msg).
			Suggest("check the model name or switch models")
	case status >= 500:
		e = fault.New(fault.KindProvider, msg).
			Suggest("retry or switch provider")
	default:
		e = fault.New(fault.KindProvider, msg)
	}
	return e.With("provider", providerName).
		With("model", model).
		With("status", status).
		With("body", detail)
}

// drainError reads a response body for error reporting.
func drainError(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return body
}
