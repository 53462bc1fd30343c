// Package modelmanager owns the provider registry and model
// resolution. The registry is populated once at startup and read-only
// afterwards, so the request path needs no locking.
package modelmanager

import (
	"strings"

	"github.com/keystone-studio/keystone/orchestrator/internal/provider"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// Manager resolves model ids to providers.
type Manager struct {
	providers []provider.Provider
	byName    map[string]provider.Provider
	aliases   map[string]string
}

// New creates a manager with an immutable alias snapshot. The alias
// table maps short names ("gemini", "openai") to canonical model ids.
func New(aliases map[string]string) *Manager {
	snap := make(map[string]string, len(aliases))
	for k, v := range aliases {
		snap[k] = v
	}
	return &Manager{
		byName:  make(map[string]provider.Provider),
		aliases: snap,
	}
}

// Register adds a constructed provider. Called during startup wiring
// only, before any request is served.
func (m *Manager) Register(p provider.Provider) {
	m.providers = append(m.providers, p)
	m.byName[p.Name()] = p
}

// Providers returns the registered providers in registration order.
func (m *Manager) Providers() []provider.Provider {
	return m.providers
}

// Get returns a provider by name, or nil.
func (m *Manager) Get(name string) provider.Provider {
	return m.byName[name]
}

// ResolveAlias maps a short model name to its canonical id. Pure and
// total: an id that is not an alias passes through unchanged.
func (m *Manager) ResolveAlias(modelID string) string {
	if canonical, ok := m.aliases[modelID]; ok {
		return canonical
	}
	return modelID
}

// Resolve maps a requested model id (possibly an alias) to its owning
// provider and verifies every required capability before any network
// call. An unresolvable model or unmet capability is a
// ModelUnavailableError.
func (m *Manager) Resolve(modelID string, required []string) (*models.ModelDetails, provider.Provider, error) {
	canonical := m.ResolveAlias(modelID)

	p := m.ownerOf(canonical)
	if p == nil {
		return nil, nil, fault.Newf(fault.KindModelUnavailable, "no configured provider serves model %q", canonical).
			With("model", canonical).
			With("requested", modelID).
			Suggest("switch to a model owned by a configured provider")
	}

	details := &models.ModelDetails{
		ProviderName: p.Name(),
		ProviderType: p.Type(),
		ModelName:    canonical,
		Capabilities: p.Capabilities(),
	}

	for _, cap := range required {
		if !details.HasCapability(cap) {
			return nil, nil, fault.Newf(fault.KindModelUnavailable, "provider %q lacks required capability %q", p.Name(), cap).
				With("provider", p.Name()).
				With("model", canonical).
				With("capability", cap).
				Suggest("switch to a model whose provider supports the capability")
		}
	}

	return details, p, nil
}

// ownerOf finds the provider whose prefix set matches the model name.
func (m *Manager) ownerOf(model string) provider.Provider {
	for _, p := range m.providers {
		for _, prefix := range p.Prefixes() {
			if strings.HasPrefix(model, prefix) {
				return p
			}
		}
	}
	return nil
}

// ListModels describes every registered provider for the API surface.
func (m *Manager) ListModels() []models.ModelDetails {
	out := make([]models.ModelDetails, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, models.ModelDetails{
			ProviderName: p.Name(),
			ProviderType: p.Type(),
			Capabilities: p.Capabilities(),
		})
	}
	return out
}

// Aliases returns a copy of the alias table for the API surface.
func (m *Manager) Aliases() map[string]string {
	out := make(map[string]string, len(m.aliases))
	for k, v := range m.aliases {
		out[k] = v
	}
	return out
}
