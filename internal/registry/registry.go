// Package registry maps (feature, operation) routing keys to their
// handlers. The registry is populated by one explicit startup function
// before any request is served and is read-only afterwards, so the
// dispatch path reads it without locking.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// Registry is the process-wide handler table.
type Registry struct {
	handlers map[string]handler.Handler // key: "feature.operation"
	features map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]handler.Handler),
		features: make(map[string]struct{}),
	}
}

// Register adds a handler. A duplicate operation id is a startup
// error: handlers are wired exactly once by the startup table.
func (r *Registry) Register(h handler.Handler) error {
	return r.register(h, false)
}

// RegisterOverride replaces any existing handler for the id. Intended
// for test setup only.
func (r *Registry) RegisterOverride(h handler.Handler) {
	_ = r.register(h, true)
}

func (r *Registry) register(h handler.Handler, override bool) error {
	id := h.OperationID()
	feature, _, ok := splitOperationID(id)
	if !ok {
		return fmt.Errorf("register %q: operation id must be \"feature.operation\"", id)
	}
	if _, exists := r.handlers[id]; exists && !override {
		return fmt.Errorf("register %q: operation already registered", id)
	}
	r.handlers[id] = h
	r.features[feature] = struct{}{}
	return nil
}

// MustRegister registers a batch of handlers and panics on the first
// failure. Used by the startup wiring where a duplicate id means a
// broken registration table.
func (r *Registry) MustRegister(handlers ...handler.Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the handler for (feature, operation). An unknown
// feature and an unknown operation under a known feature are distinct
// error kinds so callers can tell a typo'd domain from a typo'd verb.
func (r *Registry) Resolve(feature, operation string) (handler.Handler, error) {
	if _, ok := r.features[feature]; !ok {
		return nil, fault.Newf(fault.KindUnknownFeature, "unknown feature %q", feature).
			With("feature", feature).
			Suggest("list registered operations via the registry endpoint")
	}
	h, ok := r.handlers[feature+"."+operation]
	if !ok {
		return nil, fault.Newf(fault.KindUnknownOperation, "feature %q has no operation %q", feature, operation).
			With("feature", feature).
			With("operation", operation)
	}
	return h, nil
}

// Registrations lists every registered operation, sorted by id.
func (r *Registry) Registrations() []models.HandlerRegistration {
	out := make([]models.HandlerRegistration, 0, len(r.handlers))
	for id, h := range r.handlers {
		out = append(out, models.HandlerRegistration{
			OperationID:    id,
			Version:        h.Version(),
			InputContract:  h.InputContract(),
			OutputContract: h.OutputContract().Doc(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

func splitOperationID(id string) (feature, operation string, ok bool) {
	i := strings.IndexByte(id, '.')
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
