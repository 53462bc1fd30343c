package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/internal/registry"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
)

type stubHandler struct {
	id      string
	version string
}

func (s stubHandler) OperationID() string                        { return s.id }
func (s stubHandler) Version() string                            { return s.version }
func (s stubHandler) RequiredCapabilities() []string             { return nil }
func (s stubHandler) InputContract() []string                    { return []string{"name"} }
func (s stubHandler) ValidateInput(map[string]any) error         { return nil }
func (s stubHandler) BuildPrompt(map[string]any) (string, error) { return "prompt", nil }
func (s stubHandler) OutputContract() *handler.Contract {
	return handler.MustContract(`{"type": "object", "required": ["status"]}`)
}

func TestRegistry_ResolveReturnsRegisteredHandler(t *testing.T) {
	reg := registry.New()
	h := stubHandler{id: "pillars.validate", version: "1.0.0"}
	require.NoError(t, reg.Register(h))

	got, err := reg.Resolve("pillars", "validate")
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestRegistry_DuplicateRegistrationFails(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(stubHandler{id: "pillars.validate"}))

	err := reg.Register(stubHandler{id: "pillars.validate"})
	require.Error(t, err)

	// Explicit override is allowed for test wiring.
	reg.RegisterOverride(stubHandler{id: "pillars.validate", version: "2.0.0"})
	got, err := reg.Resolve("pillars", "validate")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version())
}

func TestRegistry_UnknownFeatureVsUnknownOperation(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(stubHandler{id: "pillars.validate"}))

	_, err := reg.Resolve("nonsense", "validate")
	assert.Equal(t, fault.KindUnknownFeature, fault.KindOf(err))

	_, err = reg.Resolve("pillars", "nonsense")
	assert.Equal(t, fault.KindUnknownOperation, fault.KindOf(err))
}

func TestRegistry_RejectsMalformedOperationID(t *testing.T) {
	reg := registry.New()
	assert.Error(t, reg.Register(stubHandler{id: "noseparator"}))
	assert.Error(t, reg.Register(stubHandler{id: ".validate"}))
	assert.Error(t, reg.Register(stubHandler{id: "pillars."}))
}

func TestRegistry_RegistrationsSorted(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(
		stubHandler{id: "pillars.validate", version: "1.2.0"},
		stubHandler{id: "design.evaluate", version: "1.0.0"},
		stubHandler{id: "pillars.suggest", version: "1.0.1"},
	)

	regs := reg.Registrations()
	require.Len(t, regs, 3)
	assert.Equal(t, "design.evaluate", regs[0].OperationID)
	assert.Equal(t, "pillars.suggest", regs[1].OperationID)
	assert.Equal(t, "pillars.validate", regs[2].OperationID)
}

func TestRegistry_RegistrationsCarryContracts(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(stubHandler{id: "pillars.validate", version: "1.0.0"})

	regs := reg.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, []string{"name"}, regs[0].InputContract)
	require.NotNil(t, regs[0].OutputContract)
	assert.Equal(t, "object", regs[0].OutputContract["type"])
	assert.Equal(t, []any{"status"}, regs[0].OutputContract["required"])
}
