package pipeline

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/keystone-studio/keystone/orchestrator/internal/handler"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// AspectAgent is one independently-evaluable dimension of the
// evaluation subject. It wraps a handler-shaped unit scoped to the
// aspect's prompt and schema, plus an optional applicability rule
// consulted by the filtered selection policy.
type AspectAgent struct {
	Name    string
	Handler handler.Handler

	// applicability is a boolean expression over the request payload.
	// Nil means the aspect always applies.
	applicability *vm.Program
}

// NewAspectAgent constructs an aspect agent. The applicability source,
// when non-empty, is compiled once at startup; a bad rule fails wiring
// rather than a request.
func NewAspectAgent(name string, h handler.Handler, applicability string) (AspectAgent, error) {
	agent := AspectAgent{Name: name, Handler: h}
	if applicability != "" {
		prog, err := expr.Compile(applicability,
			expr.AllowUndefinedVariables(),
			expr.AsBool())
		if err != nil {
			return AspectAgent{}, fmt.Errorf("aspect %q: compile applicability rule: %w", name, err)
		}
		agent.applicability = prog
	}
	return agent, nil
}

// applies evaluates the applicability rule against the payload.
func (a *AspectAgent) applies(payload map[string]any) (bool, error) {
	if a.applicability == nil {
		return true, nil
	}
	out, err := expr.Run(a.applicability, payload)
	if err != nil {
		return false, fmt.Errorf("aspect %q: evaluate applicability rule: %w", a.Name, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// SelectionFunc decides the working set of aspects for one evaluation.
// The policy is pluggable; router failure is fatal to the request.
type SelectionFunc func(ctx context.Context, payload map[string]any, agents []AspectAgent) ([]AspectAgent, error)

// selectAll returns every registered aspect.
func selectAll(_ context.Context, _ map[string]any, agents []AspectAgent) ([]AspectAgent, error) {
	return agents, nil
}

// selectFiltered keeps only aspects whose applicability rule matches
// the payload.
func selectFiltered(_ context.Context, payload map[string]any, agents []AspectAgent) ([]AspectAgent, error) {
	var selected []AspectAgent
	for _, a := range agents {
		ok, err := a.applies(payload)
		if err != nil {
			return nil, fault.Wrap(fault.KindAgentFailure, err, "aspect routing failed").
				With("aspect", a.Name)
		}
		if ok {
			selected = append(selected, a)
		}
	}
	return selected, nil
}

// policyFor maps a request's selection policy to its implementation.
// Unknown values fall back to evaluating everything.
func policyFor(policy models.SelectionPolicy) SelectionFunc {
	switch policy {
	case models.SelectFiltered:
		return selectFiltered
	default:
		return selectAll
	}
}
