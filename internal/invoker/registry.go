// Package invoker calls vendor operations described by the OpenAPI index,
// guarding each service with a circuit breaker and optional retries.
package invoker

import (
	"context"
	"fmt"

	"github.com/rl0ve/uipath-process-app-training/model"
)

// Registry dispatches an invocation to the first registered invoker that
// supports its binding. A Registry is itself an OperationInvoker.
type Registry struct {
	invokers []model.OperationInvoker
}

// NewRegistry returns a registry holding the given invokers.
func NewRegistry(invokers ...model.OperationInvoker) *Registry {
	return &Registry{invokers: invokers}
}

// Register appends an invoker. Not safe to call concurrently with Invoke.
func (r *Registry) Register(invoker model.OperationInvoker) {
	r.invokers = append(r.invokers, invoker)
}

// Supports reports whether any registered invoker handles the binding.
func (r *Registry) Supports(binding model.OperationBinding) bool {
	for _, inv := range r.invokers {
		if inv.Supports(binding) {
			return true
		}
	}
	return false
}

// Invoke delegates to the first invoker that supports the binding.
func (r *Registry) Invoke(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, input model.InvocationInput) (model.InvocationResult, error) {
	for _, inv := range r.invokers {
		if inv.Supports(binding) {
			return inv.Invoke(ctx, rctx, binding, input)
		}
	}
	return model.InvocationResult{}, fmt.Errorf("invoker: no invoker supports binding type %q", binding.Type)
}
