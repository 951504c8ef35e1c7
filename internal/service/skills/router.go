// Package skills provides skill routing and the retry/fallback/escalate
// execution state machine.
//
// The capability boundary is pluggable: skills may be backed by an LLM tool
// call, a deterministic function, or a remote service. The executor only sees
// the Capability interface.
package skills

import (
	"context"
	"errors"
	"fmt"

	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/storage"
)

// ErrNoRoutingPolicy is returned when neither an exact-scope nor an ANY-scope
// policy exists for an intent. This aborts fulfillment before any side effects.
var ErrNoRoutingPolicy = errors.New("skills: no routing policy configured")

// PolicyStore reads routing policies. Read-only configuration maintained by an
// external governance component.
type PolicyStore interface {
	GetRoutingPolicy(ctx context.Context, intent string, scope model.PolicyScope) (model.SkillRoutingPolicy, error)
}

// Router resolves the routing policy for (intent, transaction type).
type Router struct {
	policies PolicyStore
}

// NewRouter creates a Router over the given policy store.
func NewRouter(policies PolicyStore) *Router {
	return &Router{policies: policies}
}

// Route looks up an exact-scope policy for the order's transaction type and
// falls back to an ANY-scope policy for the same intent.
func (r *Router) Route(ctx context.Context, intent string, txType model.TransactionType) (model.SkillRoutingPolicy, error) {
	policy, err := r.policies.GetRoutingPolicy(ctx, intent, model.PolicyScope(txType))
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.SkillRoutingPolicy{}, fmt.Errorf("skills: route %s/%s: %w", intent, txType, err)
	}

	policy, err = r.policies.GetRoutingPolicy(ctx, intent, model.PolicyScopeAny)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.SkillRoutingPolicy{}, fmt.Errorf("skills: intent %s: %w", intent, ErrNoRoutingPolicy)
		}
		return model.SkillRoutingPolicy{}, fmt.Errorf("skills: route %s/ANY: %w", intent, err)
	}
	return policy, nil
}
