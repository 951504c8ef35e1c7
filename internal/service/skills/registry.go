package skills

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oumi-ai/banto/internal/model"
)

// Registry is an in-process CapabilityResolver. Capabilities are registered
// per versioned skill; an optional default serves any skill without an exact
// registration.
type Registry struct {
	mu         sync.RWMutex
	capability map[model.SkillRef]Capability
	fallback   Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{capability: make(map[model.SkillRef]Capability)}
}

// Register binds a capability to one versioned skill.
func (r *Registry) Register(ref model.SkillRef, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capability[ref] = c
}

// RegisterDefault sets the capability used for skills with no exact binding.
func (r *Registry) RegisterDefault(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = c
}

// Resolve implements CapabilityResolver.
func (r *Registry) Resolve(ref model.SkillRef) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.capability[ref]; ok {
		return c, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Acknowledge is a built-in capability that confirms execution without
// external effects. It echoes no input back; it emits a confirmation id and a
// completion timestamp, which satisfies registry entries that declare those
// output fields.
type Acknowledge struct{}

// Execute implements Capability.
func (Acknowledge) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{
		"confirmation": uuid.NewString(),
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
