// Package workers runs queued jobs: it resolves run functions and models,
// drives per-queue dispatch loops under a concurrency cap, reports
// progress, observes abort requests, and applies the retry policy.
package workers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// RunFunc executes one job attempt. The context is canceled on abort
// requests, deadline expiry and shutdown; implementations are expected to
// notice and return promptly. The returned map becomes the job's output.
type RunFunc func(ctx context.Context, run *RunContext) (map[string]any, error)

type runKey struct {
	provider string
	taskType string
}

type registration struct {
	fn     RunFunc
	schema *jsonschema.Resolved
}

// Registry maps (provider, task type) to run functions. A registration
// with an empty task type is the provider's catch-all. Optional per-entry
// JSON schemas vet job input at enqueue time.
type Registry struct {
	mu      sync.RWMutex
	entries map[runKey]*registration
}

// NewRegistry creates an empty run-function registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[runKey]*registration)}
}

// Register binds fn to (provider, taskType). An empty taskType is the
// provider default used when a job names no task. Re-registering replaces
// the previous binding.
func (r *Registry) Register(provider, taskType string, fn RunFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := runKey{provider: provider, taskType: taskType}
	if e, ok := r.entries[key]; ok {
		e.fn = fn
		return
	}
	r.entries[key] = &registration{fn: fn}
}

// RegisterSchema attaches a JSON schema to (provider, taskType). Inputs
// failing the schema are rejected at enqueue. The schema is resolved once
// here so validation on the hot path is allocation-light.
func (r *Registry) RegisterSchema(provider, taskType string, schema *jsonschema.Schema) error {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for %s/%s: %w", provider, taskType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := runKey{provider: provider, taskType: taskType}
	if e, ok := r.entries[key]; ok {
		e.schema = resolved
		return nil
	}
	r.entries[key] = &registration{schema: resolved}
	return nil
}

// Lookup resolves the run function for (provider, taskType), falling back
// to the provider's catch-all registration.
func (r *Registry) Lookup(provider, taskType string) (RunFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[runKey{provider: provider, taskType: taskType}]; ok && e.fn != nil {
		return e.fn, true
	}
	if taskType != "" {
		if e, ok := r.entries[runKey{provider: provider}]; ok && e.fn != nil {
			return e.fn, true
		}
	}
	return nil, false
}

// Schema returns the resolved input schema for (provider, taskType), with
// the same catch-all fallback as Lookup. Nil means no schema.
func (r *Registry) Schema(provider, taskType string) *jsonschema.Resolved {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[runKey{provider: provider, taskType: taskType}]; ok && e.schema != nil {
		return e.schema
	}
	if taskType != "" {
		if e, ok := r.entries[runKey{provider: provider}]; ok && e.schema != nil {
			return e.schema
		}
	}
	return nil
}

// Providers lists the distinct providers with at least one run function.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for key, e := range r.entries {
		if e.fn != nil {
			seen[key.provider] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TaskTypeOf extracts the task type a job input names, if any.
func TaskTypeOf(input map[string]any) string {
	if s, ok := input["task_type"].(string); ok {
		return s
	}
	return ""
}

// ModelNameOf extracts the model name a job input names, if any.
func ModelNameOf(input map[string]any) string {
	if s, ok := input["model"].(string); ok {
		return s
	}
	return ""
}
