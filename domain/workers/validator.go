package workers

import (
	"context"
	"fmt"

	"github.com/conveyorhq/conveyor/domain/jobs"
)

// Validator vets job input before enqueue: the run function must exist,
// a named model must be known and serve the task, and the input must pass
// the provider's schema when one is registered. Failures carry the
// reserved configuration codes so callers see why the job was rejected
// instead of watching it fail later.
type Validator struct {
	defs   *Definitions
	reg    *Registry
	models ModelRepository
}

// NewValidator creates a Validator over the configured queues.
func NewValidator(defs *Definitions, reg *Registry, models ModelRepository) *Validator {
	return &Validator{defs: defs, reg: reg, models: models}
}

// ValidateInput implements the enqueue-time input check.
func (v *Validator) ValidateInput(ctx context.Context, queue string, input map[string]any) error {
	def, ok := v.defs.Get(queue)
	if !ok {
		// Queues registered outside the definition file skip validation.
		return nil
	}

	provider := def.ProviderName()
	taskType := TaskTypeOf(input)
	if taskType == "" {
		taskType = def.TaskType
	}

	if _, ok := v.reg.Lookup(provider, taskType); !ok {
		return jobs.NewPermanent(jobs.CodeNoRunFunction,
			fmt.Sprintf("no run function registered for provider %q task %q", provider, taskType))
	}

	if name := ModelNameOf(input); name != "" {
		model, err := v.models.FindByName(name)
		if err != nil {
			return jobs.NewPermanent(jobs.CodeModelNotFound,
				fmt.Sprintf("model %q not found", name))
		}
		if taskType != "" && !model.ServesTask(taskType) {
			return jobs.NewPermanent(jobs.CodeModelNotFound,
				fmt.Sprintf("model %q does not serve task %q", name, taskType))
		}
	}

	if schema := v.reg.Schema(provider, taskType); schema != nil {
		if err := schema.Validate(input); err != nil {
			return jobs.NewPermanent("", fmt.Sprintf("input schema: %v", err))
		}
	}
	return nil
}
