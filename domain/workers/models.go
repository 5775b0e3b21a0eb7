package workers

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrModelNotFound is returned when a model name matches no known model.
var ErrModelNotFound = errors.New("model not found")

// Model describes one AI model a provider can serve: which tasks it
// handles and any provider-specific parameters.
type Model struct {
	Name     string         `yaml:"name" json:"name"`
	Provider string         `yaml:"provider" json:"provider"`
	Tasks    []string       `yaml:"tasks" json:"tasks,omitempty"`
	Params   map[string]any `yaml:"params" json:"params,omitempty"`
}

// ServesTask reports whether the model handles the given task type. A
// model with no task list serves every task of its provider.
func (m *Model) ServesTask(task string) bool {
	if len(m.Tasks) == 0 {
		return true
	}
	for _, t := range m.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

// ModelRepository resolves model names at dispatch time.
type ModelRepository interface {
	// FindByName returns the model with the given name, or ErrModelNotFound.
	FindByName(name string) (*Model, error)

	// FindModelsByTask lists models serving the given task type.
	FindModelsByTask(task string) []*Model
}

// StaticModels is a ModelRepository backed by an in-memory list, loaded
// once from the model-definition file at startup.
type StaticModels struct {
	byName map[string]*Model
	order  []*Model
}

// NewStaticModels builds a repository from the given models. Later entries
// win on duplicate names.
func NewStaticModels(models ...*Model) *StaticModels {
	r := &StaticModels{byName: make(map[string]*Model, len(models))}
	for _, m := range models {
		if m == nil || m.Name == "" {
			continue
		}
		if _, ok := r.byName[m.Name]; !ok {
			r.order = append(r.order, m)
		}
		r.byName[m.Name] = m
	}
	return r
}

// modelFile is the YAML document shape of the model-definition file.
type modelFile struct {
	Models []*Model `yaml:"models"`
}

// LoadModels parses the model-definition YAML at path.
func LoadModels(path string) (*StaticModels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file modelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model definitions: %w", err)
	}
	return NewStaticModels(file.Models...), nil
}

// FindByName returns the model with the given name.
func (r *StaticModels) FindByName(name string) (*Model, error) {
	if m, ok := r.byName[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
}

// FindModelsByTask lists models serving the given task type, in file order.
func (r *StaticModels) FindModelsByTask(task string) []*Model {
	var out []*Model
	for _, m := range r.order {
		if m.ServesTask(task) {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of known models.
func (r *StaticModels) Len() int {
	return len(r.order)
}
