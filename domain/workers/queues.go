package workers

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/domain/jobs"
)

// Backend selector values for queue definitions.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendCloud    = "cloud"
)

// PrefixDefinition declares one partition column of a queue, with the
// value this instance serves.
type PrefixDefinition struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"` // "uuid" or "integer"
	Value string `yaml:"value"`
}

// QueueDefinition is one entry of the queue-definition file.
type QueueDefinition struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`  // defaults to Name
	TaskType string `yaml:"task_type"` // default task when input carries none
	Backend  string `yaml:"backend"`   // empty uses the instance default

	Concurrency    int `yaml:"concurrency"`
	MaxRetries     int `yaml:"max_retries"`
	BackoffBaseMS  int `yaml:"backoff_base_ms"`
	BackoffMaxMS   int `yaml:"backoff_max_ms"`
	DeadlineMS     int `yaml:"deadline_ms"`
	PollIntervalMS int `yaml:"poll_interval_ms"`

	Prefixes []PrefixDefinition `yaml:"prefixes"`
}

// ProviderName returns the registry provider for this queue.
func (d QueueDefinition) ProviderName() string {
	if d.Provider != "" {
		return d.Provider
	}
	return d.Name
}

// BackoffBase returns the queue's retry backoff base, or fallback.
func (d QueueDefinition) BackoffBase(fallback time.Duration) time.Duration {
	if d.BackoffBaseMS > 0 {
		return time.Duration(d.BackoffBaseMS) * time.Millisecond
	}
	return fallback
}

// BackoffMax returns the queue's retry backoff cap, or fallback.
func (d QueueDefinition) BackoffMax(fallback time.Duration) time.Duration {
	if d.BackoffMaxMS > 0 {
		return time.Duration(d.BackoffMaxMS) * time.Millisecond
	}
	return fallback
}

// Deadline returns the queue's default per-job deadline; zero means none.
func (d QueueDefinition) Deadline() time.Duration {
	if d.DeadlineMS > 0 {
		return time.Duration(d.DeadlineMS) * time.Millisecond
	}
	return 0
}

// PollInterval returns the subscription poll cadence override, if any.
func (d QueueDefinition) PollInterval() time.Duration {
	if d.PollIntervalMS > 0 {
		return time.Duration(d.PollIntervalMS) * time.Millisecond
	}
	return 0
}

// StorageOptions maps the definition onto storage instance options.
func (d QueueDefinition) StorageOptions() (jobs.Options, error) {
	opts := jobs.Options{
		QueueName:    d.Name,
		PollInterval: d.PollInterval(),
	}
	for _, p := range d.Prefixes {
		prefix := jobs.Prefix{Name: p.Name}
		switch p.Type {
		case "uuid", "uuid-text", "":
			prefix.Type = jobs.PrefixTypeUUIDText
			prefix.Value = p.Value
		case "integer", "int":
			prefix.Type = jobs.PrefixTypeInteger
			n, err := strconv.ParseInt(p.Value, 10, 64)
			if err != nil {
				return opts, fmt.Errorf("queue %q: prefix %q: %w", d.Name, p.Name, err)
			}
			prefix.Value = n
		default:
			return opts, fmt.Errorf("queue %q: prefix %q: unknown type %q", d.Name, p.Name, p.Type)
		}
		opts.Prefixes = append(opts.Prefixes, prefix)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("queue %q: %w", d.Name, err)
	}
	return opts, nil
}

// Validate checks the definition for usable values.
func (d QueueDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	switch d.Backend {
	case "", BackendMemory, BackendSQLite, BackendBolt, BackendPostgres, BackendCloud:
	default:
		return fmt.Errorf("queue %q: unknown backend %q", d.Name, d.Backend)
	}
	if d.Concurrency < 0 {
		return fmt.Errorf("queue %q: concurrency must not be negative", d.Name)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("queue %q: max_retries must not be negative", d.Name)
	}
	_, err := d.StorageOptions()
	return err
}

// Definitions is the parsed queue-definition file.
type Definitions struct {
	byName map[string]QueueDefinition
	order  []string
}

// queueFile is the YAML document shape.
type queueFile struct {
	Queues []QueueDefinition `yaml:"queues"`
}

// LoadDefinitions parses the queue-definition YAML at path.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses queue definitions from YAML bytes.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var file queueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse queue definitions: %w", err)
	}

	defs := &Definitions{byName: make(map[string]QueueDefinition, len(file.Queues))}
	for _, d := range file.Queues {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := defs.byName[d.Name]; ok {
			return nil, fmt.Errorf("queue %q defined twice", d.Name)
		}
		defs.byName[d.Name] = d
		defs.order = append(defs.order, d.Name)
	}
	return defs, nil
}

// Get returns the definition for a queue name.
func (d *Definitions) Get(name string) (QueueDefinition, bool) {
	def, ok := d.byName[name]
	return def, ok
}

// Names lists queue names in file order.
func (d *Definitions) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Len returns the number of defined queues.
func (d *Definitions) Len() int {
	return len(d.order)
}
