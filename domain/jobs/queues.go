package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// QueueMeta carries the enqueue-time defaults of a configured queue.
// Zero values mean "no queue-level default".
type QueueMeta struct {
	// MaxRetries is stamped onto jobs enqueued without one.
	MaxRetries int

	// Deadline, when positive, sets deadline_at = now + Deadline on jobs
	// enqueued without an explicit deadline.
	Deadline time.Duration
}

type registeredQueue struct {
	store Storage
	meta  QueueMeta
}

// Queues is the set of named queue storages an instance serves. The worker
// runtime registers one entry per configured queue; the HTTP layer and the
// maintenance sweeps look storages up by name.
type Queues struct {
	mu     sync.RWMutex
	byName map[string]registeredQueue
	order  []string
}

// NewQueues creates an empty queue registry.
func NewQueues() *Queues {
	return &Queues{byName: make(map[string]registeredQueue)}
}

// Register adds a named storage. Registering the same name twice is an
// error; queue names are unique per instance.
func (q *Queues) Register(name string, store Storage, meta QueueMeta) error {
	if name == "" {
		return fmt.Errorf("queue name is required")
	}
	if store == nil {
		return fmt.Errorf("queue %q: storage is required", name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byName[name]; ok {
		return fmt.Errorf("queue %q already registered", name)
	}
	q.byName[name] = registeredQueue{store: store, meta: meta}
	q.order = append(q.order, name)
	return nil
}

// Get returns the storage for a queue name.
func (q *Queues) Get(name string) (Storage, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.byName[name]
	return r.store, ok
}

// Meta returns the enqueue defaults for a queue name.
func (q *Queues) Meta(name string) (QueueMeta, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.byName[name]
	return r.meta, ok
}

// Names lists registered queues in registration order.
func (q *Queues) Names() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, len(q.order))
	copy(out, q.order)
	return out
}

// Close closes every registered storage. All storages are closed even when
// some fail; the errors are joined.
func (q *Queues) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	for _, name := range q.order {
		if r, ok := q.byName[name]; ok {
			if err := r.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close queue %q: %w", name, err))
			}
		}
	}
	q.byName = make(map[string]registeredQueue)
	q.order = nil
	return errors.Join(errs...)
}
