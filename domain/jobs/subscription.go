package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/pkg/logger"
)

// Filter is the effective partition scope of one poll loop.
type Filter struct {
	// Prefixes narrows to rows matching these column values.
	Prefixes []PrefixValue
	// All widens to every partition of the table; Prefixes is ignored.
	All bool
}

// FetchFunc loads every job visible to f, id ascending. Backends provide it
// to the subscription manager; returned jobs must be private copies.
type FetchFunc func(ctx context.Context, f Filter) ([]*Job, error)

// SubscriptionManager turns periodic scope fetches into change events. Every
// backend embeds one: subscriptions on the instance scope sharing a poll
// interval share one fetch-and-diff loop, custom partition filters get a
// dedicated loop, and Wake lets backends with native feeds (or in-process
// writes) trigger an immediate poll instead of waiting out the interval.
type SubscriptionManager struct {
	log             *slog.Logger
	fetch           FetchFunc
	scope           Filter
	defaultInterval time.Duration

	mu        sync.Mutex
	closed    bool
	shared    map[time.Duration]*pollLoop
	dedicated map[int64]*pollLoop
	nextID    int64
}

// NewSubscriptionManager builds a manager polling fetch. scope is the
// instance's own partition; defaultInterval applies when a subscription
// does not set one.
func NewSubscriptionManager(fetch FetchFunc, scope Filter, defaultInterval time.Duration, log *slog.Logger) *SubscriptionManager {
	if defaultInterval <= 0 {
		defaultInterval = DefaultPollInterval
	}
	return &SubscriptionManager{
		log:             log.With(logger.Scope("jobs.subscriptions")),
		fetch:           fetch,
		scope:           scope,
		defaultInterval: defaultInterval,
		shared:          make(map[time.Duration]*pollLoop),
		dedicated:       make(map[int64]*pollLoop),
	}
}

// Subscribe registers fn. The loop's next poll delivers the current scope
// state to fn as INSERT events, then deltas; an immediate poll is scheduled
// so priming does not wait out the interval. The returned unsubscribe is
// idempotent and takes effect before the next poll.
func (m *SubscriptionManager) Subscribe(fn ChangeFunc, opts SubscribeOptions) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscription callback is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = m.defaultInterval
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("storage is closed")
	}
	m.nextID++
	id := m.nextID

	var loop *pollLoop
	custom := opts.Prefixes != nil
	if custom {
		f := Filter{Prefixes: opts.Prefixes, All: len(opts.Prefixes) == 0}
		loop = newPollLoop(m.fetch, f, interval, m.log)
		m.dedicated[id] = loop
		loop.start()
	} else {
		loop = m.shared[interval]
		if loop == nil {
			loop = newPollLoop(m.fetch, m.scope, interval, m.log)
			m.shared[interval] = loop
			loop.start()
		}
	}
	loop.add(id, fn)
	m.mu.Unlock()

	loop.wake()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(loop, id, interval, custom) })
	}, nil
}

func (m *SubscriptionManager) unsubscribe(loop *pollLoop, id int64, interval time.Duration, custom bool) {
	m.mu.Lock()
	remaining := loop.remove(id)
	var stopped *pollLoop
	if custom {
		delete(m.dedicated, id)
		stopped = loop
	} else if remaining == 0 {
		delete(m.shared, interval)
		stopped = loop
	}
	m.mu.Unlock()

	if stopped != nil {
		stopped.stop()
	}
}

// Wake schedules an immediate poll on every loop. Backends call it after
// local mutations and on native change notifications so subscribers observe
// writes without waiting out the poll interval.
func (m *SubscriptionManager) Wake() {
	m.mu.Lock()
	loops := m.collectLocked()
	m.mu.Unlock()
	for _, l := range loops {
		l.wake()
	}
}

// Close stops every loop and rejects further subscriptions.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	loops := m.collectLocked()
	m.shared = make(map[time.Duration]*pollLoop)
	m.dedicated = make(map[int64]*pollLoop)
	m.mu.Unlock()

	for _, l := range loops {
		l.stop()
	}
}

func (m *SubscriptionManager) collectLocked() []*pollLoop {
	loops := make([]*pollLoop, 0, len(m.shared)+len(m.dedicated))
	for _, l := range m.shared {
		loops = append(loops, l)
	}
	for _, l := range m.dedicated {
		loops = append(loops, l)
	}
	return loops
}

// pollLoop owns one fetch-and-diff goroutine. Subscribers added after the
// first poll are primed with the freshly fetched state before receiving
// deltas, so every subscriber observes INSERTs for rows that existed when it
// joined.
type pollLoop struct {
	interval time.Duration
	filter   Filter
	fetch    FetchFunc
	log      *slog.Logger

	mu       sync.Mutex
	subs     map[int64]*subscriber
	snapshot map[int64]*Job

	nudgeCh   chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type subscriber struct {
	fn     ChangeFunc
	primed bool
}

func newPollLoop(fetch FetchFunc, filter Filter, interval time.Duration, log *slog.Logger) *pollLoop {
	return &pollLoop{
		interval:  interval,
		filter:    filter,
		fetch:     fetch,
		log:       log,
		subs:      make(map[int64]*subscriber),
		nudgeCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (l *pollLoop) start() {
	go l.run()
}

func (l *pollLoop) stop() {
	close(l.stopCh)
	<-l.stoppedCh
}

func (l *pollLoop) add(id int64, fn ChangeFunc) {
	l.mu.Lock()
	l.subs[id] = &subscriber{fn: fn}
	l.mu.Unlock()
}

// remove drops one subscriber and returns how many remain.
func (l *pollLoop) remove(id int64) int {
	l.mu.Lock()
	delete(l.subs, id)
	n := len(l.subs)
	l.mu.Unlock()
	return n
}

func (l *pollLoop) wake() {
	select {
	case l.nudgeCh <- struct{}{}:
	default:
	}
}

func (l *pollLoop) run() {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
		case <-l.nudgeCh:
		}
		l.poll(context.Background())
	}
}

// poll fetches the scope, primes newcomers with the current state, and
// delivers diffs against the previous snapshot to established subscribers.
// Callbacks run on this goroutine.
func (l *pollLoop) poll(ctx context.Context) {
	jobs, err := l.fetch(ctx, l.filter)
	if err != nil {
		l.log.Warn("subscription poll failed", slog.String("error", err.Error()))
		return
	}

	current := make(map[int64]*Job, len(jobs))
	for _, j := range jobs {
		current[j.ID] = j
	}

	l.mu.Lock()
	prev := l.snapshot
	l.snapshot = current
	var newcomers, established []ChangeFunc
	for _, s := range l.subs {
		if s.primed {
			established = append(established, s.fn)
		} else {
			newcomers = append(newcomers, s.fn)
			s.primed = true
		}
	}
	l.mu.Unlock()

	for _, j := range jobs {
		if len(newcomers) > 0 {
			deliver(newcomers, Change{Type: ChangeInsert, New: j.Clone()})
		}
		if len(established) == 0 {
			continue
		}
		old, ok := prev[j.ID]
		switch {
		case !ok:
			deliver(established, Change{Type: ChangeInsert, New: j.Clone()})
		case !old.Equal(j):
			deliver(established, Change{Type: ChangeUpdate, Old: old.Clone(), New: j.Clone()})
		}
	}

	if len(established) == 0 || len(prev) == 0 {
		return
	}
	var gone []int64
	for id := range prev {
		if _, ok := current[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Slice(gone, func(i, k int) bool { return gone[i] < gone[k] })
	for _, id := range gone {
		deliver(established, Change{Type: ChangeDelete, Old: prev[id].Clone()})
	}
}

func deliver(fns []ChangeFunc, ev Change) {
	for _, fn := range fns {
		fn(ev)
	}
}
