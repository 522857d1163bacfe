package queue

import (
	"fmt"
	"regexp"
	"slices"
	"sync"

	"go.uber.org/multierr"

	"github.com/snehjoshi/leaseq/internal/scheduler"
	"github.com/snehjoshi/leaseq/internal/storage"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,80}$`)

// ValidateName reports whether name is usable as a queue name.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: queue name %q must match %s", ErrInvalidConfig, name, validName)
	}
	return nil
}

// ─── Manager ─────────────────────────────────────────────────────────────────

// Manager owns the lifecycle of every Queue in a process.
//
// Responsibilities:
//   - create, look up and delete named queues
//   - open each queue's storage engine through the factory
//   - share one visibility scheduler and route its deadlines by queue name
//   - resolve dead-letter targets by name at redrive time
//   - tear everything down on Close
//
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	queues   map[string]*Queue
	factory  storage.Factory
	sched    *scheduler.Scheduler
	defaults Config
	opts     []Option
}

// NewManager creates a Manager.
//
// factory opens the storage engine for each queue. sched is the shared
// scheduler; the caller starts it with SchedulerReadyFn and the Manager
// stops it on Close. defaults is the Config for queues made by GetOrCreate.
// opts (clock, logger, observer) are applied to every queue.
func NewManager(factory storage.Factory, sched *scheduler.Scheduler, defaults Config, opts ...Option) *Manager {
	return &Manager{
		queues:   make(map[string]*Queue),
		factory:  factory,
		sched:    sched,
		defaults: defaults,
		opts:     opts,
	}
}

// Defaults returns the Config applied by GetOrCreate.
func (m *Manager) Defaults() Config { return m.defaults }

// GetOrCreate returns the queue called name, creating it with the default
// Config if needed.
func (m *Manager) GetOrCreate(name string) (*Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return q, nil
	}
	return m.create(name, m.defaults, true)
}

// Create creates a queue with cfg. It fails with ErrQueueExists if the
// name is taken and with ErrInvalidConfig if cfg is invalid or its
// dead-letter chain leads back to name.
func (m *Manager) Create(name string, cfg Config) (*Queue, error) {
	return m.create(name, cfg, false)
}

// Get returns the queue called name, or ErrQueueNotFound.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// Delete closes the queue called name and erases its stored messages.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	delete(m.queues, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	if err := q.erase(); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// List returns the names of all live queues, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.RUnlock()
	slices.Sort(names)
	return names
}

// AllStats returns Stats for every live queue, sorted by name.
func (m *Manager) AllStats() []Stats {
	out := make([]Stats, 0)
	for _, name := range m.List() {
		if q, err := m.Get(name); err == nil {
			out = append(out, q.Stats())
		}
	}
	return out
}

// Resolve returns the live queue called name as a redrive target.
func (m *Manager) Resolve(name string) (RedriveTarget, error) {
	q, err := m.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedriveTargetUnavailable, err)
	}
	return q, nil
}

// SchedulerReadyFn returns the callback to pass to Scheduler.Start. It
// routes a fired deadline to the queue that registered it.
func (m *Manager) SchedulerReadyFn() scheduler.ReadyFunc {
	return func(msgID, queueKey string) {
		m.mu.RLock()
		q, ok := m.queues[queueKey]
		m.mu.RUnlock()
		if ok {
			q.Wake(msgID)
		}
	}
}

// Close stops the scheduler and closes every queue.
func (m *Manager) Close() error {
	if m.sched != nil {
		m.sched.Stop()
	}

	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()

	var err error
	for _, q := range queues {
		multierr.AppendInto(&err, q.Close())
	}
	return err
}

// ─── internal create ─────────────────────────────────────────────────────────

func (m *Manager) create(name string, cfg Config, reuse bool) (*Queue, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		if reuse {
			return q, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	if err := m.checkChainLocked(name, cfg); err != nil {
		return nil, err
	}

	eng, err := m.factory(name)
	if err != nil {
		return nil, fmt.Errorf("create queue %s: engine: %w", name, err)
	}

	opts := append(slices.Clone(m.opts),
		WithEngine(eng),
		WithDeadLetters(m.Resolve),
	)
	if m.sched != nil {
		opts = append(opts, WithScheduler(m.sched))
	}
	q, err := New(name, cfg, opts...)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("create queue %s: %w", name, err), eng.Close())
	}
	m.queues[name] = q
	return q, nil
}

// checkChainLocked follows the dead-letter chain starting at cfg and fails
// if it comes back to name. Targets that do not exist yet end the walk.
//
// It also fails when a queue without ordering would redrive into an
// ordering-enabled one, in either creation order: such a target rejects the
// group-less copies and the source's messages would never leave.
func (m *Manager) checkChainLocked(name string, cfg Config) error {
	if dst, ok := m.queues[cfg.DeadLetterTarget]; ok && dst.cfg.OrderingEnabled && !cfg.OrderingEnabled {
		return fmt.Errorf("%w: %s has ordering disabled but its dead-letter target %s has it enabled",
			ErrInvalidConfig, name, cfg.DeadLetterTarget)
	}
	if cfg.OrderingEnabled {
		for src, q := range m.queues {
			if q.cfg.DeadLetterTarget == name && !q.cfg.OrderingEnabled {
				return fmt.Errorf("%w: %s redrives into %s but has ordering disabled",
					ErrInvalidConfig, src, name)
			}
		}
	}

	seen := map[string]bool{name: true}
	target := cfg.DeadLetterTarget
	for target != "" {
		if seen[target] {
			return fmt.Errorf("%w: dead-letter chain of %s loops through %s", ErrInvalidConfig, name, target)
		}
		seen[target] = true
		next, ok := m.queues[target]
		if !ok {
			return nil
		}
		target = next.cfg.DeadLetterTarget
	}
	return nil
}
