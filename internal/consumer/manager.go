package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snehjoshi/leaseq/internal/queue"
)

// ErrSubscriptionNotFound is returned for an unknown subscription id.
var ErrSubscriptionNotFound = errors.New("consumer: subscription not found")

// ErrInvalidSubscription is returned when a subscription cannot be
// registered as given.
var ErrInvalidSubscription = errors.New("consumer: invalid subscription")

// SourceFunc looks a queue up by name.
type SourceFunc func(name string) (Source, error)

// Subscription is a registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`

	secret string
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOptions tunes the loops started for subscriptions.
type ManagerOptions struct {
	Client         *http.Client
	Concurrency    int
	Wait           time.Duration
	LeaseExtension time.Duration
	Logger         *slog.Logger
}

// Manager runs one Loop per webhook subscription.
type Manager struct {
	sources SourceFunc
	opts    ManagerOptions
	log     *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewManager returns a Manager resolving queues through sources.
func NewManager(sources SourceFunc, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = defaultWebhookClient
	}
	return &Manager{
		sources: sources,
		opts:    opts,
		log:     logger.With(slog.String("component", "subscriptions")),
		subs:    make(map[string]*Subscription),
	}
}

// Register starts delivering messages from queueName to target. secret,
// when set, signs every request.
func (m *Manager) Register(queueName, target, secret string) (Subscription, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Subscription{}, fmt.Errorf("%w: url %q must be absolute http(s)", ErrInvalidSubscription, target)
	}
	src, err := m.sources(queueName)
	if err != nil {
		return Subscription{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:        uuid.NewString(),
		Queue:     queueName,
		URL:       target,
		CreatedAt: time.Now().UTC(),
		secret:    secret,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	loop := &Loop{
		Source:         src,
		Handler:        &WebhookHandler{URL: target, Secret: secret, Client: m.opts.Client},
		Concurrency:    m.opts.Concurrency,
		Wait:           m.opts.Wait,
		LeaseExtension: m.opts.LeaseExtension,
		Logger:         m.log.With(slog.String("subscription", sub.ID)),
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	go func() {
		defer close(sub.done)
		err := loop.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("subscription stopped",
				slog.String("subscription", sub.ID), slog.String("error", err.Error()))
			m.mu.Lock()
			delete(m.subs, sub.ID)
			m.mu.Unlock()
		}
	}()

	m.log.Info("subscription registered",
		slog.String("subscription", sub.ID),
		slog.String("queue", queueName),
		slog.String("url", target))
	return sub.view(), nil
}

// Deregister stops the subscription and waits for its in-flight deliveries
// to settle.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	<-sub.done
	m.log.Info("subscription deregistered", slog.String("subscription", id))
	return nil
}

// DeregisterQueue stops every subscription on queueName.
func (m *Manager) DeregisterQueue(queueName string) {
	for _, s := range m.List() {
		if s.Queue == queueName {
			_ = m.Deregister(s.ID)
		}
	}
}

// List returns the active subscriptions ordered by creation time.
func (m *Manager) List() []Subscription {
	m.mu.Lock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.view())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Close stops every subscription and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	for _, s := range subs {
		<-s.done
	}
}

func (s *Subscription) view() Subscription {
	return Subscription{ID: s.ID, Queue: s.Queue, URL: s.URL, CreatedAt: s.CreatedAt}
}

// QueueSources adapts a queue.Manager lookup to SourceFunc.
func QueueSources(qm *queue.Manager) SourceFunc {
	return func(name string) (Source, error) {
		q, err := qm.Get(name)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}
