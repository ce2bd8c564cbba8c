// Package bus implements the in-process event mesh: wildcard topic
// subscriptions with synchronous isolated fan-out, a global safe mode
// that suppresses propagation but not documentation, and asynchronous
// hand-off of documented events to the event log.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/core/ports"
	"github.com/glancehq/eventmesh/internal/topic"
)

// Handler processes one delivered event. Handlers run synchronously on
// the publisher's goroutine; a panicking handler is recovered and logged
// without affecting other subscribers or the publish call.
type Handler func(ctx context.Context, evt *domain.Event)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Pattern returns the topic pattern this subscription matches.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Bus is the event mesh hub. Safe for concurrent use.
type Bus struct {
	store        ports.EventStore
	logger       *slog.Logger
	registry     *topic.Registry
	clock        func() time.Time
	defaultOwner string
	journal      *journal

	// journal construction knobs, consumed by New
	reporter       ports.ErrorReporter
	policy         RetryPolicy
	queueSize      int
	enqueueTimeout time.Duration

	mu       sync.RWMutex
	subs     []*Subscription
	nextID   uint64
	safeMode bool
	closed   bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus and its journal.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithRegistry sets the auto-document topic registry.
func WithRegistry(reg *topic.Registry) Option {
	return func(b *Bus) {
		b.registry = reg
	}
}

// WithSafeMode sets the initial safe mode state.
func WithSafeMode(on bool) Option {
	return func(b *Bus) {
		b.safeMode = on
	}
}

// WithDefaultOwner sets the owner stamped on events published without one.
func WithDefaultOwner(owner string) Option {
	return func(b *Bus) {
		b.defaultOwner = owner
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		b.clock = clock
	}
}

// WithErrorReporter sets the sink for events that could not be persisted.
func WithErrorReporter(r ports.ErrorReporter) Option {
	return func(b *Bus) {
		b.reporter = r
	}
}

// WithRetryPolicy sets the journal's retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(b *Bus) {
		b.policy = p
	}
}

// WithQueueSize sets the journal queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		b.queueSize = n
	}
}

// WithEnqueueTimeout sets how long a publish blocks on a full journal
// queue before reporting the event.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.enqueueTimeout = d
	}
}

// New creates an event bus writing documented events to store.
func New(store ports.EventStore, opts ...Option) (*Bus, error) {
	if store == nil {
		return nil, domain.ErrValidation("event store required")
	}

	b := &Bus{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
		policy: DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.registry == nil {
		b.registry = topic.NewRegistry(topic.DefaultAutoDocument()...)
	}

	b.journal = newJournal(store, b.logger, b.reporter, b.policy, b.queueSize, b.enqueueTimeout)

	return b, nil
}

// Publish validates and publishes an event: assigns id, timestamp and
// owner defaults, resolves whether the event is documented (explicit flag
// or registry match, decided once), hands documented events to the
// journal, then fans out to matching subscribers in registration order
// unless safe mode is on. Returns the assigned event id.
//
// Subscriber failures never fail the publish call and never roll back
// the persistence hand-off.
func (b *Bus) Publish(ctx context.Context, evt *domain.Event) (string, error) {
	if evt == nil {
		return "", domain.ErrValidation("event must not be nil")
	}
	if err := domain.ValidateTopic(evt.Name); err != nil {
		return "", err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", domain.ErrInternal("event bus is closed")
	}
	safeMode := b.safeMode
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	published := evt.Clone()
	if published.ID == "" {
		published.ID = NewEventID()
	}
	if published.Timestamp.IsZero() {
		published.Timestamp = b.clock().UTC()
	}
	if published.Owner == "" {
		published.Owner = b.defaultOwner
	}
	if !published.ShouldDocument && b.registry.AutoDocument(published.Name) {
		published.ShouldDocument = true
	}

	// Documentation and propagation are independent: the journal hand-off
	// happens whether or not safe mode suppresses fan-out below.
	if published.ShouldDocument {
		b.journal.enqueue(ctx, published.Clone())
	}

	if safeMode {
		b.logger.Debug("safe mode active, fan-out suppressed",
			"event", published.Name,
			"event_id", published.ID)
		return published.ID, nil
	}

	for _, sub := range subs {
		if !topic.Match(sub.pattern, published.Name) {
			continue
		}
		b.deliver(ctx, sub, published.Clone())
	}

	return published.ID, nil
}

// deliver invokes one handler inside a recover so a panicking subscriber
// cannot take down the publisher or block remaining deliveries.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, evt *domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"pattern", sub.pattern,
				"event", evt.Name,
				"event_id", evt.ID,
				"panic", r)
		}
	}()

	sub.handler(ctx, evt)
}

// Subscribe registers a handler for a topic pattern. A segment `*`
// matches exactly one segment; a trailing `*` matches one or more
// remaining segments. Delivery order follows registration order.
func (b *Bus) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, domain.ErrValidation("handler must not be nil").WithParam("handler")
	}
	if err := domain.ValidateTopic(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrInternal("event bus is closed")
	}

	b.nextID++
	sub := &Subscription{id: b.nextID, pattern: pattern, handler: handler}
	b.subs = append(b.subs, sub)

	return sub, nil
}

// Unsubscribe removes a subscription. Deliveries already dispatched are
// not cancelled. Unknown or nil handles are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// SetSafeMode toggles the global fan-out suppression flag.
func (b *Bus) SetSafeMode(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.safeMode != on {
		b.logger.Info("safe mode changed", "safe_mode", on)
	}
	b.safeMode = on
}

// SafeMode reports whether fan-out is currently suppressed.
func (b *Bus) SafeMode() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.safeMode
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Registry returns the auto-document topic registry, shared with the
// runtime for config hot reload.
func (b *Bus) Registry() *topic.Registry {
	return b.registry
}

// Close stops accepting publishes and drains the journal. The context
// bounds how long the drain may take.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	return b.journal.close(ctx)
}

// NewEventID returns a fresh time-sortable event id.
func NewEventID() string {
	return "evt_" + uuid.Must(uuid.NewV7()).String()
}
