package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/core/ports"
	"github.com/glancehq/eventmesh/internal/storage/memory"
	"github.com/glancehq/eventmesh/internal/topic"
)

// quietPolicy keeps retry delays negligible in tests.
var quietPolicy = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	Multiplier:   2.0,
	MaxDelay:     2 * time.Millisecond,
}

// flakyStore wraps the memory store and fails Append transiently a set
// number of times before letting writes through.
type flakyStore struct {
	*memory.Store
	mu            sync.Mutex
	failRemaining int
	appendCalls   int
}

func (s *flakyStore) Append(ctx context.Context, evt *domain.Event) (*domain.Event, error) {
	s.mu.Lock()
	s.appendCalls++
	fail := s.failRemaining > 0
	if fail {
		s.failRemaining--
	}
	s.mu.Unlock()

	if fail {
		return nil, domain.ErrTransient("store offline", nil)
	}
	return s.Store.Append(ctx, evt)
}

func (s *flakyStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

// captureReporter records report entries for assertions.
type captureReporter struct {
	mu      sync.Mutex
	entries []ports.ReportEntry
}

func (r *captureReporter) Report(ctx context.Context, entry ports.ReportEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *captureReporter) all() []ports.ReportEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ports.ReportEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func documented(name string) *domain.Event {
	return &domain.Event{
		Name:           name,
		Source:         "webapp",
		ShouldDocument: true,
	}
}

func TestBus_PublishFanOut(t *testing.T) {
	b, err := New(memory.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close(context.Background())

	var mu sync.Mutex
	hits := map[string]int{}
	handler := func(key string) Handler {
		return func(ctx context.Context, evt *domain.Event) {
			mu.Lock()
			hits[key]++
			mu.Unlock()
		}
	}

	mustSubscribe(t, b, "github.*", handler("github.*"))
	mustSubscribe(t, b, "github.pr.selected", handler("exact"))
	mustSubscribe(t, b, "slack.*", handler("slack.*"))
	mustSubscribe(t, b, "github.pr.*", handler("github.pr.*"))

	if _, err := b.Publish(context.Background(), &domain.Event{Name: "github.pr.selected", Source: "webapp"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits["github.*"] != 1 {
		t.Errorf("trailing catch-all hits = %d, want 1", hits["github.*"])
	}
	if hits["exact"] != 1 {
		t.Errorf("exact hits = %d, want 1", hits["exact"])
	}
	if hits["github.pr.*"] != 1 {
		t.Errorf("github.pr.* hits = %d, want 1", hits["github.pr.*"])
	}
	if hits["slack.*"] != 0 {
		t.Errorf("slack.* hits = %d, want 0", hits["slack.*"])
	}
}

func TestBus_FanOutRegistrationOrder(t *testing.T) {
	b, err := New(memory.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close(context.Background())

	var mu sync.Mutex
	var order []string
	sub := func(tag string) Handler {
		return func(ctx context.Context, evt *domain.Event) {
			mu.Lock()
			order = append(order, tag+":"+evt.Payload["seq"].(string))
			mu.Unlock()
		}
	}

	mustSubscribe(t, b, "widget.*", sub("first"))
	mustSubscribe(t, b, "widget.*", sub("second"))
	mustSubscribe(t, b, "widget.*", sub("third"))

	for _, seq := range []string{"1", "2"} {
		evt := &domain.Event{
			Name:    "widget.config.saved",
			Source:  "webapp",
			Payload: map[string]any{"seq": seq},
		}
		if _, err := b.Publish(context.Background(), evt); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	want := []string{"first:1", "second:1", "third:1", "first:2", "second:2", "third:2"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("delivery order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("delivery[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestBus_SubscriberPanicIsolated(t *testing.T) {
	store := memory.New()
	b, err := New(store, WithRetryPolicy(quietPolicy))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var called bool
	mustSubscribe(t, b, "wizard.*", func(ctx context.Context, evt *domain.Event) {
		panic("subscriber bug")
	})
	mustSubscribe(t, b, "wizard.*", func(ctx context.Context, evt *domain.Event) {
		called = true
	})

	id, err := b.Publish(context.Background(), documented("wizard.completed"))
	if err != nil {
		t.Fatalf("Publish() error = %v, want nil despite subscriber panic", err)
	}
	if !called {
		t.Error("second subscriber not invoked after first panicked")
	}

	// Persistence is not rolled back by the panic.
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := store.GetEvent(context.Background(), id); err != nil {
		t.Errorf("event not persisted after subscriber panic: %v", err)
	}
}

func TestBus_SafeMode(t *testing.T) {
	store := memory.New()
	b, err := New(store, WithSafeMode(true), WithRetryPolicy(quietPolicy))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var delivered int
	mustSubscribe(t, b, "wizard.*", func(ctx context.Context, evt *domain.Event) {
		delivered++
	})

	if !b.SafeMode() {
		t.Fatal("SafeMode() = false, want true")
	}

	id, err := b.Publish(context.Background(), documented("wizard.completed"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if delivered != 0 {
		t.Errorf("delivered = %d in safe mode, want 0", delivered)
	}

	// Documentation is independent of propagation.
	waitFor(t, time.Second, func() bool {
		_, err := store.GetEvent(context.Background(), id)
		return err == nil
	})

	b.SetSafeMode(false)
	if _, err := b.Publish(context.Background(), documented("wizard.completed")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d after safe mode off, want 1", delivered)
	}

	b.Close(context.Background())
}

func TestBus_AutoDocumentRegistry(t *testing.T) {
	store := memory.New()
	b, err := New(store,
		WithRegistry(topic.NewRegistry(append(topic.DefaultAutoDocument(), "billing.invoice.paid")...)),
		WithRetryPolicy(quietPolicy),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var sawDocumented bool
	mustSubscribe(t, b, "wizard.*", func(ctx context.Context, evt *domain.Event) {
		sawDocumented = evt.ShouldDocument
	})

	// wizard.* is on the built-in list: documented without the flag.
	wizardID, err := b.Publish(context.Background(), &domain.Event{Name: "wizard.completed", Source: "webapp"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !sawDocumented {
		t.Error("subscriber saw ShouldDocument = false, want resolved true")
	}

	// Config-added names count too.
	billingID, err := b.Publish(context.Background(), &domain.Event{Name: "billing.invoice.paid", Source: "billing"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Unlisted and unflagged: fan-out only, never stored.
	viewID, err := b.Publish(context.Background(), &domain.Event{Name: "widget.viewed", Source: "webapp"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := store.GetEvent(context.Background(), wizardID); err != nil {
		t.Errorf("wizard event not persisted: %v", err)
	}
	if _, err := store.GetEvent(context.Background(), billingID); err != nil {
		t.Errorf("billing event not persisted: %v", err)
	}
	if _, err := store.GetEvent(context.Background(), viewID); !domain.IsNotFound(err) {
		t.Errorf("ephemeral event lookup error = %v, want not found", err)
	}
}

func TestBus_PublishValidation(t *testing.T) {
	b, err := New(memory.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close(context.Background())

	tests := []struct {
		name string
		evt  *domain.Event
	}{
		{"nil event", nil},
		{"empty name", &domain.Event{Name: ""}},
		{"whitespace name", &domain.Event{Name: "  "}},
		{"empty segment", &domain.Event{Name: "github..selected"}},
		{"trailing delimiter", &domain.Event{Name: "github.pr."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Publish(context.Background(), tt.evt); !domain.IsValidation(err) {
				t.Errorf("Publish() error = %v, want validation", err)
			}
		})
	}
}

func TestBus_PublishAssignsIdentity(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := memory.New()
	b, err := New(store,
		WithDefaultOwner("acme"),
		WithClock(func() time.Time { return fixed }),
		WithRetryPolicy(quietPolicy),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	id1, err := b.Publish(context.Background(), documented("wizard.completed"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !strings.HasPrefix(id1, "evt_") {
		t.Errorf("assigned id = %q, want evt_ prefix", id1)
	}

	id2, _ := b.Publish(context.Background(), documented("wizard.completed"))
	if id1 == id2 {
		t.Error("two publishes produced the same id")
	}

	// Caller-provided ids are preserved.
	evt := documented("wizard.completed")
	evt.ID = "evt_preassigned"
	id3, err := b.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id3 != "evt_preassigned" {
		t.Errorf("id = %q, want evt_preassigned", id3)
	}

	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := store.GetEvent(context.Background(), id1)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if got.Owner != "acme" {
		t.Errorf("Owner = %q, want default acme", got.Owner)
	}
	if !got.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want clock value %v", got.Timestamp, fixed)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b, err := New(memory.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close(context.Background())

	var count int
	sub := mustSubscribe(t, b, "widget.*", func(ctx context.Context, evt *domain.Event) {
		count++
	})

	if _, err := b.Publish(context.Background(), &domain.Event{Name: "widget.config.changed", Source: "webapp"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // double unsubscribe is a no-op
	b.Unsubscribe(nil)
	if _, err := b.Publish(context.Background(), &domain.Event{Name: "widget.config.changed", Source: "webapp"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if count != 1 {
		t.Errorf("deliveries after unsubscribe = %d, want 1", count)
	}
	if b.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", b.SubscriptionCount())
	}
}

func TestBus_SubscribeValidation(t *testing.T) {
	b, err := New(memory.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close(context.Background())

	if _, err := b.Subscribe("widget.*", nil); !domain.IsValidation(err) {
		t.Errorf("Subscribe(nil handler) error = %v, want validation", err)
	}
	if _, err := b.Subscribe("widget..x", func(ctx context.Context, evt *domain.Event) {}); !domain.IsValidation(err) {
		t.Errorf("Subscribe(bad pattern) error = %v, want validation", err)
	}
}

func TestBus_JournalRetriesTransient(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failRemaining: 2}
	b, err := New(store, WithRetryPolicy(quietPolicy))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	id, err := b.Publish(context.Background(), documented("wizard.completed"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := store.GetEvent(context.Background(), id); err != nil {
		t.Errorf("event not persisted after transient failures: %v", err)
	}
	if got := store.calls(); got != 3 {
		t.Errorf("append calls = %d, want 3 (two failures then success)", got)
	}
}

func TestBus_JournalReportsExhaustedRetries(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failRemaining: 100}
	reporter := &captureReporter{}
	b, err := New(store, WithRetryPolicy(quietPolicy), WithErrorReporter(reporter))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	id, err := b.Publish(context.Background(), documented("wizard.completed"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries := reporter.all()
	if len(entries) != 1 {
		t.Fatalf("reported entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Stage != stageJournalAppend {
		t.Errorf("Stage = %q, want %q", entry.Stage, stageJournalAppend)
	}
	if entry.Attempts != quietPolicy.MaxAttempts {
		t.Errorf("Attempts = %d, want %d", entry.Attempts, quietPolicy.MaxAttempts)
	}
	if entry.Event == nil || entry.Event.ID != id {
		t.Errorf("reported event = %+v, want id %s", entry.Event, id)
	}
	if !domain.IsTransient(entry.Err) {
		t.Errorf("reported err = %v, want transient", entry.Err)
	}
}

func TestBus_JournalPermanentFailureNoRetry(t *testing.T) {
	store := &rejectingStore{Store: memory.New()}
	reporter := &captureReporter{}
	b, err := New(store, WithRetryPolicy(quietPolicy), WithErrorReporter(reporter))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := b.Publish(context.Background(), documented("wizard.completed")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := store.calls(); got != 1 {
		t.Errorf("append calls = %d, want 1 (no retry on permanent failure)", got)
	}
	entries := reporter.all()
	if len(entries) != 1 {
		t.Fatalf("reported entries = %d, want 1", len(entries))
	}
	if entries[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", entries[0].Attempts)
	}
}

// rejectingStore fails every append with a permanent validation error.
type rejectingStore struct {
	*memory.Store
	mu          sync.Mutex
	appendCalls int
}

func (s *rejectingStore) Append(ctx context.Context, evt *domain.Event) (*domain.Event, error) {
	s.mu.Lock()
	s.appendCalls++
	s.mu.Unlock()
	return nil, domain.ErrValidation("schema rejected")
}

func (s *rejectingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

// blockingStore parks every append until released, to fill the journal.
type blockingStore struct {
	*memory.Store
	started chan struct{}
	release chan struct{}
}

func (s *blockingStore) Append(ctx context.Context, evt *domain.Event) (*domain.Event, error) {
	s.started <- struct{}{}
	<-s.release
	return s.Store.Append(ctx, evt)
}

func TestBus_JournalOverflowReportsInsteadOfDropping(t *testing.T) {
	store := &blockingStore{
		Store:   memory.New(),
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	reporter := &captureReporter{}
	b, err := New(store,
		WithQueueSize(1),
		WithEnqueueTimeout(10*time.Millisecond),
		WithErrorReporter(reporter),
		WithRetryPolicy(quietPolicy),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// First publish: picked up by the writer, which parks in Append.
	if _, err := b.Publish(context.Background(), documented("wizard.completed")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	<-store.started

	// Second publish fills the queue slot; third finds it full and must
	// report, not silently drop.
	if _, err := b.Publish(context.Background(), documented("wizard.completed")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := b.Publish(context.Background(), documented("wizard.completed")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(reporter.all()) == 1 })
	entry := reporter.all()[0]
	if entry.Stage != stageJournalEnqueue {
		t.Errorf("Stage = %q, want %q", entry.Stage, stageJournalEnqueue)
	}
	var me *domain.MeshError
	if !errors.As(entry.Err, &me) || me.Code != domain.ErrorCodeJournalOverflow {
		t.Errorf("reported err = %v, want journal_overflow", entry.Err)
	}

	close(store.release)
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The two queued events landed; only the overflowed one was lost.
	all, err := store.QueryEvents(context.Background(), ports.EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("persisted events = %d, want 2", len(all))
	}
}

func TestBus_CloseDrainsAndRejectsPublish(t *testing.T) {
	store := memory.New()
	b, err := New(store, WithRetryPolicy(quietPolicy))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var ids []string
	for i := 0; i < 20; i++ {
		id, err := b.Publish(context.Background(), documented("wizard.completed"))
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		ids = append(ids, id)
	}

	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, id := range ids {
		if _, err := store.GetEvent(context.Background(), id); err != nil {
			t.Errorf("event %s not drained before close: %v", id, err)
		}
	}

	if _, err := b.Publish(context.Background(), documented("wizard.completed")); err == nil {
		t.Error("Publish() after Close succeeded, want error")
	}
}

func mustSubscribe(t *testing.T, b *Bus, pattern string, h Handler) *Subscription {
	t.Helper()
	sub, err := b.Subscribe(pattern, h)
	if err != nil {
		t.Fatalf("Subscribe(%q) error = %v", pattern, err)
	}
	return sub
}
