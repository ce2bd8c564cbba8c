package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/storage/memory"
)

type recordingBuilder struct {
	mu     sync.Mutex
	builds []string
	fail   map[string]bool
}

func (b *recordingBuilder) BuildBundle(ctx context.Context, owner string, window domain.BundleWindow) (*domain.Bundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := owner + "/" + string(window)
	b.builds = append(b.builds, key)
	if b.fail[key] {
		return nil, domain.ErrTransient("store went away", nil)
	}
	return &domain.Bundle{Owner: owner, Window: window}, nil
}

func (b *recordingBuilder) built() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.builds))
	copy(out, b.builds)
	return out
}

func seedOwner(t *testing.T, store *memory.Store, id, owner string, ts time.Time) {
	t.Helper()
	_, err := store.Append(context.Background(), &domain.Event{
		ID:             id,
		Name:           "wizard.completed",
		Source:         "webapp",
		Owner:          owner,
		Timestamp:      ts,
		ShouldDocument: true,
	})
	if err != nil {
		t.Fatalf("Append(%s) error = %v", id, err)
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

	seedOwner(t, store, "evt_a", "alice", now.Add(-2*time.Hour))
	seedOwner(t, store, "evt_b", "bob", now.Add(-3*24*time.Hour))
	// Outside even the week lookback; must not be swept.
	seedOwner(t, store, "evt_c", "carol", now.Add(-30*24*time.Hour))

	builder := &recordingBuilder{}
	s := New(store, builder, Config{Windows: []string{"day", "week"}},
		WithClock(func() time.Time { return now }))

	s.RunOnce(context.Background())

	got := builder.built()
	want := map[string]bool{
		"alice/day": true, "alice/week": true,
		"bob/day": true, "bob/week": true,
	}
	if len(got) != len(want) {
		t.Fatalf("builds = %v, want %d owner/window pairs", got, len(want))
	}
	for _, key := range got {
		if !want[key] {
			t.Errorf("unexpected build %s", key)
		}
	}
}

func TestScheduler_RunOnceContinuesPastFailures(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	seedOwner(t, store, "evt_a", "alice", now.Add(-time.Hour))
	seedOwner(t, store, "evt_b", "bob", now.Add(-time.Hour))

	builder := &recordingBuilder{fail: map[string]bool{"alice/day": true}}
	s := New(store, builder, Config{Windows: []string{"day"}},
		WithClock(func() time.Time { return now }))

	s.RunOnce(context.Background())

	got := builder.built()
	if len(got) != 2 {
		t.Fatalf("builds = %v, want both owners attempted despite the failure", got)
	}
}

func TestScheduler_UnknownWindowsSkipped(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	seedOwner(t, store, "evt_a", "alice", now.Add(-time.Hour))

	builder := &recordingBuilder{}
	s := New(store, builder, Config{Windows: []string{"fortnight", "month"}},
		WithClock(func() time.Time { return now }))

	s.RunOnce(context.Background())

	got := builder.built()
	if len(got) != 1 || got[0] != "alice/month" {
		t.Errorf("builds = %v, want only alice/month", got)
	}
}

func TestScheduler_DefaultWindows(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	seedOwner(t, store, "evt_a", "alice", now.Add(-time.Hour))

	builder := &recordingBuilder{}
	s := New(store, builder, Config{}, WithClock(func() time.Time { return now }))

	s.RunOnce(context.Background())

	got := builder.built()
	if len(got) != 2 {
		t.Errorf("builds = %v, want day and week defaults", got)
	}
}

func TestScheduler_StartRejectsBadSchedule(t *testing.T) {
	s := New(memory.New(), &recordingBuilder{}, Config{Schedule: "not a cron line"})

	if err := s.Start(); !domain.IsValidation(err) {
		t.Errorf("Start() error = %v, want validation", err)
	}
}

func TestScheduler_StartAndStop(t *testing.T) {
	s := New(memory.New(), &recordingBuilder{}, Config{Schedule: "@hourly"})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
}
