package ports

import (
	"context"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
)

// EventStore defines the interface for the durable event log. Only
// documented events reach it; core fields are write-once and the outcome
// path is the sole mutation.
type EventStore interface {
	// Append persists a documented event. Appending an id that already
	// exists is idempotent: the stored record is returned unchanged and no
	// error is raised, to tolerate at-least-once hand-off from the bus.
	// Events with ShouldDocument=false are rejected with a validation error.
	Append(ctx context.Context, evt *domain.Event) (*domain.Event, error)

	// UpdateOutcome sets context.outcome (and optionally intent.impact) on a
	// stored event. Returns a not-found error if the id is absent. Concurrent
	// updates for the same id serialize as last-writer-wins.
	UpdateOutcome(ctx context.Context, id, outcome, impact string) error

	// AppendRelated merges extractor-discovered ids into the event's derived
	// related list. Additive and idempotent.
	AppendRelated(ctx context.Context, id string, related []string) error

	// GetEvent retrieves a single event by id.
	GetEvent(ctx context.Context, id string) (*domain.Event, error)

	// QueryEvents returns events matching the filter, always ordered by
	// timestamp ascending. The ordering is a contract; narrative assembly
	// depends on it.
	QueryEvents(ctx context.Context, filter EventFilter) ([]*domain.Event, error)

	// ListOwners returns the distinct owners with events at or after since,
	// for scheduled bundle materialization.
	ListOwners(ctx context.Context, since time.Time) ([]string, error)
}

// EdgeStore defines the interface for derived relationship edges. Writes
// are additive: the first evidence for a (pair, kind) wins and re-runs
// never contradict it.
type EdgeStore interface {
	// PutEdges persists edges, ignoring any (pair, kind) already present.
	PutEdges(ctx context.Context, edges []*domain.Edge) error

	// EdgesFor returns every stored edge touching any of the given ids.
	EdgesFor(ctx context.Context, eventIDs []string) ([]*domain.Edge, error)
}

// BundleStore defines the interface for narrative bundles keyed by
// (owner, window).
type BundleStore interface {
	// PutBundle upserts a bundle wholesale. All-or-nothing per key; a bundle
	// is never partially patched.
	PutBundle(ctx context.Context, b *domain.Bundle) error

	// GetBundle retrieves the bundle for (owner, window), or a not-found
	// error if none has been built.
	GetBundle(ctx context.Context, owner string, window domain.BundleWindow) (*domain.Bundle, error)
}

// StorageProvider manages all storage operations.
// Implementations: sqlite (default), postgres, mysql via the dialect layer,
// and an in-memory store for tests and ephemeral runs.
type StorageProvider interface {
	EventStore
	EdgeStore
	BundleStore

	Close() error
}

// EventFilter narrows a QueryEvents call. Zero values mean "no constraint".
type EventFilter struct {
	// Name filters by exact topic name.
	Name string

	// Source filters by producing component.
	Source string

	// Owner filters by dashboard owner.
	Owner string

	// IDs restricts to explicit event ids (traversal seeding).
	IDs []string

	// Start is the inclusive lower timestamp bound.
	Start time.Time

	// End is the exclusive upper timestamp bound.
	End time.Time

	// Limit caps the result length; 0 means no cap.
	Limit int
}
