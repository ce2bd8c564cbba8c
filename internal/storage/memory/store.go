// Package memory provides an in-memory storage provider for tests and
// ephemeral runs. Semantics mirror the SQL store: idempotent append,
// outcome-only mutation, keep-first edges, wholesale bundle upserts.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/core/ports"
)

// Store is an in-memory implementation of the storage provider.
type Store struct {
	mu      sync.RWMutex
	events  map[string]*domain.Event
	edges   map[string]*domain.Edge
	bundles map[string]string // key -> serialized bundle document
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		events:  make(map[string]*domain.Event),
		edges:   make(map[string]*domain.Edge),
		bundles: make(map[string]string),
	}
}

func (s *Store) Append(ctx context.Context, evt *domain.Event) (*domain.Event, error) {
	if evt == nil {
		return nil, domain.ErrValidation("event must not be nil")
	}
	if !evt.ShouldDocument {
		return nil, domain.ErrValidation("only documented events are stored").
			WithCode(domain.ErrorCodeNotDocumented)
	}
	if evt.ID == "" {
		return nil, domain.ErrValidation("event id must not be empty").WithParam("id")
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[evt.ID]; ok {
		return existing.Clone(), nil
	}

	stored := evt.Clone()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	s.events[evt.ID] = stored

	return stored.Clone(), nil
}

func (s *Store) UpdateOutcome(ctx context.Context, id, outcome, impact string) error {
	if id == "" {
		return domain.ErrValidation("event id must not be empty").WithParam("id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return domain.ErrEventNotFound(id)
	}

	if evt.Context == nil {
		evt.Context = &domain.EventContext{}
	}
	evt.Context.Outcome = outcome

	if impact != "" {
		if evt.Intent == nil {
			evt.Intent = &domain.Intent{}
		}
		evt.Intent.Impact = impact
	}

	return nil
}

func (s *Store) AppendRelated(ctx context.Context, id string, related []string) error {
	if id == "" {
		return domain.ErrValidation("event id must not be empty").WithParam("id")
	}
	if len(related) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return domain.ErrEventNotFound(id)
	}

	seen := make(map[string]struct{}, len(evt.RelatedEvents))
	for _, rid := range evt.RelatedEvents {
		seen[rid] = struct{}{}
	}
	for _, rid := range related {
		if rid == "" || rid == id {
			continue
		}
		if _, ok := seen[rid]; ok {
			continue
		}
		seen[rid] = struct{}{}
		evt.RelatedEvents = append(evt.RelatedEvents, rid)
	}

	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, ok := s.events[id]
	if !ok {
		return nil, domain.ErrEventNotFound(id)
	}

	return evt.Clone(), nil
}

func (s *Store) QueryEvents(ctx context.Context, filter ports.EventFilter) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idSet map[string]struct{}
	if len(filter.IDs) > 0 {
		idSet = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			idSet[id] = struct{}{}
		}
	}

	var result []*domain.Event
	for _, evt := range s.events {
		if filter.Name != "" && evt.Name != filter.Name {
			continue
		}
		if filter.Source != "" && evt.Source != filter.Source {
			continue
		}
		if filter.Owner != "" && evt.Owner != filter.Owner {
			continue
		}
		if idSet != nil {
			if _, ok := idSet[evt.ID]; !ok {
				continue
			}
		}
		if !filter.Start.IsZero() && evt.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && !evt.Timestamp.Before(filter.End) {
			continue
		}
		result = append(result, evt.Clone())
	}

	// Timestamp ascending is the query contract, id as a stable tie break.
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

func (s *Store) ListOwners(ctx context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for _, evt := range s.events {
		if evt.Owner == "" || evt.Timestamp.Before(since) {
			continue
		}
		set[evt.Owner] = struct{}{}
	}

	owners := make([]string, 0, len(set))
	for owner := range set {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	return owners, nil
}

func (s *Store) PutEdges(ctx context.Context, edges []*domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, edge := range edges {
		if edge == nil || edge.EventA == "" || edge.EventB == "" {
			continue
		}
		key := edge.DedupKey()
		if _, ok := s.edges[key]; ok {
			continue
		}
		stored := *edge
		if stored.DetectedAt.IsZero() {
			stored.DetectedAt = time.Now().UTC()
		}
		s.edges[key] = &stored
	}

	return nil
}

func (s *Store) EdgesFor(ctx context.Context, eventIDs []string) ([]*domain.Edge, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idSet := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		idSet[id] = struct{}{}
	}

	var result []*domain.Edge
	for _, edge := range s.edges {
		if _, ok := idSet[edge.EventA]; !ok {
			if _, ok := idSet[edge.EventB]; !ok {
				continue
			}
		}
		copied := *edge
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].DetectedAt.Equal(result[j].DetectedAt) {
			return result[i].DedupKey() < result[j].DedupKey()
		}
		return result[i].DetectedAt.Before(result[j].DetectedAt)
	})

	return result, nil
}

func (s *Store) PutBundle(ctx context.Context, b *domain.Bundle) error {
	if b == nil {
		return domain.ErrValidation("bundle must not be nil")
	}
	if b.Owner == "" {
		return domain.ErrValidation("bundle owner must not be empty").WithParam("owner")
	}
	if _, err := domain.ParseBundleWindow(string(b.Window)); err != nil {
		return err
	}

	// Store a serialized copy so later caller mutations cannot leak in,
	// matching the SQL store's document semantics.
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[b.Key()] = string(doc)

	return nil
}

func (s *Store) GetBundle(ctx context.Context, owner string, window domain.BundleWindow) (*domain.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.bundles[owner+"/"+string(window)]
	if !ok {
		return nil, domain.ErrBundleNotFound(owner, string(window))
	}

	var b domain.Bundle
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle: %w", err)
	}

	return &b, nil
}

func (s *Store) Close() error {
	return nil
}
