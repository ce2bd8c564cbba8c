// Package history implements graph traversal over the event log and
// narrative bundle assembly.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/core/ports"
)

// MaxTraversalDepth is the hard ceiling on traversal hops. Callers asking
// for more are clamped, not rejected.
const MaxTraversalDepth = 10

// TimeRange restricts traversal to events inside [Start, End). Zero
// bounds are open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Extractor derives edges and themes from an event window.
type Extractor interface {
	ExtractWindow(events []*domain.Event) []*domain.Edge
	DetectThemes(events []*domain.Event) []string
}

// Service answers history queries: breadth-first related-event traversal
// and narrative bundle assembly.
type Service struct {
	store     ports.StorageProvider
	extractor Extractor
	counter   ports.TokenCounter
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source used to resolve bundle windows.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithTokenCounter sets the counter behind the bundle PromptTokens field.
func WithTokenCounter(counter ports.TokenCounter) Option {
	return func(s *Service) {
		s.counter = counter
	}
}

// NewService creates a history service over the given store and extractor.
func NewService(store ports.StorageProvider, extractor Extractor, opts ...Option) *Service {
	s := &Service{
		store:     store,
		extractor: extractor,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Traverse expands breadth-first from the seed event along derived edges,
// producer-declared context.relatedEvents and extraction-derived related
// ids, up to maxDepth hops (clamped to MaxTraversalDepth; negative means
// zero). Visited events are deduplicated; ids pointing at nothing are
// skipped. The optional time range filters discovered events, never the
// seed itself. Results come back timestamp ascending regardless of
// discovery order.
func (s *Service) Traverse(ctx context.Context, seedID string, maxDepth int, tr *TimeRange) ([]*domain.Event, error) {
	if seedID == "" {
		return nil, domain.ErrValidation("seed event id must not be empty").WithParam("seed_id")
	}

	seed, err := s.store.GetEvent(ctx, seedID)
	if err != nil {
		return nil, err
	}

	depth := maxDepth
	if depth > MaxTraversalDepth {
		depth = MaxTraversalDepth
	}
	if depth < 0 {
		depth = 0
	}

	visited := map[string]*domain.Event{seed.ID: seed}
	// attempted covers ids we already resolved or filtered out, so a
	// dangling or out-of-range id is not refetched every hop.
	attempted := map[string]struct{}{seed.ID: {}}
	frontier := []*domain.Event{seed}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates := make(map[string]struct{})
		frontierIDs := make([]string, 0, len(frontier))
		for _, evt := range frontier {
			frontierIDs = append(frontierIDs, evt.ID)
			for _, rid := range evt.DeclaredRelated() {
				candidates[rid] = struct{}{}
			}
			for _, rid := range evt.RelatedEvents {
				candidates[rid] = struct{}{}
			}
		}

		edges, err := s.store.EdgesFor(ctx, frontierIDs)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			for _, fid := range frontierIDs {
				if other := edge.Other(fid); other != "" {
					candidates[other] = struct{}{}
				}
			}
		}

		fetch := make([]string, 0, len(candidates))
		for id := range candidates {
			if id == "" {
				continue
			}
			if _, done := attempted[id]; done {
				continue
			}
			attempted[id] = struct{}{}
			fetch = append(fetch, id)
		}
		if len(fetch) == 0 {
			break
		}
		sort.Strings(fetch)

		filter := ports.EventFilter{IDs: fetch}
		if tr != nil {
			filter.Start = tr.Start
			filter.End = tr.End
		}
		next, err := s.store.QueryEvents(ctx, filter)
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, evt := range next {
			if _, seen := visited[evt.ID]; seen {
				continue
			}
			visited[evt.ID] = evt
			frontier = append(frontier, evt)
		}
	}

	result := make([]*domain.Event, 0, len(visited))
	for _, evt := range visited {
		result = append(result, evt)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result, nil
}

// BuildBundle assembles and persists the narrative bundle for an owner
// and window, resolved against the current clock. The bundle is upserted
// wholesale under (owner, window); rebuilding is idempotent modulo events
// appended since the last run. Extraction problems degrade to empty
// edges and themes rather than failing the build.
func (s *Service) BuildBundle(ctx context.Context, owner string, window domain.BundleWindow) (*domain.Bundle, error) {
	if owner == "" {
		return nil, domain.ErrValidation("owner must not be empty").WithParam("owner")
	}
	w, err := domain.ParseBundleWindow(string(window))
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	start, end := w.Resolve(now)

	events, err := s.store.QueryEvents(ctx, ports.EventFilter{
		Owner: owner,
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, err
	}

	edges, themes := s.derive(owner, events)

	// Derived edges also land in the shared edge set so traversal sees
	// them outside bundle reads. Additive and idempotent, so a failure
	// here only degrades this bundle's linkage.
	if len(edges) > 0 {
		if err := s.store.PutEdges(ctx, edges); err != nil {
			s.logger.Warn("failed to persist derived edges",
				"owner", owner,
				"window", string(w),
				"error", err)
		}
	}

	bundle := &domain.Bundle{
		Owner:       owner,
		Window:      w,
		WindowStart: start,
		WindowEnd:   end,
		Events:      events,
		Edges:       edges,
		Themes:      themes,
		Counters:    s.counters(events, edges, themes),
		BuiltAt:     now,
	}

	if err := s.store.PutBundle(ctx, bundle); err != nil {
		return nil, err
	}

	return bundle, nil
}

// GetBundle returns the stored bundle for an owner and window.
func (s *Service) GetBundle(ctx context.Context, owner string, window string) (*domain.Bundle, error) {
	if owner == "" {
		return nil, domain.ErrValidation("owner must not be empty").WithParam("owner")
	}
	w, err := domain.ParseBundleWindow(window)
	if err != nil {
		return nil, err
	}
	return s.store.GetBundle(ctx, owner, w)
}

// derive runs extraction, degrading to empty results if the extractor
// misbehaves.
func (s *Service) derive(owner string, events []*domain.Event) (edges []*domain.Edge, themes []string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("relationship extraction failed",
				"owner", owner,
				"events", len(events),
				"panic", r)
			edges, themes = nil, nil
		}
	}()

	if s.extractor == nil || len(events) == 0 {
		return nil, nil
	}
	edges = s.extractor.ExtractWindow(events)
	themes = s.extractor.DetectThemes(events)
	return edges, themes
}

func (s *Service) counters(events []*domain.Event, edges []*domain.Edge, themes []string) domain.BundleCounters {
	c := domain.BundleCounters{EventCount: len(events)}
	for _, evt := range events {
		if evt.HasDecision() {
			c.DecisionCount++
		}
		if evt.HasProblem() {
			c.ProblemCount++
		}
	}
	if s.counter != nil && len(events) > 0 {
		// Count what narrative generation actually consumes, not just the
		// raw events.
		doc := struct {
			Events []*domain.Event `json:"events"`
			Edges  []*domain.Edge  `json:"edges,omitempty"`
			Themes []string        `json:"themes,omitempty"`
		}{events, edges, themes}
		if raw, err := json.Marshal(doc); err == nil {
			c.PromptTokens = s.counter.Count(string(raw))
		}
	}
	return c
}
