// Package controlplane exposes the mesh's query and administration surface
// as a REST JSON API: publishing and inspecting events, walking the derived
// relationship graph, building and fetching narrative bundles, and flipping
// safe mode at runtime.
package controlplane

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/glancehq/eventmesh/internal/bus"
	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/core/ports"
	"github.com/glancehq/eventmesh/internal/history"
	"github.com/glancehq/eventmesh/internal/pkg/config"
	"github.com/glancehq/eventmesh/internal/server"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500

	defaultGraphDepth = 3
)

// Options carries the dependencies the control plane serves from. Bus,
// Store and History may each be nil; the routes needing them respond 503.
type Options struct {
	Config  *config.Config
	Bus     *bus.Bus
	Store   ports.StorageProvider
	History *history.Service
	Logger  *slog.Logger
}

type Server struct {
	router    *chi.Mux
	startTime time.Time
	cfg       *config.Config
	bus       *bus.Bus
	store     ports.StorageProvider
	history   *history.Service
	logger    *slog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		cfg:       opts.Config,
		bus:       opts.Bus,
		store:     opts.Store,
		history:   opts.History,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/overview", s.handleOverview)
	s.router.Get("/api/topics", s.handleTopics)
	s.router.Get("/api/owners", s.handleOwners)

	s.router.Get("/api/events", s.handleListEvents)
	s.router.Post("/api/events", s.handlePublishEvent)
	s.router.Get("/api/events/{event_id}", s.handleEventDetail)
	s.router.Post("/api/events/{event_id}/outcome", s.handleUpdateOutcome)
	s.router.Get("/api/events/{event_id}/graph", s.handleEventGraph)

	s.router.Get("/api/bundles/{owner}/{window}", s.handleGetBundle)
	s.router.Post("/api/bundles/{owner}/{window}", s.handleBuildBundle)

	s.router.Get("/api/safemode", s.handleGetSafeMode)
	s.router.Put("/api/safemode", s.handleSetSafeMode)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type StatsResponse struct {
	Uptime        string      `json:"uptime"`
	GoVersion     string      `json:"go_version"`
	NumGoroutine  int         `json:"num_goroutine"`
	Memory        MemoryStats `json:"memory"`
	Subscriptions int         `json:"subscriptions"`
	SafeMode      bool        `json:"safe_mode"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}
	if s.bus != nil {
		stats.Subscriptions = s.bus.SubscriptionCount()
		stats.SafeMode = s.bus.SafeMode()
	}

	writeJSON(w, stats)
}

type OverviewResponse struct {
	Storage   StorageSummary   `json:"storage"`
	Bus       BusSummary       `json:"bus"`
	Scheduler SchedulerSummary `json:"scheduler"`
}

type StorageSummary struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Driver  string `json:"driver,omitempty"`
}

type BusSummary struct {
	SafeMode      bool     `json:"safe_mode"`
	DefaultOwner  string   `json:"default_owner,omitempty"`
	AutoDocument  []string `json:"auto_document"`
	Subscriptions int      `json:"subscriptions"`
}

type SchedulerSummary struct {
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule,omitempty"`
	Windows  []string `json:"windows,omitempty"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	var resp OverviewResponse

	if s.cfg != nil {
		resp.Storage = StorageSummary{
			Enabled: s.store != nil,
			Type:    s.cfg.Storage.Type,
			Path:    s.cfg.Storage.SQLite.Path,
			Driver:  s.cfg.Storage.Database.Driver,
		}
		resp.Bus.DefaultOwner = s.cfg.Bus.DefaultOwner
		resp.Scheduler = SchedulerSummary{
			Enabled:  s.cfg.Scheduler.Enabled,
			Schedule: s.cfg.Scheduler.Schedule,
			Windows:  s.cfg.Scheduler.Windows,
		}
	}

	if s.bus != nil {
		resp.Bus.SafeMode = s.bus.SafeMode()
		resp.Bus.AutoDocument = s.bus.Registry().Entries()
		resp.Bus.Subscriptions = s.bus.SubscriptionCount()
	}

	writeJSON(w, resp)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, r, domain.ErrTransient("bus not configured", nil))
		return
	}

	writeJSON(w, map[string]any{
		"auto_document": s.bus.Registry().Entries(),
	})
}

func (s *Server) handleOwners(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, r, domain.ErrTransient("storage not configured", nil))
		return
	}

	var since time.Time
	if q := r.URL.Query().Get("since"); q != "" {
		parsed, err := time.Parse(time.RFC3339, q)
		if err != nil {
			s.writeError(w, r, domain.ErrValidation("since must be RFC 3339").WithParam("since"))
			return
		}
		since = parsed
	}

	owners, err := s.store.ListOwners(r.Context(), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, map[string]any{"owners": owners})
}

// EventListResponse is the payload for event listing.
type EventListResponse struct {
	Events []*domain.Event `json:"events"`
	Total  int             `json:"total"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, r, domain.ErrTransient("storage not configured", nil))
		return
	}

	q := r.URL.Query()
	filter := ports.EventFilter{
		Name:   q.Get("name"),
		Source: q.Get("source"),
		Owner:  q.Get("owner"),
		Limit:  defaultListLimit,
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxListLimit {
			filter.Limit = n
		}
	}
	if v := q.Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, domain.ErrValidation("from must be RFC 3339").WithParam("from"))
			return
		}
		filter.Start = parsed
	}
	if v := q.Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, domain.ErrValidation("to must be RFC 3339").WithParam("to"))
			return
		}
		filter.End = parsed
	}

	events, err := s.store.QueryEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, EventListResponse{Events: events, Total: len(events)})
}

// PublishResponse acknowledges an accepted publish. Persistence is
// asynchronous, so acceptance is not yet durability.
type PublishResponse struct {
	ID string `json:"id"`
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, r, domain.ErrTransient("bus not configured", nil))
		return
	}

	var evt domain.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		s.writeError(w, r, domain.ErrValidation("malformed event body").WithCause(err))
		return
	}

	id, err := s.bus.Publish(r.Context(), &evt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	server.StampEventID(r.Context(), id)
	server.AddLogField(r.Context(), "event_id", id)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(PublishResponse{ID: id})
}

func (s *Server) handleEventDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, r, domain.ErrTransient("storage not configured", nil))
		return
	}

	evt, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "event_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, evt)
}

// OutcomeRequest is the body for recording an event's downstream outcome.
type OutcomeRequest struct {
	Outcome string `json:"outcome"`
	Impact  string `json:"impact,omitempty"`
}

func (s *Server) handleUpdateOutcome(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, r, domain.ErrTransient("storage not configured", nil))
		return
	}

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, domain.ErrValidation("malformed outcome body").WithCause(err))
		return
	}
	if req.Outcome == "" {
		s.writeError(w, r, domain.ErrValidation("outcome must not be empty").
			WithCode(domain.ErrorCodeMissingField).WithParam("outcome"))
		return
	}

	id := chi.URLParam(r, "event_id")
	if err := s.store.UpdateOutcome(r.Context(), id, req.Outcome, req.Impact); err != nil {
		s.writeError(w, r, err)
		return
	}

	evt, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, evt)
}

// GraphResponse is the traversal payload: the reachable events plus the
// derived edges connecting them.
type GraphResponse struct {
	Seed   string          `json:"seed"`
	Depth  int             `json:"depth"`
	Events []*domain.Event `json:"events"`
	Edges  []*domain.Edge  `json:"edges"`
}

func (s *Server) handleEventGraph(w http.ResponseWriter, r *http.Request) {
	if s.history == nil || s.store == nil {
		s.writeError(w, r, domain.ErrTransient("history service not configured", nil))
		return
	}

	q := r.URL.Query()
	depth := defaultGraphDepth
	if v := q.Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, domain.ErrValidation("depth must be an integer").WithParam("depth"))
			return
		}
		depth = n
	}

	var tr *history.TimeRange
	from, to := q.Get("from"), q.Get("to")
	if from != "" || to != "" {
		tr = &history.TimeRange{}
		if from != "" {
			parsed, err := time.Parse(time.RFC3339, from)
			if err != nil {
				s.writeError(w, r, domain.ErrValidation("from must be RFC 3339").WithParam("from"))
				return
			}
			tr.Start = parsed
		}
		if to != "" {
			parsed, err := time.Parse(time.RFC3339, to)
			if err != nil {
				s.writeError(w, r, domain.ErrValidation("to must be RFC 3339").WithParam("to"))
				return
			}
			tr.End = parsed
		}
	}

	seed := chi.URLParam(r, "event_id")
	events, err := s.history.Traverse(r.Context(), seed, depth, tr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ids := make([]string, len(events))
	inGraph := make(map[string]bool, len(events))
	for i, evt := range events {
		ids[i] = evt.ID
		inGraph[evt.ID] = true
	}

	all, err := s.store.EdgesFor(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Keep only edges with both endpoints in the traversal result.
	edges := make([]*domain.Edge, 0, len(all))
	for _, e := range all {
		if inGraph[e.EventA] && inGraph[e.EventB] {
			edges = append(edges, e)
		}
	}

	if depth > history.MaxTraversalDepth {
		depth = history.MaxTraversalDepth
	}
	if depth < 0 {
		depth = 0
	}

	writeJSON(w, GraphResponse{Seed: seed, Depth: depth, Events: events, Edges: edges})
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, r, domain.ErrTransient("history service not configured", nil))
		return
	}

	bundle, err := s.history.GetBundle(r.Context(),
		chi.URLParam(r, "owner"), chi.URLParam(r, "window"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, bundle)
}

func (s *Server) handleBuildBundle(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, r, domain.ErrTransient("history service not configured", nil))
		return
	}

	owner := chi.URLParam(r, "owner")
	window := domain.BundleWindow(chi.URLParam(r, "window"))

	bundle, err := s.history.BuildBundle(r.Context(), owner, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	server.AddLogField(r.Context(), "owner", owner)
	writeJSON(w, bundle)
}

// SafeModeView reports or sets the bus's fan-out posture.
type SafeModeView struct {
	SafeMode bool `json:"safe_mode"`
}

func (s *Server) handleGetSafeMode(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, r, domain.ErrTransient("bus not configured", nil))
		return
	}

	writeJSON(w, SafeModeView{SafeMode: s.bus.SafeMode()})
}

func (s *Server) handleSetSafeMode(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, r, domain.ErrTransient("bus not configured", nil))
		return
	}

	var req SafeModeView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, domain.ErrValidation("malformed safe mode body").WithCause(err))
		return
	}

	s.bus.SetSafeMode(req.SafeMode)
	writeJSON(w, SafeModeView{SafeMode: s.bus.SafeMode()})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	var me *domain.MeshError
	if !errors.As(err, &me) {
		me = domain.ErrInternal(err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(me.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(map[string]any{"error": me})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
