package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
)

// meshStateKey is the context key for the per-request mesh state container.
type meshStateKey struct{}

// meshState is seeded into the request context by MeshStateMiddleware and
// filled in by handlers as the request progresses.
type meshState struct {
	mu      sync.Mutex
	eventID string
}

// StampEventID records the event id a handler assigned during publish so the
// response carries it as X-Mesh-Event-ID. Headers must be staged before the
// first body byte, which rules out setting them from the handler directly
// once streaming has begun. No-op if the middleware isn't present.
func StampEventID(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if st, ok := ctx.Value(meshStateKey{}).(*meshState); ok {
		st.mu.Lock()
		st.eventID = id
		st.mu.Unlock()
	}
}

// MeshStateMiddleware announces mesh runtime state on every response:
// X-Mesh-Safe-Mode with the current fan-out posture, and X-Mesh-Event-ID
// when a handler stamped one. Safe mode is sampled at write time so a
// request that toggles it sees the new value in its own response.
func MeshStateMiddleware(safeMode func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := &meshState{}
			ctx := context.WithValue(r.Context(), meshStateKey{}, st)

			wrapped := &stateResponseWriter{
				ResponseWriter: w,
				state:          st,
				safeMode:       safeMode,
			}
			next.ServeHTTP(wrapped, r.WithContext(ctx))
		})
	}
}

// stateResponseWriter wraps ResponseWriter to write mesh state headers just
// before the first header or body write.
type stateResponseWriter struct {
	http.ResponseWriter
	state      *meshState
	safeMode   func() bool
	wroteState bool
}

func (rw *stateResponseWriter) WriteHeader(code int) {
	if !rw.wroteState {
		rw.writeStateHeaders()
		rw.wroteState = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *stateResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteState {
		rw.writeStateHeaders()
		rw.wroteState = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *stateResponseWriter) writeStateHeaders() {
	h := rw.Header()

	if rw.safeMode != nil {
		h.Set("X-Mesh-Safe-Mode", strconv.FormatBool(rw.safeMode()))
	}

	rw.state.mu.Lock()
	eventID := rw.state.eventID
	rw.state.mu.Unlock()
	if eventID != "" {
		h.Set("X-Mesh-Event-ID", eventID)
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports
// http.Flusher.
func (rw *stateResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
