package server

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, key, want string) {
	t.Helper()
	if got := rec.Header().Get(key); got != want {
		t.Errorf("header %s = %q, want %q", key, got, want)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))

	if seen == "" {
		t.Error("handler saw no request id in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID = %q, want context value %q", got, seen)
	}

	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, httptest.NewRequest("GET", "/api/stats", nil))
	if rec2.Header().Get("X-Request-ID") == rec.Header().Get("X-Request-ID") {
		t.Error("request ids repeat across requests")
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if got := GetRequestID(httptest.NewRequest("GET", "/", nil).Context()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty without middleware", got)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "owner", "acme")
		AddError(r.Context(), errors.New("store offline"))
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	wrapped := LoggingMiddleware(logger)(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/api/events", nil))

	out := buf.String()
	for _, want := range []string{
		"request completed",
		`"method":"POST"`,
		`"path":"/api/events"`,
		`"status":503`,
		`"owner":"acme"`,
		`"error":"store offline"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}

func TestAddLogField_NoMiddleware(t *testing.T) {
	// Without the middleware in the chain these must be silent no-ops.
	ctx := httptest.NewRequest("GET", "/", nil).Context()
	AddLogField(ctx, "owner", "acme")
	AddError(ctx, errors.New("boom"))
}

func TestTimeoutMiddleware(t *testing.T) {
	deadlineSeen := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadlineSeen = r.Context().Deadline()
		w.WriteHeader(http.StatusOK)
	})

	wrapped := TimeoutMiddleware(5 * time.Second)(handler)
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !deadlineSeen {
		t.Error("handler context carries no deadline")
	}
}

func TestAdminTokenMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		token      string
		authHeader string
		wantStatus int
	}{
		{"empty token passes everything", "", "", http.StatusOK},
		{"valid bearer token", "s3cret", "Bearer s3cret", http.StatusOK},
		{"bare token accepted", "s3cret", "s3cret", http.StatusOK},
		{"wrong token rejected", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing header rejected", "s3cret", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := AdminTokenMiddleware(tt.token)(handler)

			req := httptest.NewRequest("GET", "/api/events", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestMeshStateMiddleware(t *testing.T) {
	safeMode := false

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		StampEventID(r.Context(), "evt_abc")
		w.WriteHeader(http.StatusAccepted)
	})
	wrapped := MeshStateMiddleware(func() bool { return safeMode })(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/api/events", nil))
	checkHeader(t, rec, "X-Mesh-Safe-Mode", "false")
	checkHeader(t, rec, "X-Mesh-Event-ID", "evt_abc")

	safeMode = true
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/api/events", nil))
	checkHeader(t, rec, "X-Mesh-Safe-Mode", "true")
}

func TestMeshStateMiddleware_NoStamp(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := MeshStateMiddleware(nil)(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))

	if rec.Header().Get("X-Mesh-Event-ID") != "" {
		t.Error("X-Mesh-Event-ID set without a stamp")
	}
	if rec.Header().Get("X-Mesh-Safe-Mode") != "" {
		t.Error("X-Mesh-Safe-Mode set without a safe mode getter")
	}
}

func TestMeshStateMiddleware_HeadersPrecedeBody(t *testing.T) {
	// Stamping after the first body write cannot change headers; the write
	// must not panic or duplicate them either.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		StampEventID(r.Context(), "evt_early")
		if _, err := w.Write([]byte("partial")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		StampEventID(r.Context(), "evt_late")
		if _, err := w.Write([]byte(" more")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	})
	wrapped := MeshStateMiddleware(func() bool { return false })(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	checkHeader(t, rec, "X-Mesh-Event-ID", "evt_early")
	if got := rec.Body.String(); got != "partial more" {
		t.Errorf("body = %q, want %q", got, "partial more")
	}
}

func TestNewRouter(t *testing.T) {
	var buf bytes.Buffer
	r := NewRouter(Options{
		Logger:     slog.New(slog.NewJSONHandler(&buf, nil)),
		Timeout:    time.Second,
		AdminToken: "s3cret",
		SafeMode:   func() bool { return true },
	})
	r.Get("/api/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Without the token the chain rejects before reaching the route.
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/ping", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest("GET", "/api/ping", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
	checkHeader(t, rec, "X-Mesh-Safe-Mode", "true")
	if !strings.Contains(buf.String(), "request completed") {
		t.Error("request log line missing")
	}
}
