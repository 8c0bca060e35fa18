package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

const testSession = "session-token-12345"

func fakeAuthenticator(ctx context.Context, token string) (string, error) {
	if token == testSession {
		return "did:key:alice", nil
	}
	return "", types.ErrUnauthorized
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

func TestSessionMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantDID    string
	}{
		{"valid session", "Bearer " + testSession, http.StatusOK, "did:key:alice"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + testSession, http.StatusUnauthorized, ""},
		{"empty token", "Bearer ", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer nope", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotDID string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotDID = DIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodGet, "/api/v1/spaces", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			SessionMiddleware(fakeAuthenticator)(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotDID != tt.wantDID {
				t.Errorf("DID = %q, want %q", gotDID, tt.wantDID)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("Content-Type = %q, want application/problem+json", ct)
				}
			}
		})
	}
}

func TestSessionMiddleware_NoTokenLeak(t *testing.T) {
	logs := captureLogs(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/spaces", nil)
	req.Header.Set("Authorization", "Bearer leaked-secret")
	w := httptest.NewRecorder()

	SessionMiddleware(fakeAuthenticator)(http.NotFoundHandler()).ServeHTTP(w, req)

	if strings.Contains(w.Body.String(), "leaked-secret") {
		t.Error("response body contains the token")
	}
	if strings.Contains(logs.String(), "leaked-secret") {
		t.Error("log output contains the token")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"bearer abc", ""},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := extractBearerToken(req); got != tt.want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestLogLevelForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   slog.Level
	}{
		{200, slog.LevelInfo},
		{204, slog.LevelInfo},
		{304, slog.LevelInfo},
		{401, slog.LevelWarn},
		{409, slog.LevelWarn},
		{429, slog.LevelWarn},
		{500, slog.LevelError},
		{503, slog.LevelError},
	}
	for _, tt := range tests {
		if got := logLevelForStatus(tt.status); got != tt.want {
			t.Errorf("logLevelForStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestLoggingMiddleware_Fields(t *testing.T) {
	logs := captureLogs(t)

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(LoggingMiddleware)
	router.Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+testSession)
	router.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not one JSON line: %v\n%s", err, logs.String())
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	for _, key := range []string{"component", "method", "path", "status", "request_id", "remote_addr", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("missing log field %q", key)
		}
	}
	if rid, _ := entry["request_id"].(string); rid == "" {
		t.Error("request_id is empty")
	}
	if strings.Contains(logs.String(), testSession) {
		t.Error("log output contains the session token")
	}
}

func TestGetRequestID_NoContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if id := GetRequestID(req.Context()); id != "" {
		t.Errorf("GetRequestID = %q, want empty", id)
	}
}

func TestRecoveryMiddleware_PanicNoLeak(t *testing.T) {
	logs := captureLogs(t)
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("secret internal state"))
	})
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()

	RecoveryMiddleware(panicking).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret internal state") {
		t.Error("response leaks panic details")
	}
	if !strings.Contains(logs.String(), "panic recovered") {
		t.Error("expected 'panic recovered' in log output")
	}
}

func TestRateLimiter_PerKey(t *testing.T) {
	l := NewRateLimiter(0.001, 2)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := l.Middleware(next)

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/push", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	// Given: a burst of two per key
	if do("a") != http.StatusOK || do("a") != http.StatusOK {
		t.Fatal("expected burst requests to pass")
	}
	// Then: the third is limited
	if code := do("a"); code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", code)
	}
	// And: another key has its own bucket
	if code := do("b"); code != http.StatusOK {
		t.Errorf("status for other key = %d, want 200", code)
	}
}
