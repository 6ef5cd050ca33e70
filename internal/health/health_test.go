package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func get(t *testing.T, h http.Handler, path string) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); rec.Code != http.StatusNotFound && ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var body result
	if rec.Code != http.StatusNotFound {
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	mux := http.NewServeMux()
	New(Checker{Name: "call", Check: failWith("no active call")}).Register(mux)

	// Liveness ignores readiness checks.
	code, body := get(t, mux, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "transcripts", Check: pass},
				{Name: "call", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"transcripts": "ok", "call": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "transcripts", Check: failWith("connection refused")},
				{Name: "call", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"transcripts": "fail: connection refused", "call": "ok"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "ticket", Check: failWith("resilience: circuit breaker is open")},
				{Name: "call", Check: failWith("no active call")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"ticket": "fail: resilience: circuit breaker is open",
				"call":   "fail: no active call",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			New(tt.checkers...).Register(mux)

			code, body := get(t, mux, "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "transcripts", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestReadyz_AddWhileServing(t *testing.T) {
	mux := http.NewServeMux()
	h := New()
	h.Register(mux)

	if code, _ := get(t, mux, "/readyz"); code != http.StatusOK {
		t.Fatalf("readyz before Add = %d, want 200", code)
	}
	h.Add(Checker{Name: "call", Check: failWith("call ended in error")})
	code, body := get(t, mux, "/readyz")
	if code != http.StatusServiceUnavailable || body.Checks["call"] != "fail: call ended in error" {
		t.Errorf("readyz after Add = %d %v", code, body.Checks)
	}
}

func TestStatusz(t *testing.T) {
	h := New()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status without source = %d, want 404", rec.Code)
	}

	h.SetStatus(func() any {
		return map[string]string{"state": "listening", "session_id": "s-1"}
	})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body["state"] != "listening" || body["session_id"] != "s-1" {
		t.Errorf("body = %v", body)
	}
}
